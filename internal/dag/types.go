package dag

import "genweaver/internal/core"

// GraphHash is the deterministic identity of a StageGraph.
//
// It is computed from stage definition content and dependency structure and is
// stable across insertion orders of stages and edges.
type GraphHash string

// StageDefHash is the identity of one stage definition as used by the graph.
type StageDefHash string

// Edge represents a dependency relation: To depends on From.
type Edge struct {
	From string
	To   string
}

// StageNode is an immutable node in the StageGraph.
type StageNode struct {
	Name           string
	Stage          core.Stage
	DefinitionHash StageDefHash
	canonicalIndex int
}

// CanonicalIndex returns the node's deterministic position in the graph's canonical ordering.
func (n *StageNode) CanonicalIndex() int { return n.canonicalIndex }

func (h GraphHash) String() string { return string(h) }

func (h StageDefHash) String() string { return string(h) }

// EdgesFromDependsOn derives the edge list declared through Stage.DependsOn.
//
// Edges are returned in declaration order; StageGraph canonicalizes them.
func EdgesFromDependsOn(stages []core.Stage) []Edge {
	var edges []Edge
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			edges = append(edges, Edge{From: dep, To: s.Name})
		}
	}
	return edges
}
