package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"genweaver/internal/core"
)

type edgeIndex struct {
	from int
	to   int
}

// StageGraph is an immutable, validated DAG of pipeline stages.
//
// It is safe for concurrent read access.
type StageGraph struct {
	nodesByName map[string]*StageNode
	nodes       []*StageNode // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	hash GraphHash
}

// NewStageGraphFromStages builds a graph whose edges come from each stage's DependsOn.
func NewStageGraphFromStages(stages []core.Stage) (*StageGraph, error) {
	return NewStageGraph(stages, EdgesFromDependsOn(stages))
}

// NewStageGraph builds and validates a StageGraph.
//
// Validation runs immediately and rejects:
//   - empty or duplicate stage names
//   - edges referencing unknown stages
//   - duplicate edges
//   - self-loops
//   - two stages declaring the same output path
//   - any cycle (direct or indirect)
func NewStageGraph(stages []core.Stage, edges []Edge) (*StageGraph, error) {
	if len(stages) == 0 {
		return nil, invalidf("no stages")
	}

	nodesByName := make(map[string]*StageNode, len(stages))
	nodes := make([]*StageNode, 0, len(stages))
	outputOwner := make(map[string]string)

	for _, s := range stages {
		if s.Name == "" {
			return nil, invalidf("stage name is required")
		}
		if _, exists := nodesByName[s.Name]; exists {
			return nil, invalidf("duplicate stage name: %q", s.Name)
		}
		for _, out := range s.Outputs {
			if owner, taken := outputOwner[out]; taken {
				return nil, invalidf("output %q is declared by both %q and %q", out, owner, s.Name)
			}
			outputOwner[out] = s.Name
		}

		node := &StageNode{Name: s.Name, Stage: s, DefinitionHash: computeStageDefHash(s)}
		nodesByName[s.Name] = node
		nodes = append(nodes, node)
	}

	// Canonicalize nodes: definition hash first, name as a stable tie-breaker.
	sort.Slice(nodes, func(i, j int) bool {
		ai, aj := nodes[i], nodes[j]
		if ai.DefinitionHash != aj.DefinitionHash {
			return ai.DefinitionHash < aj.DefinitionHash
		}
		return ai.Name < aj.Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		fromNode, okFrom := nodesByName[e.From]
		toNode, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, invalidf("stage %q depends on unknown stage %q", e.To, e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown stage (to): %q", e.To)
		}
		if fromNode == toNode {
			return nil, invalidf("self-loop: %q -> %q", e.From, e.To)
		}

		pair := edgeIndex{from: fromNode.canonicalIndex, to: toNode.canonicalIndex}
		if _, exists := seen[pair]; exists {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &StageGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *StageGraph) Hash() GraphHash { return g.hash }

// Len returns the number of stages.
func (g *StageGraph) Len() int { return len(g.nodes) }

// Node returns a node by name.
func (g *StageGraph) Node(name string) (*StageNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *StageGraph) Nodes() []*StageNode {
	out := make([]*StageNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Stages returns the stage definitions in canonical order.
func (g *StageGraph) Stages() []core.Stage {
	out := make([]core.Stage, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Stage)
	}
	return out
}

// Edges returns the dependency edges as (From, To) name pairs in canonical order.
func (g *StageGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Dependencies returns the direct upstream stage names of name, sorted.
func (g *StageGraph) Dependencies(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.incoming[n.canonicalIndex])
}

// Dependents returns the direct downstream stage names of name, sorted.
func (g *StageGraph) Dependents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.outgoing[n.canonicalIndex])
}

func (g *StageGraph) namesOf(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].Name)
	}
	sort.Strings(out)
	return out
}

// Depth returns the topological depth of the given stage.
//
// Depth is the length of the longest path from any root to the node.
func (g *StageGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *StageGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		maxParent := 0
		for _, p := range g.incoming[u] {
			if cand := depth[p] + 1; cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

// TopologicalOrder returns a deterministic topological ordering of stage names.
//
// Since the graph is validated on construction, this method cannot fail.
func (g *StageGraph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *StageGraph) computeGraphHash() GraphHash {
	h := sha256.New()

	writeCount(h, len(g.nodes))
	for _, n := range g.nodes {
		writeField(h, []byte(n.DefinitionHash))
	}

	writeCount(h, len(g.edges))
	for _, e := range g.edges {
		writeCount(h, e.from)
		writeCount(h, e.to)
	}

	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	writeCount(h, len(data))
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	h.Write(b[:])
}
