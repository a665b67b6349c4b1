package dag

import (
	"fmt"
	"sort"

	hdag "github.com/heimdalr/dag"

	"genweaver/internal/core"
)

// Select returns the subgraph made of targets and every stage they
// transitively depend on. Running the subgraph produces exactly what the
// targets need.
//
// Ancestor closure is computed on a heimdalr/dag mirror of g; the result is
// rebuilt as a StageGraph so it carries its own canonical order and hash.
func Select(g *StageGraph, targets []string) (*StageGraph, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if len(targets) == 0 {
		return g, nil
	}

	mirror := hdag.NewDAG()
	vertexIDs := make(map[string]string, len(g.nodes))
	stageNames := make(map[string]string, len(g.nodes))
	for _, n := range g.nodes {
		id, err := mirror.AddVertex(n.Name)
		if err != nil {
			return nil, fmt.Errorf("mirroring stage %q: %w", n.Name, err)
		}
		vertexIDs[n.Name] = id
		stageNames[id] = n.Name
	}
	for _, e := range g.Edges() {
		// Edge direction follows execution order: dependency -> dependent.
		if err := mirror.AddEdge(vertexIDs[e.From], vertexIDs[e.To]); err != nil {
			return nil, fmt.Errorf("mirroring edge %q -> %q: %w", e.From, e.To, err)
		}
	}

	var unknown []string
	for _, t := range targets {
		if _, ok := vertexIDs[t]; !ok {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, unknownTargets(unknown)
	}

	keep := make(map[string]bool)
	for _, t := range targets {
		id := vertexIDs[t]
		keep[t] = true
		ancestors, err := mirror.GetAncestors(id)
		if err != nil {
			return nil, fmt.Errorf("collecting dependencies of %q: %w", t, err)
		}
		for ancestorID := range ancestors {
			keep[stageNames[ancestorID]] = true
		}
	}

	names := make([]string, 0, len(keep))
	for name := range keep {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]core.Stage, 0, len(names))
	for _, name := range names {
		stages = append(stages, g.nodesByName[name].Stage)
	}

	var edges []Edge
	for _, e := range g.Edges() {
		if keep[e.From] && keep[e.To] {
			edges = append(edges, e)
		}
	}
	return NewStageGraph(stages, edges)
}
