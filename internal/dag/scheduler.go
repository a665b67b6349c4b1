package dag

import "sort"

// ReadyStages lists the PENDING stages whose dependencies have all succeeded
// (see IsSuccessful), shallowest first and by name within a depth. A stage
// missing from state is not ready. g and state are not modified.
func ReadyStages(g *StageGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	var ready []int
	for _, n := range g.nodes {
		if state[n.Name] == StagePending && g.depsSucceeded(n.canonicalIndex, state) {
			ready = append(ready, n.canonicalIndex)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if g.depth[a] != g.depth[b] {
			return g.depth[a] < g.depth[b]
		}
		return g.nodes[a].Name < g.nodes[b].Name
	})

	names := make([]string, len(ready))
	for i, idx := range ready {
		names[i] = g.nodes[idx].Name
	}
	return names
}

func (g *StageGraph) depsSucceeded(idx int, state ExecutionState) bool {
	for _, p := range g.incoming[idx] {
		if !IsSuccessful(state[g.nodes[p].Name]) {
			return false
		}
	}
	return true
}
