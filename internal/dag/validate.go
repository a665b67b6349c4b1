package dag

import (
	"container/heap"
)

// validateAcyclic rejects a pipeline whose depends_on edges loop. Kahn's
// algorithm decides; the DFS only runs to name the stages for the error.
func (g *StageGraph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.cycleWitness())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices returns a topological ordering of node indices.
// The ready queue is a min-heap by canonical index.
func (g *StageGraph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycleWitness returns one dependency cycle as stage names in execution
// order, closed by repeating its first stage (a -> b -> a). The cycle found
// is the first one a DFS over canonical indices closes, rotated to begin at
// its smallest stage name so the message is stable.
func (g *StageGraph) cycleWitness() []string {
	onStack := make([]bool, len(g.nodes))
	done := make([]bool, len(g.nodes))
	var stack []int

	var visit func(u int) []int
	visit = func(u int) []int {
		onStack[u] = true
		stack = append(stack, u)
		for _, v := range g.outgoing[u] {
			if onStack[v] {
				i := len(stack) - 1
				for stack[i] != v {
					i--
				}
				return append([]int(nil), stack[i:]...)
			}
			if !done[v] {
				if c := visit(v); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		onStack[u] = false
		done[u] = true
		return nil
	}

	var loop []int
	for i := range g.nodes {
		if !done[i] {
			if loop = visit(i); loop != nil {
				break
			}
		}
	}
	if len(loop) == 0 {
		return nil
	}

	first := 0
	for i, idx := range loop {
		if g.nodes[idx].Name < g.nodes[loop[first]].Name {
			first = i
		}
	}
	out := make([]string, 0, len(loop)+1)
	for i := range loop {
		out = append(out, g.nodes[loop[(first+i)%len(loop)]].Name)
	}
	return append(out, out[0])
}
