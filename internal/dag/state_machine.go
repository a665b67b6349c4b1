package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s StageState) bool {
	switch s {
	case StageCompleted, StageFailed, StageTolerated, StageUpToDate, StageSkipped, StageCancelled:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependencies.
func IsSuccessful(s StageState) bool {
	switch s {
	case StageCompleted, StageUpToDate, StageSkipped, StageTolerated:
		return true
	default:
		return false
	}
}

// Transition performs an atomic validated transition for a single stage.
//
// The caller supplies the expected prior state (from) to make races observable.
// The state map is mutated if and only if the transition is valid.
func Transition(state ExecutionState, stageName string, from, to StageState) error {
	cur, ok := state[stageName]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", stageName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", stageName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", stageName, from, to)
	}
	state[stageName] = to
	return nil
}

func isAllowedTransition(from, to StageState) bool {
	switch from {
	case StagePending:
		return to == StageRunning || to == StageUpToDate || to == StageSkipped || to == StageCancelled
	case StageRunning:
		return to == StageCompleted || to == StageFailed || to == StageTolerated
	default:
		return false
	}
}

// FailAndPropagate transitions stageName from RUNNING to FAILED and
// transitively marks all downstream dependents as CANCELLED.
//
// Determinism:
//   - The set of nodes cancelled is defined purely by reachability.
//   - Traversal is in canonical index order.
//
// Safety:
//   - A downstream node that is already RUNNING is an invariant violation;
//     the executor never starts a stage before its dependencies finished.
func FailAndPropagate(g *StageGraph, state ExecutionState, stageName string) error {
	if g == nil {
		return fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[stageName]
	if !ok {
		return fmt.Errorf("unknown stage: %q", stageName)
	}

	cur, ok := state[stageName]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", stageName)
	}
	if cur != StageRunning && cur != StageFailed {
		return fmt.Errorf("cannot fail %q from state %s", stageName, cur)
	}
	if cur == StageRunning {
		state[stageName] = StageFailed
	}

	start := node.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		st, ok := state[name]
		if !ok {
			return fmt.Errorf("missing state for %q", name)
		}

		switch st {
		case StagePending:
			state[name] = StageCancelled
		case StageRunning:
			return fmt.Errorf("invariant violation: downstream stage %q is RUNNING during failure propagation", name)
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return nil
}

// CancelPending marks every PENDING stage CANCELLED and returns their names
// in canonical order. Running stages are left to finish.
func CancelPending(g *StageGraph, state ExecutionState) []string {
	var cancelled []string
	for _, n := range g.nodes {
		if state[n.Name] == StagePending {
			state[n.Name] = StageCancelled
			cancelled = append(cancelled, n.Name)
		}
	}
	return cancelled
}
