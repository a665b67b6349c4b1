package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Executor executes a StageGraph.
type Executor struct {
	Graph  *StageGraph
	Runner StageRunner

	// FailFast aborts the remaining graph on the first untolerated failure:
	// every PENDING stage becomes CANCELLED and only in-flight stages finish.
	// Without it, only the failed stage's dependents are cancelled.
	FailFast bool

	mu      sync.Mutex
	state   ExecutionState
	results map[string]*NodeResult
	order   []string
	failed  string
}

// NewExecutor creates an executor with all stages initialized to PENDING.
func NewExecutor(g *StageGraph, runner StageRunner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}

	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = StagePending
	}

	return &Executor{
		Graph:   g,
		Runner:  runner,
		state:   state,
		results: make(map[string]*NodeResult, len(g.nodes)),
	}, nil
}

// probeLocked asks the runner whether name must run and commits an
// UP_TO_DATE or SKIPPED decision. It reports whether the stage should be
// dispatched. Caller holds e.mu.
func (e *Executor) probeLocked(ctx context.Context, name string) (bool, error) {
	node := e.Graph.nodesByName[name]
	res, decision, err := e.Runner.Probe(ctx, node.Stage)
	if err != nil {
		return false, fmt.Errorf("probing %q: %w", name, err)
	}

	var to StageState
	switch decision {
	case ProbeRun:
		return true, nil
	case ProbeUpToDate:
		to = StageUpToDate
	case ProbeSkip:
		to = StageSkipped
	default:
		return false, fmt.Errorf("probing %q: unknown decision %d", name, decision)
	}

	if err := Transition(e.state, name, StagePending, to); err != nil {
		return false, err
	}
	if res == nil {
		res = &NodeResult{}
	}
	e.results[name] = res
	return false, nil
}

// startLocked moves name to RUNNING. Caller holds e.mu.
func (e *Executor) startLocked(name string) error {
	if err := Transition(e.state, name, StagePending, StageRunning); err != nil {
		return err
	}
	e.order = append(e.order, name)
	return nil
}

// commitLocked records the outcome of a run. Caller holds e.mu.
func (e *Executor) commitLocked(name string, res *NodeResult) error {
	e.results[name] = res
	if !res.Failed() {
		return Transition(e.state, name, StageRunning, StageCompleted)
	}

	if e.Graph.nodesByName[name].Stage.BestEffort {
		return Transition(e.state, name, StageRunning, StageTolerated)
	}

	if err := FailAndPropagate(e.Graph, e.state, name); err != nil {
		return err
	}
	if e.failed == "" {
		e.failed = name
	}
	if e.FailFast {
		CancelPending(e.Graph, e.state)
	}
	return nil
}

func (e *Executor) run(ctx context.Context, name string) (res *NodeResult, err error) {
	// Workers run on their own goroutines; a panicking runner aborts the run
	// instead of the process.
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("executing %q: panic: %v", name, r)
		}
	}()
	start := time.Now()
	res, err = e.Runner.Run(ctx, e.Graph.nodesByName[name].Stage)
	if err != nil {
		return nil, fmt.Errorf("executing %q: %w", name, err)
	}
	if res == nil {
		return nil, fmt.Errorf("executing %q: nil result", name)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (e *Executor) resultLocked() *GraphResult {
	results := make(map[string]*NodeResult, len(e.results))
	for k, v := range e.results {
		results[k] = v
	}
	return &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     e.state.Clone(),
		ExecutionOrder: append([]string(nil), e.order...),
		Results:        results,
		FailedStage:    e.failed,
	}
}

// RunSerial executes the graph one stage at a time.
//
// Determinism:
//   - All state mutations are guarded by a single mutex.
//   - The next stage is always the first element of the scheduler's ordered list.
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution cancelled: %w", err)
		}

		e.mu.Lock()
		ready := ReadyStages(e.Graph, e.state)
		if len(ready) == 0 {
			allTerminal := true
			for _, st := range e.state {
				if !IsTerminal(st) {
					allTerminal = false
					break
				}
			}
			if allTerminal {
				res := e.resultLocked()
				e.mu.Unlock()
				return res, nil
			}
			e.mu.Unlock()
			return nil, fmt.Errorf("no ready stages but graph not finished")
		}

		next := ready[0]
		dispatch, err := e.probeLocked(ctx, next)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if !dispatch {
			e.mu.Unlock()
			continue
		}
		if err := e.startLocked(next); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.mu.Unlock()

		res, err := e.run(ctx, next)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		err = e.commitLocked(next, res)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

type workItem struct {
	name string
}

type workResult struct {
	name   string
	result *NodeResult
	err    error
}

// RunParallel executes the graph using up to concurrency workers.
//
// Dispatch is depth-staged: every stage of depth d finishes before any stage
// of depth d+1 starts, and within one depth stages start in name order. A
// stage therefore never begins before all of its dependencies (which have a
// strictly smaller depth) have reached a terminal state.
//
// All state reads and writes are synchronized by e.mu. Stages run outside the lock.
func (e *Executor) RunParallel(ctx context.Context, concurrency int) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}

	maxDepth := 0
	for _, d := range e.Graph.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	byDepth := make([][]string, maxDepth+1)
	for _, n := range e.Graph.nodes {
		d := e.Graph.depth[n.canonicalIndex]
		byDepth[d] = append(byDepth[d], n.Name)
	}
	for d := range byDepth {
		sort.Strings(byDepth[d])
	}

	workCh := make(chan workItem, concurrency)
	doneCh := make(chan workResult, concurrency)

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				res, err := e.run(ctx, w.name)
				doneCh <- workResult{name: w.name, result: res, err: err}
			}
		}()
	}

	inFlight := 0

	for depth := 0; depth <= maxDepth; depth++ {
		names := byDepth[depth]
		nextToStart := 0

		for {
			e.mu.Lock()
			for inFlight < concurrency && nextToStart < len(names) {
				name := names[nextToStart]
				node := e.Graph.nodesByName[name]
				st := e.state[name]

				// Cancelled by an earlier failure: never execute.
				if IsTerminal(st) {
					nextToStart++
					continue
				}
				if st != StagePending {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("unexpected non-pending state for %q: %s", name, st)
				}
				if !e.Graph.depsSucceeded(node.canonicalIndex, e.state) {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("stage %q at depth %d is pending but dependencies are not successful", name, depth)
				}

				dispatch, err := e.probeLocked(ctx, name)
				if err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, err
				}
				nextToStart++
				if !dispatch {
					continue
				}

				if err := e.startLocked(name); err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, err
				}
				inFlight++
				workCh <- workItem{name: name}
			}

			stageDone := nextToStart >= len(names) && inFlight == 0
			e.mu.Unlock()
			if stageDone {
				break
			}

			select {
			case <-ctx.Done():
				stopWorkers()
				return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
			case r := <-doneCh:
				if r.err != nil {
					stopWorkers()
					return nil, r.err
				}

				e.mu.Lock()
				if cur := e.state[r.name]; cur != StageRunning {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("completion for %q but state is %s", r.name, cur)
				}
				if err := e.commitLocked(r.name, r.result); err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, err
				}
				inFlight--
				e.mu.Unlock()
			}
		}
	}

	stopWorkers()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultLocked(), nil
}
