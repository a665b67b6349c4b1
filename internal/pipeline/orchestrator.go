// Package pipeline loads a pipeline definition and runs its stages through
// the dag executor, wiring each stage kind to its handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"genweaver/internal/config"
	"genweaver/internal/core"
	"genweaver/internal/dag"
	"genweaver/internal/generate"
	"genweaver/internal/logging"
	"genweaver/internal/patch"
	"genweaver/internal/publish"
	"genweaver/internal/resolve"
	"genweaver/internal/state"
	"genweaver/internal/trace"
)

// Orchestrator runs one Definition under one Config.
type Orchestrator struct {
	Config     config.Config
	Definition *Definition
	Invoker    core.Invoker

	// Store persists runs and stage fingerprints. Nil disables incremental
	// runs and run history.
	Store *state.Store

	logger     logging.Logger
	conditions *Conditions
}

// RunOptions narrow a single run.
type RunOptions struct {
	// Targets restricts the run to these stages and their dependencies.
	Targets []string

	// Mode defaults to incremental when the config enables it.
	Mode state.ExecutionMode

	// Parallel overrides Config.MaxParallel when positive.
	Parallel int
}

// PlannedStage is one line of a dry-run plan.
type PlannedStage struct {
	Name      string
	Kind      core.StageKind
	Depth     int
	DependsOn []string
}

// New returns an Orchestrator. The config's Workdir is made absolute so every
// component agrees on relative paths.
func New(cfg config.Config, def *Definition, invoker core.Invoker, store *state.Store, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if abs, err := filepath.Abs(cfg.Workdir); err == nil {
		cfg.Workdir = abs
	}
	if invoker == nil {
		invoker = core.NewExecInvoker(cfg.Workdir, cfg.PassEnv)
	}
	return &Orchestrator{
		Config:     cfg,
		Definition: def,
		Invoker:    invoker,
		Store:      store,
		logger:     logger,
		conditions: NewConditions(cfg.Workdir),
	}
}

// Graph validates the definition's graph and narrows it to targets. It has
// no side effects, so a bad pipeline is rejected before anything runs.
func (o *Orchestrator) Graph(targets []string) (*dag.StageGraph, error) {
	if o.Definition == nil {
		return nil, &DefinitionError{Err: errors.New("no pipeline definition")}
	}
	for _, sd := range o.Definition.Stages {
		if sd.OnlyIf == "" {
			continue
		}
		if err := o.conditions.Compile(sd.OnlyIf); err != nil {
			return nil, &DefinitionError{Err: fmt.Errorf("stage %q: only_if: %w", sd.Name, err)}
		}
	}
	g, err := dag.NewStageGraphFromStages(o.Definition.CoreStages())
	if err != nil {
		return nil, err
	}
	return dag.Select(g, targets)
}

// Plan lists the stages a run of targets would consider, in execution order.
func (o *Orchestrator) Plan(targets []string) ([]PlannedStage, dag.GraphHash, error) {
	g, err := o.Graph(targets)
	if err != nil {
		return nil, "", err
	}
	order := g.TopologicalOrder()
	plan := make([]PlannedStage, 0, len(order))
	for _, name := range order {
		node, _ := g.Node(name)
		depth, _ := g.Depth(name)
		plan = append(plan, PlannedStage{Name: name, Kind: node.Stage.Kind, Depth: depth, DependsOn: g.Dependencies(name)})
	}
	return plan, g.Hash(), nil
}

// Run executes the pipeline. The report is returned whenever the graph was
// executed, even when a stage failed; the error is then the failing
// stage's *StageError. Graph and definition problems return a nil report.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	g, err := o.Graph(opts.Targets)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = state.ExecutionModeFull
		if o.Config.Incremental {
			mode = state.ExecutionModeIncremental
		}
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = o.Config.MaxParallel
	}
	if parallel <= 0 {
		parallel = 1
	}

	runID := state.NewRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	log := o.logger.WithContext(ctx).WithFields(logging.String("pipeline", o.Definition.Name))

	run := state.Run{RunID: runID, Pipeline: o.Definition.Name, GraphHash: g.Hash().String(), Mode: mode}
	var recorder *state.Recorder
	if o.Store != nil {
		recorder = state.NewRecorder(o.Store)
		if run, err = recorder.StartRun(run); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	traceRec := trace.NewRecorder()
	sink := trace.Tee(traceRec, trace.LogSink(log))
	runner := o.newRunner(g, mode, runID, sink)
	exec, err := dag.NewExecutor(g, runner)
	if err != nil {
		o.finish(recorder, run, err, log)
		return nil, err
	}
	exec.FailFast = o.Config.FailFast

	log.Info("pipeline started",
		logging.String("mode", string(mode)),
		logging.Int("stages", g.Len()),
		logging.Int("parallel", parallel),
		logging.String("graph_hash", g.Hash().String()))

	start := time.Now()
	var res *dag.GraphResult
	if parallel == 1 {
		res, err = exec.RunSerial(ctx)
	} else {
		res, err = exec.RunParallel(ctx, parallel)
	}
	elapsed := time.Since(start)

	if err != nil {
		log.Error("pipeline aborted", err, logging.Duration("duration", elapsed))
		o.finish(recorder, run, err, log)
		return nil, err
	}

	recordCancellations(g, res, traceRec, sink)
	report := newReport(runID, o.Definition.Name, mode, res, g, traceRec.Trace(g.Hash().String()), elapsed)

	var runErr error
	if res.FailedStage != "" {
		runErr = res.Results[res.FailedStage].Err
	}
	o.finish(recorder, run, runErr, log)

	if runErr != nil {
		log.Error("pipeline failed", runErr, logging.String("failed_stage", res.FailedStage), logging.Duration("duration", elapsed))
	} else {
		log.Info("pipeline succeeded", logging.Duration("duration", elapsed))
	}
	return report, runErr
}

func (o *Orchestrator) finish(recorder *state.Recorder, run state.Run, cause error, log logging.Logger) {
	if recorder == nil {
		return
	}
	if _, err := recorder.FinishRun(run, cause); err != nil {
		log.Warn("recording run end failed", logging.String("error", err.Error()))
	}
}

// newGenerator protects what a misconfigured output root must never clear.
func (o *Orchestrator) newGenerator() *generate.Generator {
	g := generate.NewGenerator(o.Invoker, o.Config.Workdir, o.logger)
	g.Protected = []string{o.Config.ResolvedDir, o.Config.StateDB}
	return g
}

func (o *Orchestrator) newRunner(g *dag.StageGraph, mode state.ExecutionMode, runID string, sink trace.Sink) *stageRunner {
	cfg := o.Config
	return &stageRunner{
		def:          o.Definition,
		graph:        g,
		cfg:          cfg,
		mode:         mode,
		runID:        runID,
		invoker:      o.Invoker,
		resolver:     resolve.NewResolver(cfg.Workdir, cfg.ResolvedDir, cfg.Tokens, o.logger),
		generator:    o.newGenerator(),
		patcher:      patch.NewPostProcessor(o.logger),
		publisher:    publish.NewPublisher(o.Invoker, cfg.Workdir, o.logger),
		inputs:       core.NewInputResolver(cfg.Workdir),
		fingerprints: core.NewFingerprinter(),
		conditions:   o.conditions,
		store:        o.Store,
		reg:          newRegistry(),
		sink:         sink,
		logger:       o.logger,
		fps:          make(map[string]core.Fingerprint),
		gens:         make(map[string]string),
	}
}

// recordCancellations adds a StageCancelled event for every stage that never
// ran. A stage below a failed stage is UpstreamFailed and names it; anything
// else was cut off by fail-fast.
func recordCancellations(g *dag.StageGraph, res *dag.GraphResult, rec *trace.Recorder, sink trace.Sink) {
	for _, name := range g.TopologicalOrder() {
		if res.FinalState[name] != dag.StageCancelled || rec.Decided(name) {
			continue
		}
		ev := trace.Event{Kind: trace.EventStageCancelled, Stage: name, Reason: ReasonAborted, CauseStage: res.FailedStage}
		if cause := failedAncestor(g, res.FinalState, name); cause != "" {
			ev.Reason = ReasonUpstreamFailed
			ev.CauseStage = cause
		}
		trace.SafeRecord(sink, ev)
	}
}

// failedAncestor returns the first failed stage, by name, that name
// transitively depends on.
func failedAncestor(g *dag.StageGraph, states dag.ExecutionState, name string) string {
	seen := make(map[string]bool)
	queue := []string{name}
	var failed []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.Dependencies(cur) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if states[dep] == dag.StageFailed {
				failed = append(failed, dep)
			}
			queue = append(queue, dep)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	slices.Sort(failed)
	return failed[0]
}
