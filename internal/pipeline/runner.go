package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
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

// Up-to-date and skip reasons. They appear in traces and reports.
const (
	ReasonConditionFalse   = "ConditionFalse"
	ReasonOutputsExist     = "OutputsExist"
	ReasonFingerprintMatch = "FingerprintMatch"
	ReasonUpstreamFailed   = "UpstreamFailed"
	ReasonAborted          = "Aborted"
)

// StageError is the failure of one stage.
type StageError struct {
	Stage string
	Kind  core.StageKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageName lets failure classification attribute the error.
func (e *StageError) StageName() string { return e.Stage }

// stageRunner implements dag.StageRunner for one run of a Definition.
type stageRunner struct {
	def   *Definition
	graph *dag.StageGraph
	cfg   config.Config
	mode  state.ExecutionMode
	runID string

	invoker   core.Invoker
	resolver  *resolve.Resolver
	generator *generate.Generator
	patcher   *patch.PostProcessor
	publisher *publish.Publisher

	inputs       *core.InputResolver
	fingerprints *core.Fingerprinter
	conditions   *Conditions

	// store is nil when state persistence is disabled.
	store *state.Store
	reg   *registry
	sink  trace.Sink

	logger logging.Logger

	mu  sync.Mutex
	fps map[string]core.Fingerprint

	// gens maps a stage to the run that last produced its outputs. Upstream
	// fingerprints carry it, so a dependency re-executed in this run or in
	// an earlier targeted one makes its dependents stale.
	gens map[string]string
}

func (r *stageRunner) stageLogger(ctx context.Context, st core.Stage) logging.Logger {
	ctx = logging.ContextWithStage(ctx, st.Name)
	return r.logger.WithContext(ctx).WithFields(logging.String("kind", string(st.Kind)))
}

// Probe runs with the executor lock held. The checks, in order: only_if,
// skip_if_exists, then the recorded fingerprint in incremental mode.
func (r *stageRunner) Probe(ctx context.Context, st core.Stage) (*dag.NodeResult, dag.ProbeDecision, error) {
	log := r.stageLogger(ctx, st)

	ok, err := r.conditions.Eval(st.OnlyIf, st.Name, string(st.Kind), string(r.mode))
	if err != nil {
		return nil, dag.ProbeRun, fmt.Errorf("only_if of %q: %w", st.Name, err)
	}

	rec := r.record(st.Name, log)
	var sources []string
	if rec != nil {
		sources = rec.Sources
	}
	fp := r.fingerprint(st, sources, log)
	r.mu.Lock()
	r.fps[st.Name] = fp
	if rec != nil {
		r.gens[st.Name] = rec.RunID
	}
	r.mu.Unlock()

	if !ok {
		// Leftovers of an earlier run stay visible to dependents.
		if _, err := r.restore(st); err != nil {
			log.Debug("nothing to restore for skipped stage", logging.String("error", err.Error()))
		}
		log.Info("stage skipped", logging.String("reason", ReasonConditionFalse))
		trace.SafeRecord(r.sink, trace.Event{Kind: trace.EventStageSkipped, Stage: st.Name, Reason: ReasonConditionFalse})
		return &dag.NodeResult{Fingerprint: fp, Reason: ReasonConditionFalse}, dag.ProbeSkip, nil
	}

	if len(st.SkipIfExists) > 0 && core.AllExist(r.cfg.Workdir, st.SkipIfExists) {
		if res, ok := r.upToDate(st, fp, ReasonOutputsExist, log); ok {
			return res, dag.ProbeUpToDate, nil
		}
	}

	if r.mode == state.ExecutionModeIncremental && rec != nil && fp != "" &&
		rec.Fingerprint == fp.String() && (len(st.Outputs) == 0 || core.AllExist(r.cfg.Workdir, st.Outputs)) {
		if res, ok := r.upToDate(st, fp, ReasonFingerprintMatch, log); ok {
			return res, dag.ProbeUpToDate, nil
		}
	}

	return nil, dag.ProbeRun, nil
}

// record returns the stored record of stage, or nil without a store or
// record.
func (r *stageRunner) record(stage string, log logging.Logger) *state.StageRecord {
	if r.store == nil {
		return nil
	}
	rec, err := r.store.LoadStage(stage)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return nil
	case err != nil:
		log.Warn("reading stage record failed", logging.String("error", err.Error()))
		return nil
	}
	return &rec
}

// upToDate restores st's artifacts into the registry. A stage whose
// artifacts cannot be restored runs instead.
func (r *stageRunner) upToDate(st core.Stage, fp core.Fingerprint, reason string, log logging.Logger) (*dag.NodeResult, bool) {
	restored, err := r.restore(st)
	if err != nil {
		log.Info("artifacts not restorable, running stage", logging.String("error", err.Error()))
		return nil, false
	}
	trace.SafeRecord(r.sink, trace.Event{Kind: trace.EventStageUpToDate, Stage: st.Name, Reason: reason})
	if restored != nil {
		trace.SafeRecord(r.sink, trace.Event{Kind: trace.EventStageArtifactsRestored, Stage: st.Name, Artifacts: restored})
	}
	log.Info("stage up to date", logging.String("reason", reason))
	return &dag.NodeResult{Fingerprint: fp, Reason: reason}, true
}

// fingerprint returns "" when the inputs cannot be read; the stage then runs
// and reports the real problem itself. Sources are files a resolve stage
// pulled in through $ref or include on its last execution.
func (r *stageRunner) fingerprint(st core.Stage, sources []string, log logging.Logger) core.Fingerprint {
	sd, _ := r.def.Stage(st.Name)
	patterns := append(append([]string(nil), st.Inputs...), implicitInputs(sd)...)
	patterns = append(patterns, sources...)
	inputs, err := r.inputs.Resolve(patterns)
	if err != nil {
		log.Debug("inputs not fingerprintable", logging.String("error", err.Error()))
		return ""
	}

	upstream := make(map[string]core.Fingerprint)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.graph.Dependencies(st.Name) {
		fp := r.fps[dep]
		if gen := r.gens[dep]; gen != "" {
			fp = core.Fingerprint(fp.String() + "@" + gen)
		}
		upstream[dep] = fp
	}
	return r.fingerprints.Compute(core.FingerprintInput{Stage: st, Inputs: inputs, Upstream: upstream})
}

// implicitInputs are files a stage reads whether or not they are declared.
func implicitInputs(sd *StageDef) []string {
	if sd == nil {
		return nil
	}
	var out []string
	switch {
	case sd.Resolve != nil:
		for _, root := range sd.Resolve.Roots {
			out = append(out, root.Locator)
		}
	case sd.Generate != nil && sd.Generate.TemplateDir != "":
		out = append(out, sd.Generate.TemplateDir)
	}
	return out
}

// restore republishes what a previous run of st left on disk and returns the
// restored artifact identifiers. Kinds without registry output restore nothing.
func (r *stageRunner) restore(st core.Stage) ([]string, error) {
	sd, ok := r.def.Stage(st.Name)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", st.Name)
	}
	switch st.Kind {
	case core.KindResolve:
		docs := make([]*core.SpecDocument, 0, len(sd.Resolve.Roots))
		for _, root := range sd.Resolve.Roots {
			doc, err := r.resolver.Load(root)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		r.reg.putDocs(st.Name, docs)
		return r.relPaths(docPaths(docs)), nil
	case core.KindGenerate:
		set, err := r.generator.Collect(r.target(sd))
		if err != nil {
			return nil, err
		}
		if set.Len() == 0 {
			return nil, fmt.Errorf("output root of %s is empty", st.Name)
		}
		r.reg.putSet(st.Name, set)
		return set.Paths(), nil
	default:
		return nil, nil
	}
}

func (r *stageRunner) Run(ctx context.Context, st core.Stage) (*dag.NodeResult, error) {
	log := r.stageLogger(ctx, st)
	sd, ok := r.def.Stage(st.Name)
	if !ok {
		return nil, fmt.Errorf("stage %q is not in the definition", st.Name)
	}

	r.mu.Lock()
	fp := r.fps[st.Name]
	r.mu.Unlock()

	log.Info("stage started")
	start := time.Now()

	var (
		out outcome
		err error
	)
	switch st.Kind {
	case core.KindResolve:
		out, err = r.runResolve(ctx, sd)
	case core.KindGenerate:
		out, err = r.runGenerate(ctx, sd)
	case core.KindPatch:
		out, err = r.runPatch(sd)
	case core.KindPublish:
		out, err = r.runPublish(ctx, sd)
	case core.KindExec:
		out, err = r.runExec(ctx, sd)
	default:
		err = fmt.Errorf("unknown kind %q", st.Kind)
	}
	elapsed := time.Since(start)

	if err == nil && out.sources != nil {
		fp = r.fingerprint(st, out.sources, log)
	}
	r.mu.Lock()
	r.fps[st.Name] = fp
	r.gens[st.Name] = r.runID
	r.mu.Unlock()

	if err != nil {
		serr := &StageError{Stage: st.Name, Kind: st.Kind, Err: err}
		code := "StageFailed"
		if f, ferr := state.FailureFromError(serr); ferr == nil {
			code = f.ErrorCode
		}
		kind := trace.EventStageFailed
		if st.BestEffort {
			kind = trace.EventStageTolerated
			log.Warn("best-effort stage failed", logging.String("error", err.Error()), logging.Duration("duration", elapsed))
		} else {
			log.Error("stage failed", err, logging.Duration("duration", elapsed))
		}
		trace.SafeRecord(r.sink, trace.Event{Kind: kind, Stage: st.Name, Reason: code})
		if r.store != nil {
			if ferr := r.store.ForgetStage(st.Name); ferr != nil {
				log.Warn("forgetting stage record failed", logging.String("error", ferr.Error()))
			}
		}
		return &dag.NodeResult{Fingerprint: fp, Err: serr, Output: out.output}, nil
	}

	trace.SafeRecord(r.sink, trace.Event{Kind: trace.EventStageExecuted, Stage: st.Name, Artifacts: out.artifacts})
	if r.store != nil && fp != "" {
		rec := state.StageRecord{
			Stage:        st.Name,
			Fingerprint:  fp.String(),
			RunID:        r.runID,
			UpdatedAt:    time.Now().UTC(),
			OutputDigest: out.digest,
			Sources:      out.sources,
		}
		if serr := r.store.SaveStage(rec); serr != nil {
			log.Warn("saving stage record failed", logging.String("error", serr.Error()))
		}
	}
	log.Info("stage completed", logging.Int("artifacts", len(out.artifacts)), logging.Duration("duration", elapsed))
	return &dag.NodeResult{Fingerprint: fp, Output: out.output}, nil
}

func (r *stageRunner) relPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rel, err := filepath.Rel(r.cfg.Abs("."), p); err == nil {
			p = rel
		}
		out = append(out, filepath.ToSlash(p))
	}
	return out
}

func docPaths(docs []*core.SpecDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Path()
	}
	return out
}
