package dag

import (
	"context"
	"time"

	"genweaver/internal/core"
)

// ProbeDecision is a runner's verdict on whether a ready stage must run.
type ProbeDecision int

const (
	// ProbeRun dispatches the stage.
	ProbeRun ProbeDecision = iota
	// ProbeUpToDate marks the stage UP_TO_DATE without running it.
	ProbeUpToDate
	// ProbeSkip marks the stage SKIPPED without running it.
	ProbeSkip
)

// StageRunner executes a single stage.
//
// A stage failure (tool exited non-zero, bad input) is reported through
// NodeResult.Err. A non-nil error return means the runner itself broke and
// aborts the whole execution.
type StageRunner interface {
	// Probe decides whether the stage needs to run. It is called with the
	// executor's state lock held, right before dispatch.
	Probe(ctx context.Context, stage core.Stage) (*NodeResult, ProbeDecision, error)

	Run(ctx context.Context, stage core.Stage) (*NodeResult, error)
}

// NodeResult is the outcome of probing or running a single stage.
type NodeResult struct {
	Fingerprint core.Fingerprint

	// Err is the stage failure, nil on success.
	Err error

	// Output is the captured tool output, if any.
	Output []byte

	// Reason explains an up-to-date or skipped decision (e.g. "OutputsExist").
	Reason string

	// Duration is measured by the executor around Run.
	Duration time.Duration
}

// Failed reports whether the stage failed.
func (r *NodeResult) Failed() bool { return r != nil && r.Err != nil }

// GraphResult is the summary of one execution attempt.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each stage by name.
	FinalState ExecutionState

	// ExecutionOrder is the ordered list of stages that were started.
	ExecutionOrder []string

	// Results holds per-stage outcomes for every stage that was probed or run.
	Results map[string]*NodeResult

	// FailedStage is the first stage whose failure was not tolerated, or "".
	FailedStage string
}

// Succeeded reports whether every stage ended in a successful state.
func (r *GraphResult) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, st := range r.FinalState {
		if !IsSuccessful(st) {
			return false
		}
	}
	return true
}
