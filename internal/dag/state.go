package dag

// StageState is the runtime execution state of a node.
//
// It is kept apart from StageGraph, which is immutable, so one graph can be
// executed repeatedly.
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageCompleted StageState = "COMPLETED"
	StageFailed    StageState = "FAILED"

	// StageTolerated is a failed best-effort stage. Dependents still run.
	StageTolerated StageState = "FAILED_TOLERATED"

	// StageUpToDate stages were not run because their outputs are current.
	StageUpToDate StageState = "UP_TO_DATE"

	// StageSkipped stages were not run because their condition was false.
	// Like an up-to-date stage, a skipped stage does not block dependents.
	StageSkipped StageState = "SKIPPED"

	// StageCancelled stages were never started because an upstream stage
	// failed or the pipeline was aborted.
	StageCancelled StageState = "CANCELLED"
)

// ExecutionState maps stage name to its current StageState.
//
// It is a plain map so the scheduler can remain a pure function.
type ExecutionState map[string]StageState

// Clone returns a copy of s.
func (s ExecutionState) Clone() ExecutionState {
	cp := make(ExecutionState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}
