package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes the lifecycle of a run: start, finish and failure.
type Recorder struct {
	Store *Store

	now func() time.Time
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, now: time.Now}
}

// NewRunID returns a random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// StartRun persists run with status running. PreviousRunID is filled from
// the latest run of the same pipeline when unset.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("Store is required")
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now().UTC()
	}
	run.Status = RunStatusRunning
	if run.PreviousRunID == nil {
		if prev, err := r.Store.LatestRun(run.Pipeline); err == nil {
			id := prev.RunID
			run.PreviousRunID = &id
		}
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	return run, nil
}

// FinishRun closes run. A nil cause marks it succeeded; otherwise it is
// marked failed and the classified failure is stored alongside.
func (r *Recorder) FinishRun(run Run, cause error) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("Store is required")
	}
	end := r.now().UTC()
	run.EndTime = &end
	run.Status = RunStatusSucceeded
	if cause != nil {
		run.Status = RunStatusFailed
		f, err := FailureFromError(cause)
		if err != nil {
			return run, err
		}
		run.FailedStage = f.Stage
		if err := r.Store.SaveFailure(run.RunID, f); err != nil {
			return run, fmt.Errorf("record failure: %w", err)
		}
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	return run, nil
}
