package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ExecutionMode string

const (
	ExecutionModeFull        ExecutionMode = "full"
	ExecutionModeIncremental ExecutionMode = "incremental"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persistent record of one pipeline execution.
type Run struct {
	RunID         string        `json:"run_id"`
	Pipeline      string        `json:"pipeline"`
	GraphHash     string        `json:"graph_hash"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	Mode          ExecutionMode `json:"mode"`
	Status        RunStatus     `json:"status"`
	FailedStage   *string       `json:"failed_stage,omitempty"`
	PreviousRunID *string       `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Mode {
	case ExecutionModeFull, ExecutionModeIncremental:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time precedes start_time"))
	}
	return errors.Join(errs...)
}

// StageRecord is the last successful fingerprint of a stage. Incremental
// runs compare against it to decide whether the stage is up to date.
type StageRecord struct {
	Stage       string    `json:"stage"`
	Fingerprint string    `json:"fingerprint"`
	RunID       string    `json:"run_id"`
	UpdatedAt   time.Time `json:"updated_at"`

	// OutputDigest is the normalized digest of generated artifacts, when the
	// stage produced an artifact set.
	OutputDigest string `json:"output_digest,omitempty"`

	// Sources are the files a resolve stage read through $ref and include,
	// relative to the workdir. They join the next fingerprint.
	Sources []string `json:"sources,omitempty"`
}

func (s StageRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if strings.TrimSpace(s.Fingerprint) == "" {
		errs = append(errs, errors.New("fingerprint is required"))
	}
	if s.UpdatedAt.IsZero() {
		errs = append(errs, errors.New("updated_at is required"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassGraph      FailureClass = "graph"
	FailureClassConfig     FailureClass = "config"
	FailureClassResolution FailureClass = "resolution"
	FailureClassGeneration FailureClass = "generation"
	FailureClassPatch      FailureClass = "patch"
	FailureClassPublish    FailureClass = "publish"
	FailureClassExecution  FailureClass = "execution"
	FailureClassSystem     FailureClass = "system"
)

// Failure is a recorded run termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        *string      `json:"stage,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`

	// Retryable reports whether rerunning without changes could succeed.
	// Graph and config failures never do.
	Retryable bool `json:"retryable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassGraph, FailureClassConfig, FailureClassResolution, FailureClassGeneration,
		FailureClassPatch, FailureClassPublish, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
