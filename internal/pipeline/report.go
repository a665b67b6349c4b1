package pipeline

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"genweaver/internal/core"
	"genweaver/internal/dag"
	"genweaver/internal/state"
	"genweaver/internal/trace"
)

// Report summarizes one executed run.
type Report struct {
	RunID     string
	Pipeline  string
	Mode      state.ExecutionMode
	GraphHash dag.GraphHash

	// Stages are listed in execution order of the graph.
	Stages []StageReport

	// FailedStage is the first untolerated failure, or "".
	FailedStage string

	Trace    trace.ExecutionTrace
	Duration time.Duration
}

// StageReport is the outcome of one stage.
type StageReport struct {
	Name     string
	Kind     core.StageKind
	State    dag.StageState
	Reason   string
	Duration time.Duration
	Err      error
	Output   []byte
}

// Succeeded reports whether every stage ended successfully.
func (r *Report) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Stages {
		if !dag.IsSuccessful(s.State) {
			return false
		}
	}
	return true
}

// Stage returns the report of the named stage.
func (r *Report) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageReport{}, false
}

func newReport(runID, pipeline string, mode state.ExecutionMode, res *dag.GraphResult, g *dag.StageGraph, tr trace.ExecutionTrace, elapsed time.Duration) *Report {
	rep := &Report{
		RunID:       runID,
		Pipeline:    pipeline,
		Mode:        mode,
		GraphHash:   res.GraphHash,
		FailedStage: res.FailedStage,
		Trace:       tr,
		Duration:    elapsed,
	}
	for _, name := range g.TopologicalOrder() {
		node, _ := g.Node(name)
		sr := StageReport{Name: name, Kind: node.Stage.Kind, State: res.FinalState[name]}
		if nr, ok := res.Results[name]; ok && nr != nil {
			sr.Reason = nr.Reason
			sr.Duration = nr.Duration
			sr.Err = nr.Err
			sr.Output = nr.Output
		}
		if sr.State == dag.StageCancelled && res.FailedStage != "" {
			sr.Reason = "cancelled after " + res.FailedStage
		}
		rep.Stages = append(rep.Stages, sr)
	}
	return rep
}

// Print writes a table of stage outcomes followed by the failure, if any.
func (r *Report) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "STAGE\tKIND\tSTATE\tDURATION\tNOTE\n")
	for _, s := range r.Stages {
		note := s.Reason
		if s.Err != nil {
			note = s.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Kind, s.State, s.Duration.Round(time.Millisecond), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	status := "succeeded"
	if !r.Succeeded() {
		status = "failed"
	}
	fmt.Fprintf(w, "\npipeline %s %s in %s (run %s, mode %s)\n", r.Pipeline, status, r.Duration.Round(time.Millisecond), r.RunID, r.Mode)
	if r.FailedStage != "" {
		fmt.Fprintf(w, "failing stage: %s\n", r.FailedStage)
		if s, ok := r.Stage(r.FailedStage); ok && len(s.Output) > 0 {
			fmt.Fprintf(w, "--- output of %s ---\n%s\n", s.Name, s.Output)
		}
	}
	return nil
}

// PrintPlan writes a dry-run plan.
func PrintPlan(w io.Writer, plan []PlannedStage, hash dag.GraphHash) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "DEPTH\tSTAGE\tKIND\tDEPENDS ON\n")
	for _, p := range plan {
		deps := "-"
		if len(p.DependsOn) > 0 {
			deps = fmt.Sprint(p.DependsOn)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.Depth, p.Name, p.Kind, deps)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\ngraph %s\n", hash)
	return err
}
