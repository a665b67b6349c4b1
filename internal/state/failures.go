package state

import (
	"context"
	"errors"

	"genweaver/internal/config"
	"genweaver/internal/dag"
	"genweaver/internal/generate"
	"genweaver/internal/patch"
	"genweaver/internal/publish"
	"genweaver/internal/resolve"
)

// stageNamer is implemented by errors that know which stage failed.
type stageNamer interface {
	StageName() string
}

// FailureFromError classifies err into the failure taxonomy.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	f := Failure{ErrorMessage: err.Error()}
	var sn stageNamer
	if errors.As(err, &sn) && sn.StageName() != "" {
		name := sn.StageName()
		f.Stage = &name
	}

	var (
		ge  *dag.GraphError
		ve  *config.ValidationError
		re  *resolve.ResolutionError
		gen *generate.GenerationError
		pe  *publish.PublishError
	)
	switch {
	case errors.As(err, &ge):
		f.FailureClass, f.ErrorCode = FailureClassGraph, graphCode(ge)
	case errors.As(err, &ve):
		f.FailureClass, f.ErrorCode = FailureClassConfig, "InvalidConfig"
	case errors.As(err, &re):
		f.FailureClass, f.ErrorCode, f.Retryable = FailureClassResolution, "ResolutionError", true
	case errors.As(err, &gen):
		f.FailureClass, f.ErrorCode, f.Retryable = FailureClassGeneration, "GenerationError", true
	case errors.Is(err, patch.ErrNoMatch), errors.Is(err, patch.ErrNotIdempotent), errors.Is(err, patch.ErrNoTarget):
		f.FailureClass, f.ErrorCode = FailureClassPatch, "PatchError"
	case errors.As(err, &pe):
		f.FailureClass, f.ErrorCode, f.Retryable = FailureClassPublish, "PublishError@"+pe.Phase.String(), true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass, f.ErrorCode, f.Retryable = FailureClassSystem, "Interrupted", true
	case f.Stage != nil:
		f.FailureClass, f.ErrorCode, f.Retryable = FailureClassExecution, "StageFailed", true
	default:
		f.FailureClass, f.ErrorCode, f.Retryable = FailureClassSystem, "UnknownError", true
	}
	return f, nil
}

func graphCode(ge *dag.GraphError) string {
	switch {
	case errors.Is(ge.Kind, dag.ErrCycleFound):
		return "CycleFound"
	case errors.Is(ge.Kind, dag.ErrUnknownTarget):
		return "UnknownTarget"
	default:
		return "InvalidGraph"
	}
}
