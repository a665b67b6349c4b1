package dag

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds of GraphError; match with errors.Is.
var (
	ErrInvalidGraph  = errors.New("invalid pipeline graph")
	ErrCycleFound    = errors.New("dependency cycle")
	ErrUnknownTarget = errors.New("unknown target stage")
)

// GraphError explains why a pipeline's stages cannot be scheduled. Stages
// names the stages involved, for a cycle in dependency order.
type GraphError struct {
	Kind   error
	Msg    string
	Stages []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &GraphError{Kind: ErrCycleFound, Msg: strings.Join(path, " -> "), Stages: path}
}

func unknownTargets(names []string) error {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return &GraphError{Kind: ErrUnknownTarget, Msg: strings.Join(quoted, ", "), Stages: names}
}
