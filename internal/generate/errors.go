package generate

import (
	"errors"
	"fmt"
)

var (
	ErrTemplateDirMissing = errors.New("template directory missing")
	ErrToolFailed         = errors.New("generator exited non-zero")
	ErrLayoutMissing      = errors.New("expected output layout missing")

	// ErrUnsafeOutputRoot means clearing the output root would delete the
	// workdir itself, something outside it, or a protected path inside it.
	ErrUnsafeOutputRoot = errors.New("unsafe output root")
)

// maxOutputTail bounds how much tool output a GenerationError carries.
const maxOutputTail = 8 * 1024

// GenerationError reports a failed generation. Partial output stays on disk.
type GenerationError struct {
	Target string

	// Input is the document being generated when the failure happened.
	// Empty for failures before or after the per-document invocations.
	Input string

	// ExitCode of the tool, or -1 when it never ran to completion.
	ExitCode int

	// Output is the tail of the tool's combined output.
	Output string

	Err error
}

func (e *GenerationError) Error() string {
	msg := "generate " + e.Target
	if e.Input != "" {
		msg += " from " + e.Input
	}
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	return msg + ": " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

func tail(b []byte) string {
	if len(b) <= maxOutputTail {
		return string(b)
	}
	return "..." + string(b[len(b)-maxOutputTail:])
}
