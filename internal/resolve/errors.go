package resolve

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRoot means the root locator does not exist or a composite
	// index directory holds no index file.
	ErrMissingRoot = errors.New("root not found")

	// ErrMalformed means a document could not be parsed.
	ErrMalformed = errors.New("malformed document")

	// ErrUnreadableRef means a $ref or include target could not be read or
	// its fragment does not exist.
	ErrUnreadableRef = errors.New("unreadable reference")

	// ErrRefCycle means references loop back to a document already being inlined.
	ErrRefCycle = errors.New("reference cycle")
)

// ResolutionError reports a root that could not be resolved. It is fatal to
// the pipeline: no generator runs against a partially resolved document.
type ResolutionError struct {
	Root    string
	Locator string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s (%s): %v", e.Root, e.Locator, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
