// Package publish renders generated output as HTML and splices it into a
// documentation tree.
package publish

import (
	"errors"
	"fmt"
	"sync"
)

// Phase is a step of the publication state machine. Every phase has exactly
// one predecessor:
//
//	Resolved -> Generated -> HtmlBuilt -> MarkdownInserted
type Phase int

const (
	PhaseResolved Phase = iota
	PhaseGenerated
	PhaseHTMLBuilt
	PhaseMarkdownInserted
)

func (p Phase) String() string {
	switch p {
	case PhaseResolved:
		return "Resolved"
	case PhaseGenerated:
		return "Generated"
	case PhaseHTMLBuilt:
		return "HtmlBuilt"
	case PhaseMarkdownInserted:
		return "MarkdownInserted"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ErrInvalidPhase is returned for any transition other than to the
// immediate successor.
var ErrInvalidPhase = errors.New("invalid publication phase transition")

// Publication tracks one target's progress through the phases.
type Publication struct {
	Target string

	mu    sync.Mutex
	phase Phase
}

// NewPublication starts target at PhaseResolved.
func NewPublication(target string) *Publication {
	return &Publication{Target: target, phase: PhaseResolved}
}

// Phase returns the last phase reached.
func (p *Publication) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Advance moves to next, which must directly follow the current phase.
func (p *Publication) Advance(next Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next != p.phase+1 || next > PhaseMarkdownInserted {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhase, p.phase, next)
	}
	p.phase = next
	return nil
}

// PublishError reports where a publication halted. Nothing is rolled back:
// files written by completed phases stay in place.
type PublishError struct {
	Target string

	// Phase is the last phase successfully reached.
	Phase Phase

	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: halted at %s: %v", e.Target, e.Phase, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
