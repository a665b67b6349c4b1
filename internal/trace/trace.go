// Package trace records what a pipeline run decided for each stage, in a
// canonical form whose bytes do not depend on scheduling.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"genweaver/internal/core"
)

// ExecutionTrace is the canonical record of one pipeline run.
//
// Invariants:
//   - It carries the graph hash and the events of every stage touched.
//   - It holds logical decisions only: no timestamps, durations or error text.
//   - Two runs making the same decisions produce the same bytes, whatever
//     order parallel stages finished in.
type ExecutionTrace struct {
	GraphHash string
	Events    []Event
}

// EventKind discriminates events. The values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	EventStageUpToDate          EventKind = "StageUpToDate"
	EventStageArtifactsRestored EventKind = "StageArtifactsRestored"
	EventStageExecuted          EventKind = "StageExecuted"
	EventStageFailed            EventKind = "StageFailed"
	EventStageTolerated         EventKind = "StageTolerated"
	EventStageSkipped           EventKind = "StageSkipped"
	EventStageCancelled         EventKind = "StageCancelled"
)

// kindOrder fixes the position of kinds that share a stage.
var kindOrder = map[EventKind]int{
	EventStageUpToDate:          10,
	EventStageArtifactsRestored: 20,
	EventStageExecuted:          30,
	EventStageFailed:            40,
	EventStageTolerated:         50,
	EventStageSkipped:           60,
	EventStageCancelled:         70,
}

// Event is one logical decision about a stage.
type Event struct {
	Kind  EventKind
	Stage string

	// Reason is a stable code such as "OutputsExist", "FingerprintMatch",
	// "ConditionFalse" or "UpstreamFailed".
	Reason string

	// CauseStage names the stage responsible, e.g. the failed upstream of a
	// cancelled stage.
	CauseStage string

	// Artifacts are restored or produced identifiers, sorted on canonicalization.
	Artifacts []string
}

// eventJSON fixes field order and omission for the canonical encoding.
type eventJSON struct {
	Kind       EventKind `json:"kind"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason,omitempty"`
	CauseStage string    `json:"causeStage,omitempty"`
	Artifacts  []string  `json:"artifacts,omitempty"`
}

type traceJSON struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks that every event is attributable.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if _, known := kindOrder[e.Kind]; !known {
			return fmt.Errorf("events[%d]: unknown kind %q", i, e.Kind)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d]: stage is required", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts and orders events by
// (stage, kind, reason, causeStage, artifacts).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		switch {
		case a.Stage != b.Stage:
			return a.Stage < b.Stage
		case a.Kind != b.Kind:
			return kindRank(a.Kind) < kindRank(b.Kind)
		case a.Reason != b.Reason:
			return a.Reason < b.Reason
		case a.CauseStage != b.CauseStage:
			return a.CauseStage < b.CauseStage
		default:
			return lessStrings(a.Artifacts, b.Artifacts)
		}
	})
}

// CanonicalJSON canonicalizes a copy of the trace and encodes it.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{GraphHash: t.GraphHash, Events: append([]Event(nil), t.Events...)}
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Hash is the sha256 of the canonical JSON.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// WriteFile writes the canonical JSON to path atomically.
func (t ExecutionTrace) WriteFile(path string) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return core.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	events := t.Events
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(traceJSON{GraphHash: t.GraphHash, Events: events})
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	return json.Marshal(eventJSON{
		Kind:       e.Kind,
		Stage:      e.Stage,
		Reason:     e.Reason,
		CauseStage: e.CauseStage,
		Artifacts:  sortedCopy(e.Artifacts),
	})
}

func kindRank(k EventKind) int {
	if r, ok := kindOrder[k]; ok {
		return r
	}
	return 1000
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
