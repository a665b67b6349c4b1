package trace

import (
	"sync"

	"genweaver/internal/logging"
)

// Sink receives stage decisions as the orchestrator makes them. Record is
// called from scheduler and worker goroutines and must not block.
type Sink interface {
	Record(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

// Tee delivers every event to each non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			SafeRecord(s, e)
		}
	})
}

// LogSink writes each decision to log at debug level.
func LogSink(log logging.Logger) Sink {
	return SinkFunc(func(e Event) {
		fields := []logging.Field{logging.String("stage", e.Stage), logging.String("event", string(e.Kind))}
		if e.Reason != "" {
			fields = append(fields, logging.String("reason", e.Reason))
		}
		if e.CauseStage != "" {
			fields = append(fields, logging.String("cause", e.CauseStage))
		}
		if len(e.Artifacts) > 0 {
			fields = append(fields, logging.Int("artifacts", len(e.Artifacts)))
		}
		log.Debug("stage decision", fields...)
	})
}

// SafeRecord hands event to s. A panicking sink loses the event, not the run.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder accumulates the events of one run. Arrival order is irrelevant:
// Trace canonicalizes.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	stages map[string]int
}

func NewRecorder() *Recorder { return &Recorder{stages: make(map[string]int)} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.stages[event.Stage]++
}

// Decided reports whether any event was recorded for stage.
func (r *Recorder) Decided(stage string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stages[stage] > 0
}

// Trace returns the canonical trace of everything recorded so far.
func (r *Recorder) Trace(graphHash string) ExecutionTrace {
	var events []Event
	if r != nil {
		r.mu.Lock()
		events = append(events, r.events...)
		r.mu.Unlock()
	}
	tr := ExecutionTrace{GraphHash: graphHash, Events: events}
	tr.Canonicalize()
	return tr
}
