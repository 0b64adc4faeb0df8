// Package emit provides lifecycle event emission for resumable jobs.
package emit

// Emitter receives lifecycle events from job execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: text or JSON lines via log/slog
//   - Distributed tracing: OpenTelemetry
//   - Testing: in-memory history with BufferedEmitter
//
// Implementations should be:
//   - Non-blocking: Emit runs on the attempt's goroutine between items
//   - Thread-safe: one emitter may serve several engines
//   - Resilient: a failing backend must not fail the job
type Emitter interface {
	// Emit sends an event to the configured backend.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// MultiEmitter fans every event out to several emitters in order.
type MultiEmitter []Emitter

// NewMultiEmitter returns an emitter that forwards to each non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) MultiEmitter {
	out := make(MultiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards the event to every emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
