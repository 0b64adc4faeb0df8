package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by instance key.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by instance key with optional filtering
//   - Clear events by instance key or all events
//
// Warning: all events are kept in memory. Use it for tests and short local
// runs, not for long-running production jobs.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, err := job.New(def, st, job.WithEmitter(emitter))
//	engine.Run(ctx, "2024-01", State{}, job.Never)
//
//	saves := emitter.GetHistoryWithFilter("2024-01", emit.HistoryFilter{Msg: emit.EventCheckpointSaved})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceKey -> events
}

// HistoryFilter specifies criteria for filtering history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	Stage     string // Filter by stage name (empty = no filter)
	Msg       string // Filter by event name (empty = no filter)
	AttemptID string // Filter by attempt (empty = no filter)
	Attempt   *int   // Filter by attempt counter (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.InstanceKey] = append(b.events[event.InstanceKey], event)
}

// GetHistory returns a copy of all events for an instance key in emission
// order. Returns an empty slice if none exist.
func (b *BufferedEmitter) GetHistory(instanceKey string) []Event {
	return b.GetHistoryWithFilter(instanceKey, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for an instance key that match
// filter, in emission order.
func (b *BufferedEmitter) GetHistoryWithFilter(instanceKey string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[instanceKey] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

// Count returns how many events named msg were recorded for an instance key.
func (b *BufferedEmitter) Count(instanceKey, msg string) int {
	return len(b.GetHistoryWithFilter(instanceKey, HistoryFilter{Msg: msg}))
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Stage != "" && event.Stage != f.Stage {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.AttemptID != "" && event.AttemptID != f.AttemptID {
		return false
	}
	if f.Attempt != nil && event.Attempt != *f.Attempt {
		return false
	}
	return true
}

// Clear removes stored events. An empty instanceKey clears everything.
func (b *BufferedEmitter) Clear(instanceKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instanceKey == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceKey)
}
