package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// by run ID for query. Intended for tests, debugging, and post-run analysis.
//
// Warning: all events are held in memory; long-lived processes should clear
// completed runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events in emission order
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores an event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events for a run, in emission order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryByType returns the run's events matching the given type.
func (b *BufferedEmitter) HistoryByType(runID string, typ Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events[runID] {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

// Clear removes stored events for a run, or all runs when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}

// NullEmitter discards all events. Useful as a default when no observer is
// configured.
type NullEmitter struct{}

// Emit implements Emitter by doing nothing.
func (NullEmitter) Emit(Event) {}
