package testutils

import (
	"sync"
	"time"

	"github.com/srg/blelink/internal/events"
)

// EventRecorder is a subscriber that keeps every event it sees
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events, in order
func (r *EventRecorder) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind()
	}
	return kinds
}

// Count returns how many events of kind were recorded
func (r *EventRecorder) Count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

// OfKind returns the recorded events of kind
func (r *EventRecorder) OfKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until at least n events of kind are recorded or timeout expires
func (r *EventRecorder) WaitFor(kind events.Kind, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Count(kind) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Reset forgets all recorded events
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
