// Package events carries fire-and-forget notifications to downstream
// collaborators. Publishing never blocks or fails an order or transfer; a
// lost event is logged, not retried into the hot path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	TypeOrderFilled       = "order.filled"
	TypeOrderRejected     = "order.rejected"
	TypeTransferCompleted = "transfer.completed"
	TypeTransferFailed    = "transfer.failed"
)

// Event is a notification payload.
type Event struct {
	Type      string                 `json:"type"`
	AccountID uuid.UUID              `json:"account_id"`
	RefID     uuid.UUID              `json:"ref_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// Publisher delivers events to the notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Fanout publishes each event to every member in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}

// Recorder is an in-process Publisher that keeps events in memory. Used by
// tests and as a local fan-in for the copy-trade propagator.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// EventsOfType returns recorded events matching the given type.
func (r *Recorder) EventsOfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a buffered channel receiving future events. Slow
// consumers drop events rather than blocking publishers.
func (r *Recorder) Subscribe() <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 256)
	r.subs = append(r.subs, ch)
	return ch
}
