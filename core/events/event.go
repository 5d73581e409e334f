package events

import (
	"sync"
	"time"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is the flattened form of an event as consumed by journals, streams
// and exports.
type Payload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Typed is implemented by domain events that can flatten themselves into a
// Payload and name the account they concern.
type Typed interface {
	Event
	Payload() Payload
	Subject() string
}

// Record is an event as committed: sequenced, identified and timestamped.
type Record struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Subject    string            `json:"subject,omitempty"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// EventType implements Event.
func (r Record) EventType() string { return r.Type }

// NewRecord flattens a typed event into a sequenced record.
func NewRecord(seq uint64, id string, at time.Time, ev Typed) Record {
	payload := ev.Payload()
	return Record{
		Seq:        seq,
		ID:         id,
		Type:       payload.Type,
		Subject:    ev.Subject(),
		Attributes: payload.Attributes,
		EmittedAt:  at.UTC(),
	}
}

// Emitter broadcasts events to downstream subscribers (e.g. journals, streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each wrapped emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(ev Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Records returns the recorded events that are committed Records.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.events))
	for _, ev := range r.events {
		if rec, ok := ev.(Record); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Types lists the type of each recorded event in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType()
	}
	return out
}
