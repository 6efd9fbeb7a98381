// Package events defines the structured events emitted by the protocol
// engines and the emitter plumbing used to broadcast them to downstream
// subscribers (RPC feeds, indexers, tests).
package events

import "sync"

// Event represents a typed event emitted during a protocol state transition.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MemoryEmitter buffers emitted events in order. Intended for tests and for
// the RPC event feed.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryEmitter constructs an empty in-memory emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit appends the event to the buffer.
func (m *MemoryEmitter) Emit(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

// Events returns a copy of the buffered events.
func (m *MemoryEmitter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset clears the buffer.
func (m *MemoryEmitter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
