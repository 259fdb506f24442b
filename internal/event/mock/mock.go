// Package mock provides a recording [event.Sink] for tests.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/astra/internal/event"
)

var _ event.Sink = (*Sink)(nil)

// Sink records every emitted event.
type Sink struct {
	mu     sync.Mutex
	events []event.Event
}

// Emit records e.
func (s *Sink) Emit(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events.
func (s *Sink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (s *Sink) Kinds() []event.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (s *Sink) Count(k event.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// WaitFor polls until at least n events of kind k were recorded or timeout
// elapses. It reports whether the count was reached.
func (s *Sink) WaitFor(k event.Kind, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for s.Count(k) < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
	return true
}
