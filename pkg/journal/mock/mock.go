// Package mock provides an in-memory [journal.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/astra/pkg/journal"
)

var _ journal.Store = (*Store)(nil)

// Store keeps entries in memory. WriteError, when set, is returned by every
// Write and nothing is stored.
type Store struct {
	mu      sync.Mutex
	entries []journal.Entry
	writes  int

	WriteError error
}

// Write implements [journal.Store].
func (s *Store) Write(_ context.Context, entries []journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.WriteError != nil {
		return s.WriteError
	}
	s.entries = append(s.entries, entries...)
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(_ context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []journal.Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Entries returns a copy of everything written.
func (s *Store) Entries() []journal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]journal.Entry(nil), s.entries...)
}

// WriteCount returns how many times Write was called.
func (s *Store) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
