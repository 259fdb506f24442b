// Package journal defines the persistent record of pipeline events: wake
// detections, dispatched commands, playback outcomes and device faults.
//
// A [Store] persists [Entry] values grouped by session. One session spans a
// single run of the assistant process.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one journaled event.
type Entry struct {
	SessionID string
	Kind      string

	// RequestID is uuid.Nil for events not tied to a playback request.
	RequestID uuid.UUID

	Text   string
	Reason string
	Count  int64
	From   string
	To     string
	Error  string

	Time time.Time
}

// Store persists journal entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Write appends entries in order. An empty slice is a no-op.
	Write(ctx context.Context, entries []Entry) error

	// Recent returns up to limit of the newest entries for sessionID,
	// oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}
