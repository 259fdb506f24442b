package event

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/astra/pkg/journal"
)

// Journal sink defaults.
const (
	DefaultJournalBuffer = 256
	DefaultJournalBatch  = 32
	DefaultJournalFlush  = time.Second

	// journalShutdownTimeout bounds the final flush after Run's context ends.
	journalShutdownTimeout = 3 * time.Second
)

// JournalSink persists events to a [journal.Store] from a background
// goroutine. Emit never blocks: when the buffer is full the event is dropped
// and a warning is logged.
type JournalSink struct {
	store     journal.Store
	sessionID string
	batch     int
	flush     time.Duration

	in      chan journal.Entry
	dropped atomic.Uint64
}

// JournalOption configures a JournalSink.
type JournalOption func(*JournalSink)

// WithJournalBuffer overrides [DefaultJournalBuffer].
func WithJournalBuffer(n int) JournalOption {
	return func(s *JournalSink) {
		if n > 0 {
			s.in = make(chan journal.Entry, n)
		}
	}
}

// WithJournalBatch sets the maximum entries per store write and how long a
// partial batch may wait.
func WithJournalBatch(size int, flush time.Duration) JournalOption {
	return func(s *JournalSink) {
		if size > 0 {
			s.batch = size
		}
		if flush > 0 {
			s.flush = flush
		}
	}
}

// NewJournalSink creates a sink writing entries tagged with sessionID.
// Nothing is written until [JournalSink.Run] is started.
func NewJournalSink(store journal.Store, sessionID string, opts ...JournalOption) *JournalSink {
	s := &JournalSink{
		store:     store,
		sessionID: sessionID,
		batch:     DefaultJournalBatch,
		flush:     DefaultJournalFlush,
		in:        make(chan journal.Entry, DefaultJournalBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Emit implements [Sink].
func (s *JournalSink) Emit(e Event) {
	select {
	case s.in <- s.entry(e):
	default:
		n := s.dropped.Add(1)
		slog.Warn("journal: buffer full, event dropped", "kind", string(e.Kind), "dropped_total", n)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *JournalSink) Dropped() uint64 { return s.dropped.Load() }

func (s *JournalSink) entry(e Event) journal.Entry {
	t := e.Time
	if t.IsZero() {
		t = time.Now()
	}
	en := journal.Entry{
		SessionID: s.sessionID,
		Kind:      string(e.Kind),
		RequestID: e.RequestID,
		Text:      e.Text,
		Reason:    e.Reason,
		Count:     int64(e.Count),
		From:      e.From,
		To:        e.To,
		Time:      t,
	}
	if e.Err != nil {
		en.Error = e.Err.Error()
	}
	return en
}

// Run writes buffered entries in batches until ctx is cancelled, then
// flushes what is left. Store errors are logged and the batch is discarded.
// It always returns nil.
func (s *JournalSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()

	pending := make([]journal.Entry, 0, s.batch)
	write := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.store.Write(ctx, pending); err != nil {
			slog.Warn("journal: write failed", "entries", len(pending), "err", err)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case en := <-s.in:
					pending = append(pending, en)
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalShutdownTimeout)
			write(fctx)
			cancel()
			return nil

		case en := <-s.in:
			pending = append(pending, en)
			if len(pending) >= s.batch {
				write(ctx)
			}

		case <-ticker.C:
			write(ctx)
		}
	}
}
