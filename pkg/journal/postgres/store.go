// Package postgres provides a PostgreSQL-backed [journal.Store].
//
// Entries live in the session_events table, created by [Migrate]. Writes use
// the COPY protocol so a batch of events costs one round trip.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Write(ctx, entries)
package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/astra/pkg/journal"
)

var _ journal.Store = (*Store)(nil)

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    kind         TEXT         NOT NULL,
    request_id   UUID,
    text         TEXT         NOT NULL DEFAULT '',
    reason       TEXT         NOT NULL DEFAULT '',
    count        BIGINT       NOT NULL DEFAULT 0,
    from_state   TEXT         NOT NULL DEFAULT '',
    to_state     TEXT         NOT NULL DEFAULT '',
    error        TEXT         NOT NULL DEFAULT '',
    occurred_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_events_session_time
    ON session_events (session_id, occurred_at);

CREATE INDEX IF NOT EXISTS idx_session_events_kind
    ON session_events (kind);
`

var columns = []string{
	"session_id", "kind", "request_id", "text", "reason",
	"count", "from_state", "to_state", "error", "occurred_at",
}

// Store is a journal backed by a [pgxpool.Pool]. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the session_events table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionEvents); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Write implements [journal.Store].
func (s *Store) Write(ctx context.Context, entries []journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"session_events"}, columns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{
				e.SessionID,
				e.Kind,
				pgtype.UUID{Bytes: e.RequestID, Valid: e.RequestID != uuid.Nil},
				e.Text,
				e.Reason,
				e.Count,
				e.From,
				e.To,
				e.Error,
				e.Time,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("journal: write %d entries: %w", len(entries), err)
	}
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	const q = `
		SELECT session_id, kind, request_id, text, reason, count,
		       from_state, to_state, error, occurred_at
		FROM   session_events
		WHERE  session_id = $1
		ORDER  BY occurred_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e   journal.Entry
			req pgtype.UUID
		)
		if err := row.Scan(&e.SessionID, &e.Kind, &req, &e.Text, &e.Reason, &e.Count,
			&e.From, &e.To, &e.Error, &e.Time); err != nil {
			return journal.Entry{}, err
		}
		if req.Valid {
			e.RequestID = uuid.UUID(req.Bytes)
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: scan rows: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}

// Ping checks database connectivity. It backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
