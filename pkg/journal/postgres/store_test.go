package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/astra/pkg/journal"
	"github.com/MrWong99/astra/pkg/journal/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ASTRA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ASTRA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ASTRA_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS session_events"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_WriteAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 15, 4, 0, 0, time.UTC)
	reqID := uuid.New()

	entries := []journal.Entry{
		{SessionID: "s1", Kind: "wake_detected", Text: "hey astra", Time: base},
		{SessionID: "s1", Kind: "command_dispatched", Text: "what time is it", Time: base.Add(time.Second)},
		{SessionID: "s1", Kind: "playback_completed", RequestID: reqID, Text: "It's 03:04 PM", Time: base.Add(2 * time.Second)},
		{SessionID: "s2", Kind: "overrun", Count: 3, Time: base},
	}
	if err := store.Write(ctx, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(ctx, nil); err != nil {
		t.Fatalf("empty Write: %v", err)
	}

	got, err := store.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Kind != "command_dispatched" || got[1].Kind != "playback_completed" {
		t.Errorf("order = %s, %s", got[0].Kind, got[1].Kind)
	}
	if got[1].RequestID != reqID {
		t.Errorf("request id = %s, want %s", got[1].RequestID, reqID)
	}
	if got[0].RequestID != uuid.Nil {
		t.Errorf("null request id scanned as %s", got[0].RequestID)
	}
	if !got[1].Time.Equal(base.Add(2 * time.Second)) {
		t.Errorf("time = %s", got[1].Time)
	}

	other, err := store.Recent(ctx, "s2", 10)
	if err != nil {
		t.Fatalf("Recent s2: %v", err)
	}
	if len(other) != 1 || other[0].Count != 3 {
		t.Errorf("s2 entries = %+v", other)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
