package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/internal/pairing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresRecorder_InsertAndList(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	defer mustDropSchema(t, pool, schema)
	mustApplySchema(t, pool, schema)

	rec, err := NewPostgresRecorder(slog.New(slog.NewTextHandler(io.Discard, nil)), pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresRecorder: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := []pairing.AuditEvent{
		{SessionID: "234567", Action: "pair.session.started", Status: pairing.StatusInitializing, At: now},
		{SessionID: "234567", AttemptID: ids.MustULID(now), Action: "pair.code.issued", Status: pairing.StatusAwaitingRegistration, At: now},
		{SessionID: "234567", Action: "pair.session.completed", Status: pairing.StatusCompleted, RetryCount: 2, Meta: map[string]any{"outcome": "completed"}, At: now},
		{SessionID: "999", Action: "pair.session.started", Status: pairing.StatusInitializing, At: now},
	}
	for _, ev := range events {
		if err := rec.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert(%s): %v", ev.Action, err)
		}
	}

	got, err := rec.ListBySession(ctx, "234567", 10)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events=%d want 3", len(got))
	}
	last := got[0]
	if last.Action != "pair.session.completed" || last.Status != "completed" || last.RetryCount != 2 {
		t.Fatalf("unexpected newest event: %+v", last)
	}
	if last.Meta["outcome"] != "completed" {
		t.Fatalf("meta=%v", last.Meta)
	}
	if got[1].AttemptID == "" {
		t.Fatalf("attempt id lost")
	}
	if got[2].AttemptID != "" {
		t.Fatalf("empty attempt id must read back empty, got %q", got[2].AttemptID)
	}

	if err := rec.Insert(ctx, pairing.AuditEvent{SessionID: "1", Action: "  "}); err == nil {
		t.Fatalf("empty action must fail")
	}
}

func TestPostgresRecorder_CheckNeedsAppliedSchema(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	defer mustDropSchema(t, pool, schema)

	rec, err := NewPostgresRecorder(slog.New(slog.NewTextHandler(io.Discard, nil)), pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresRecorder: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rec.Check(ctx); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Check before schema err=%v", err)
	}
	mustApplySchema(t, pool, schema)
	if err := rec.Check(ctx); err != nil {
		t.Fatalf("Check after schema: %v", err)
	}
}

func TestNewPostgresRecorder_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresRecorder(nil, nil); err == nil {
		t.Fatalf("nil pool must fail")
	}
	for _, s := range []string{"", "Bad", "x;drop", strings.Repeat("a", 64)} {
		if _, err := NewPostgresRecorder(nil, nil, WithSchema(s)); err == nil || !strings.Contains(err.Error(), "schema") {
			t.Fatalf("WithSchema(%q) err=%v", s, err)
		}
	}
}

// ---- test helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PAIRLINK_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PAIRLINK_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PAIRLINK_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "pairlink_it_" + strings.ToLower(ids.NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

// mustApplySchema mirrors db/schema.sql inside a throwaway schema.
func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	table := pgx.Identifier{schema, eventsTable}.Sanitize()
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          BIGSERIAL PRIMARY KEY,
  session_id  TEXT        NOT NULL,
  attempt_id  TEXT,
  action      TEXT        NOT NULL,
  status      TEXT        NOT NULL,
  retry_count INTEGER     NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
  meta        JSONB,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`, table)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
