// Package audit persists pairing lifecycle events to PostgreSQL.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"pairlink/cmd/internal/pairing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultSchema = "pairlink"
	eventsTable   = "session_events"

	maxListLimit = 500
)

var pgIdentRE = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresRecorder writes AuditEvents into <schema>.session_events.
//
// It does NOT own the pool. Insert failures are logged and swallowed so audit
// outages never change a session's outcome.
type PostgresRecorder struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string
}

// Option configures PostgresRecorder.
type Option func(*PostgresRecorder) error

// WithSchema sets the schema (default "pairlink").
func WithSchema(schema string) Option {
	return func(r *PostgresRecorder) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRE.MatchString(schema) {
			return errors.New("audit: invalid schema identifier")
		}
		r.schema = schema
		return nil
	}
}

// NewPostgresRecorder constructs a recorder over pool.
func NewPostgresRecorder(log *slog.Logger, pool *pgxpool.Pool, opts ...Option) (*PostgresRecorder, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &PostgresRecorder{log: log, pool: pool, schema: defaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	return r, nil
}

// Check verifies the events table is reachable. It fails when the database is
// down or db/schema.sql was not applied to the configured schema.
func (r *PostgresRecorder) Check(ctx context.Context) error {
	name := pgx.Identifier{r.schema, eventsTable}.Sanitize()

	var found bool
	if err := r.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&found); err != nil {
		return fmt.Errorf("audit: check: %w", err)
	}
	if !found {
		return fmt.Errorf("audit: table %s not found (apply db/schema.sql)", name)
	}
	return nil
}

// Record implements pairing.Recorder.
func (r *PostgresRecorder) Record(ctx context.Context, ev pairing.AuditEvent) {
	if err := r.Insert(ctx, ev); err != nil {
		r.log.Error("audit.insert.fail", "err", err, "action", ev.Action, "session_id", ev.SessionID)
	}
}

// Insert writes ev and returns any database error.
func (r *PostgresRecorder) Insert(ctx context.Context, ev pairing.AuditEvent) error {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return errors.New("audit: empty action")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			session_id, attempt_id, action, status, retry_count, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, r.table()), ev.SessionID, trimOrNil(ev.AttemptID), action, string(ev.Status), ev.RetryCount, metaVal, at)
	return err
}

// Event is a stored audit row.
type Event struct {
	ID         int64
	SessionID  string
	AttemptID  string
	Action     string
	Status     string
	RetryCount int
	Meta       map[string]any
	CreatedAt  time.Time
}

// ListBySession returns the newest events of sessionID first.
func (r *PostgresRecorder) ListBySession(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, session_id, COALESCE(attempt_id, ''), action, status, retry_count, meta, created_at
		FROM %s
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, r.table()), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev   Event
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.AttemptID, &ev.Action, &ev.Status, &ev.RetryCount, &meta, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Meta)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *PostgresRecorder) table() string {
	return pgx.Identifier{r.schema, eventsTable}.Sanitize()
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
