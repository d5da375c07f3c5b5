package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists audit events in an append-only table. Immutability
// is enforced at the storage layer: a trigger raises on any UPDATE or
// DELETE, so even a compromised handler cannot rewrite history.
type PostgresStore struct {
	db *sql.DB
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id             UUID PRIMARY KEY,
	event_type     TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL,
	ts             TIMESTAMPTZ NOT NULL,
	data           JSONB       NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_events_lookup
	ON audit_events (event_type, correlation_id, ts);

CREATE OR REPLACE FUNCTION audit_events_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_events_no_rewrite ON audit_events;
CREATE TRIGGER audit_events_no_rewrite
	BEFORE UPDATE OR DELETE ON audit_events
	FOR EACH ROW EXECUTE FUNCTION audit_events_immutable();
`

// OpenPostgres connects to the database named by dsn (DATABASE_URL) and
// ensures the append-only schema exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Append inserts one event. Durable on return (single INSERT, implicit
// transaction).
func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, correlation_id, ts, data)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, string(e.Type), e.CorrelationID, e.Timestamp, data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Get returns the event with the given id, or nil if absent.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, correlation_id, ts, data
		 FROM audit_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// Query returns events matching the filter ordered by insertion.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Types) > 0 {
		names := make([]string, len(f.Types))
		for i, t := range f.Types {
			names[i] = string(t)
		}
		conds = append(conds, "event_type = ANY("+arg(pq.Array(names))+")")
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(f.CorrelationID))
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= "+arg(f.To))
	}

	q := `SELECT id, event_type, correlation_id, ts, data FROM audit_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Stats returns per-type event counts.
func (s *PostgresStore) Stats(ctx context.Context) (map[EventType]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[EventType]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[EventType(t)] = n
	}
	return stats, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*Event, error) {
	var (
		e    Event
		t    string
		data []byte
	)
	if err := r.Scan(&e.ID, &t, &e.CorrelationID, &e.Timestamp, &data); err != nil {
		return nil, err
	}
	e.Type = EventType(t)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	return &e, nil
}
