// Package history keeps an append-only SQLite record of respawn cycles,
// circuit breaker transitions, and ingested hook events. It exists for
// operators digging into "why did the loop stop at 3am"; nothing in the
// supervision path reads from it.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the append-only history database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema init: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		cycle       INTEGER NOT NULL,
		prompt      TEXT NOT NULL,
		started_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_session ON cycles(session_id, started_at);

	CREATE TABLE IF NOT EXISTS breaker_transitions (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		state       TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_breaker_session ON breaker_transitions(session_id, occurred_at);

	CREATE TABLE IF NOT EXISTS hook_events (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		payload     TEXT NOT NULL DEFAULT '{}',
		received_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hooks_session ON hook_events(session_id, received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cycle is one recorded respawn cycle start.
type Cycle struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Cycle     int       `db:"cycle" json:"cycle"`
	Prompt    string    `db:"prompt" json:"prompt"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
}

// BreakerTransition is one recorded circuit breaker state change.
type BreakerTransition struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	State      string    `db:"state" json:"state"`
	Reason     string    `db:"reason" json:"reason"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// HookEvent is one ingested hook record.
type HookEvent struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Kind       string    `db:"kind" json:"kind"`
	Payload    string    `db:"payload" json:"payload"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}

// RecordCycle appends a cycle start.
func (s *Store) RecordCycle(ctx context.Context, sessionID string, cycle int, prompt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, session_id, cycle, prompt, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, cycle, prompt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// RecordBreakerTransition appends a breaker state change.
func (s *Store) RecordBreakerTransition(ctx context.Context, sessionID, state, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_transitions (id, session_id, state, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, state, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert breaker transition: %w", err)
	}
	return nil
}

// RecordHookEvent appends an ingested hook record.
func (s *Store) RecordHookEvent(ctx context.Context, sessionID, kind, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hook_events (id, session_id, kind, payload, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, kind, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert hook event: %w", err)
	}
	return nil
}

// CyclesForSession returns the most recent cycle records, newest first.
func (s *Store) CyclesForSession(ctx context.Context, sessionID string, limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Cycle
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, session_id, cycle, prompt, started_at
		FROM cycles WHERE session_id = ?
		ORDER BY started_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	return out, nil
}

// BreakerTransitionsForSession returns breaker history, newest first.
func (s *Store) BreakerTransitionsForSession(ctx context.Context, sessionID string, limit int) ([]BreakerTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []BreakerTransition
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, session_id, state, reason, occurred_at
		FROM breaker_transitions WHERE session_id = ?
		ORDER BY occurred_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query breaker transitions: %w", err)
	}
	return out, nil
}

// RecentHookEvents returns the latest hook records, newest first.
func (s *Store) RecentHookEvents(ctx context.Context, limit int) ([]HookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []HookEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, session_id, kind, payload, received_at
		FROM hook_events
		ORDER BY received_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query hook events: %w", err)
	}
	return out, nil
}
