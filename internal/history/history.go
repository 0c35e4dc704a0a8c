// Package history keeps a local log of watchdog lifecycle events in SQLite.
// Several watchdog processes on one host write to the same database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event names a watchdog lifecycle event.
type Event string

const (
	EventArmed            Event = "armed"
	EventDetonated        Event = "detonated"
	EventDetonationFailed Event = "detonation_failed"
	EventDisarmed         Event = "disarmed"
	EventDefused          Event = "defused"
	EventRareCondition    Event = "rare_condition"
)

// Entry is one row of history.
type Entry struct {
	ID     int64     `json:"id"`
	Key    string    `json:"key"`
	RunID  string    `json:"run_id"`
	Event  Event     `json:"event"`
	Mode   string    `json:"mode,omitempty"`
	Action string    `json:"action,omitempty"`
	State  string    `json:"state,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Store is a SQLite-backed event history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	// WAL plus a busy timeout lets concurrent watchdog processes append
	// without SQLITE_BUSY errors.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		run_id TEXT NOT NULL,
		event TEXT NOT NULL,
		mode TEXT,
		action TEXT,
		state TEXT,
		detail TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_key_at ON events(key, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends e. A zero At is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (key, run_id, event, mode, action, state, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Key, e.RunID, string(e.Event), e.Mode, e.Action, e.State, e.Detail, e.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", e.Event, err)
	}
	return nil
}

// List returns events newest first. An empty key lists every key; limit <= 0
// means no limit.
func (s *Store) List(ctx context.Context, key string, limit int) ([]Entry, error) {
	query := `SELECT id, key, run_id, event, mode, action, state, detail, at FROM events`
	var args []interface{}
	if key != "" {
		query += ` WHERE key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var event string
		var mode, action, state, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Key, &e.RunID, &event, &mode, &action, &state, &detail, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Event = Event(event)
		e.Mode = mode.String
		e.Action = action.String
		e.State = state.String
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
