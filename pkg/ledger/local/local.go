// Package local keeps the device ledger in a SQLite file. It stands in for the
// contract on benches without a chain and records every change in an
// append-only journal.
package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger"
)

// EventType is the kind of a journal entry.
type EventType string

const (
	EventObservedWritten EventType = "observed_written"
	EventActuationSet    EventType = "actuation_set"
)

type Entry struct {
	ID        int64
	EventType EventType
	Timestamp time.Time
	Value     int64
}

type Ledger struct {
	db *sql.DB
}

// Open opens the database and initializes the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	// Single row: id is always 1
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			observed INTEGER NOT NULL DEFAULT 0,
			actuation INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO device_state (id, observed, actuation, updated_at) VALUES (1, 0, 0, 0);
	`)
	if err != nil {
		return fmt.Errorf("failed to create device_state table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_type_ts ON ledger_events(event_type, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create ledger_events table: %w", err)
	}
	return nil
}

func (l *Ledger) ReadObserved(ctx context.Context) (int64, error) {
	var v int64
	err := l.db.QueryRowContext(ctx, `SELECT observed FROM device_state WHERE id = 1`).Scan(&v)
	return v, ledger.Wrap("read observed", err)
}

func (l *Ledger) ReadDesiredActuation(ctx context.Context) (int, error) {
	var v int
	err := l.db.QueryRowContext(ctx, `SELECT actuation FROM device_state WHERE id = 1`).Scan(&v)
	return v, ledger.Wrap("read actuation", err)
}

func (l *Ledger) WriteObserved(ctx context.Context, value int64) error {
	return ledger.Wrap("write observed", l.update(ctx, "observed", EventObservedWritten, value))
}

// SetActuation rejects values outside 0..100 like the contract does.
func (l *Ledger) SetActuation(ctx context.Context, value int) error {
	if value < 0 || value > 100 {
		return &ledger.Fault{Op: "set actuation", Err: fmt.Errorf("value %d out of range 0..100", value)}
	}
	return ledger.Wrap("set actuation", l.update(ctx, "actuation", EventActuationSet, int64(value)))
}

func (l *Ledger) update(ctx context.Context, column string, event EventType, value int64) error {
	payload, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	now := time.Now().UTC().Unix()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// column is one of two constants, never user input
	if _, err := tx.ExecContext(ctx, `UPDATE device_state SET `+column+` = ?, updated_at = ? WHERE id = 1`, value, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_events (event_type, timestamp, payload) VALUES (?, ?, ?)`, string(event), now, string(payload)); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the most recent journal entries, newest first.
func (l *Ledger) History(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, timestamp, payload
		FROM ledger_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &ts, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		if payload.Valid && payload.String != "" {
			var p struct {
				Value int64 `json:"value"`
			}
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
			e.Value = p.Value
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
