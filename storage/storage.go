// Package storage is the durable SQLite layer for place wants,
// committed schedules, and votes. Coordination state (locks, job
// status, drafts) does not live here; it lives on the shared keyed
// store so any server process can see it.
package storage

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tripmesh/tripmesh/errors"
)

// Store wraps the SQLite handle with tripmesh's durable operations
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an existing database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the SQLite database at path and applies the
// schema
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS place_wants (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			address     TEXT NOT NULL DEFAULT '',
			latitude    REAL NOT NULL DEFAULT 0,
			longitude   REAL NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_place_wants_room ON place_wants(room_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			room_id  TEXT NOT NULL,
			day      INTEGER NOT NULL,
			date     TEXT NOT NULL DEFAULT '',
			version  INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (room_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id        TEXT NOT NULL,
			day            INTEGER NOT NULL,
			want_id        INTEGER NOT NULL,
			start_time     TEXT NOT NULL DEFAULT '',
			end_time       TEXT NOT NULL DEFAULT '',
			event_order    INTEGER NOT NULL,
			travel_minutes INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_events_room_day ON schedule_events(room_id, day)`,
		`CREATE TABLE IF NOT EXISTS votes (
			want_id  INTEGER NOT NULL,
			user_id  TEXT NOT NULL,
			vote     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (want_id, user_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
