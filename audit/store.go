// Package audit persists a append-only record of every terminal response the
// pipeline produces, independent of the balance ledger. It is a diagnostic
// trail, not a source of truth: losing it never affects accounting.
package audit

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one completed request/response pair.
type Entry struct {
	Method         string
	Path           string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

// Store is a SQLite-backed append-only audit log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	const stmt = `CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TIMESTAMP NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		request_body BLOB,
		response_status INTEGER,
		response_body BLOB
	);`
	_, err := s.db.Exec(stmt)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Insert appends one entry to the log. Callers invoke this from a background
// goroutine after the response has already been written to the client; a
// failure here must never delay or fail the response itself.
func (s *Store) Insert(ctx context.Context, entry Entry) error {
	const stmt = `INSERT INTO audit_log(occurred_at, method, path, request_body, response_status, response_body) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Timestamp, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody)
	return err
}
