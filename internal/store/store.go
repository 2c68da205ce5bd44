// Package store persists server endpoints, accounts, migration jobs and
// their log streams in SQLite. It is safe for concurrent use; the HTTP API
// and the worker share one Store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// Store wraps the database connection.
type Store struct {
	conn *sql.DB
}

// New opens the database at the given path and initializes the schema.
// Use ":memory:" for an ephemeral store in tests.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	st := &Store{conn: conn}
	if err := st.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return st, nil
}

// Close closes the database connection.
func (st *Store) Close() error {
	if st.conn != nil {
		return st.conn.Close()
	}
	return nil
}

// migrate creates the database schema.
func (st *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			url TEXT NOT NULL,
			principal_path TEXT NOT NULL DEFAULT '',
			server_type TEXT NOT NULL DEFAULT '',
			verify_ssl INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source_account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			destination_account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			migrate_calendars INTEGER NOT NULL DEFAULT 1,
			migrate_contacts INTEGER NOT NULL DEFAULT 1,
			create_collections INTEGER NOT NULL DEFAULT 1,
			dry_run INTEGER NOT NULL DEFAULT 0,
			skip_dummy_events INTEGER NOT NULL DEFAULT 0,
			selected_calendars TEXT,
			selected_addressbooks TEXT,
			calendar_mapping TEXT,
			addressbook_mapping TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			progress INTEGER NOT NULL DEFAULT 0,
			stats TEXT NOT NULL DEFAULT '{}',
			error_message TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}

	for _, migration := range migrations {
		if _, err := st.conn.Exec(migration); err != nil {
			return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}
	return nil
}
