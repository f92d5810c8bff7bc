package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists state in an embedded SQLite file. It is the default
// for a single-user agent running next to the browser.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and a busy timeout, and applies the schema. Use ":memory:" in
// tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: an in-memory database is per-connection, and a single
	// writer avoids SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	b := &SQLiteBackend{db: db}
	if err := b.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Migrate creates the agent_state table if it doesn't exist.
func (s *SQLiteBackend) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_state (
			key         TEXT PRIMARY KEY,
			value       BLOB NOT NULL,
			version     INTEGER NOT NULL CHECK (version > 0),
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// DB exposes the handle for stats collection.
func (s *SQLiteBackend) DB() *sql.DB {
	return s.db
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, version FROM agent_state WHERE key = ?
	`, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return value, version, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, key string, value []byte, expect int64) (int64, error) {
	var res sql.Result
	var err error
	if expect == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO agent_state (key, value, version)
			VALUES (?, ?, 1)
			ON CONFLICT (key) DO NOTHING
		`, key, value)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE agent_state
			SET value = ?, version = version + 1,
			    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE key = ? AND version = ?
		`, value, key, expect)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return expect + 1, nil
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
