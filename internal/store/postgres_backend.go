package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresBackend persists state in a single key/value table.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a PostgreSQL-backed state backend.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate creates the agent_state table if it doesn't exist.
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_state (
			key         VARCHAR(64) PRIMARY KEY,
			value       JSONB NOT NULL,
			version     BIGINT NOT NULL CHECK (version > 0),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := p.db.QueryRowContext(ctx, `
		SELECT value, version FROM agent_state WHERE key = $1
	`, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return value, version, nil
}

func (p *PostgresBackend) Put(ctx context.Context, key string, value []byte, expect int64) (int64, error) {
	var res sql.Result
	var err error
	if expect == 0 {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO agent_state (key, value, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (key) DO NOTHING
		`, key, string(value))
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE agent_state
			SET value = $2, version = version + 1, updated_at = NOW()
			WHERE key = $1 AND version = $3
		`, key, string(value), expect)
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

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
