package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRegistry persists the registry in PostgreSQL. The schema matches
// migrations/00002_vault_registry.sql.
type PostgresRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRegistry creates a PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, now: time.Now}
}

// Migrate creates the registry tables if they don't exist.
func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_threats (
			hash        CHAR(64) PRIMARY KEY,
			source      VARCHAR(32) NOT NULL DEFAULT 'extension',
			status      VARCHAR(16) NOT NULL DEFAULT 'reported' CHECK (status IN ('reported', 'verified', 'dismissed')),
			confidence  NUMERIC(4,3) NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
			threat_type VARCHAR(64),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_vault_threats_created_at ON vault_threats (created_at DESC);
		CREATE TABLE IF NOT EXISTS vault_syncs (
			id          BIGSERIAL PRIMARY KEY,
			since_ms    BIGINT NOT NULL,
			returned    INTEGER NOT NULL,
			synced_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("vault: migrate: %w", err)
	}
	return nil
}

// Submit upserts a threat report.
func (r *PostgresRegistry) Submit(ctx context.Context, t Threat) (Threat, error) {
	t, err := normalizeThreat(t, r.now())
	if err != nil {
		return Threat{}, err
	}

	var out Threat
	var threatType sql.NullString
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO vault_threats (hash, source, status, confidence, threat_type, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (hash) DO UPDATE SET
			confidence = GREATEST(vault_threats.confidence, EXCLUDED.confidence),
			status = CASE WHEN EXCLUDED.status = 'verified' THEN 'verified' ELSE vault_threats.status END
		RETURNING hash, source, status, confidence, threat_type, created_at
	`, t.Hash, t.Source, t.Status, t.Confidence, t.ThreatType, t.CreatedAt).Scan(
		&out.Hash, &out.Source, &out.Status, &out.Confidence, &threatType, &out.CreatedAt,
	)
	if err != nil {
		return Threat{}, fmt.Errorf("failed to submit threat: %w", err)
	}
	out.ThreatType = threatType.String
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

func (r *PostgresRegistry) HashesSince(ctx context.Context, sinceMs int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT hash FROM vault_threats
		WHERE created_at > $1
		ORDER BY created_at ASC
	`, time.UnixMilli(sinceMs).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (r *PostgresRegistry) RecordSync(ctx context.Context, sinceMs int64, returned int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vault_syncs (since_ms, returned) VALUES ($1, $2)
	`, sinceMs, returned)
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Stats(ctx context.Context) (Stats, error) {
	st := Stats{LastUpdated: r.now().UTC()}

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'verified' OR confidence > 0.8),
			(SELECT COUNT(*) FROM vault_syncs)
		FROM vault_threats
	`).Scan(&st.TotalThreats, &st.VerifiedThreats, &st.TotalSyncs)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count threats: %w", err)
	}

	recent, err := r.db.QueryContext(ctx, `
		SELECT hash, source, status, confidence, COALESCE(threat_type, ''), created_at
		FROM vault_threats
		ORDER BY created_at DESC
		LIMIT $1
	`, recentLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list recent threats: %w", err)
	}
	defer func() { _ = recent.Close() }()

	st.RecentThreats = make([]Threat, 0, recentLimit)
	for recent.Next() {
		var t Threat
		if err := recent.Scan(&t.Hash, &t.Source, &t.Status, &t.Confidence, &t.ThreatType, &t.CreatedAt); err != nil {
			return Stats{}, fmt.Errorf("failed to scan threat: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		st.RecentThreats = append(st.RecentThreats, t)
	}
	if err := recent.Err(); err != nil {
		return Stats{}, err
	}

	sources, err := r.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM vault_threats GROUP BY source
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to group sources: %w", err)
	}
	defer func() { _ = sources.Close() }()

	bySource := make(map[string]int)
	for sources.Next() {
		var s string
		var n int
		if err := sources.Scan(&s, &n); err != nil {
			return Stats{}, fmt.Errorf("failed to scan source: %w", err)
		}
		bySource[s] = n
	}
	st.SourceBreakdown = sortedBreakdown(bySource)
	return st, sources.Err()
}
