package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the run table. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS forecast_runs (
  run_key       VARCHAR(255) PRIMARY KEY,
  kind          VARCHAR(32)  NOT NULL,
  model_version VARCHAR(128) NOT NULL,
  payload       JSONB        NOT NULL,
  created_at    TIMESTAMPTZ  NOT NULL,
  expires_at    TIMESTAMPTZ  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forecast_runs_expires ON forecast_runs(expires_at);
CREATE INDEX IF NOT EXISTS idx_forecast_runs_version ON forecast_runs(model_version);
`

// PostgresStore implements Store using ON CONFLICT for atomic first-write-wins.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool on connStr and pings it.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies Schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT kind, model_version, payload, created_at
		FROM forecast_runs
		WHERE run_key = $1 AND expires_at > NOW()
	`
	rec := Record{Key: key}
	var payload []byte
	err := p.pool.QueryRow(ctx, query, key).Scan(&rec.Kind, &rec.ModelVersion, &payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // not found or expired
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record, ttl time.Duration) (bool, error) {
	// Expired rows are replaced; live rows keep the first write.
	query := `
		INSERT INTO forecast_runs (run_key, kind, model_version, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_key) DO UPDATE
		SET kind = EXCLUDED.kind, model_version = EXCLUDED.model_version, payload = EXCLUDED.payload,
		    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE forecast_runs.expires_at <= NOW()
	`
	tag, err := p.pool.Exec(ctx, query, rec.Key, rec.Kind, rec.ModelVersion, []byte(rec.Payload), rec.CreatedAt, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("postgres insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CleanupExpired deletes expired rows and returns how many were removed.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM forecast_runs WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
