// Package postgres records finished requests as rows in a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-fetch/internal/publisher"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ResultStore writes publisher.Result rows into Postgres.
type ResultStore struct {
	pool  execCloser
	table string
}

// New creates a Postgres-backed ResultStore.
func New(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("results.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool.
func NewWithPool(pool execCloser, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "fetch_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Publish implements publisher.Publisher. Payloads other than
// publisher.Result are rejected; re-delivered ids overwrite the earlier row.
func (s *ResultStore) Publish(ctx context.Context, _ string, payload any) (string, error) {
	result, ok := payload.(publisher.Result)
	if !ok {
		return "", fmt.Errorf("unsupported payload %T", payload)
	}
	if err := s.StoreResult(ctx, result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// StoreResult upserts one result row.
func (s *ResultStore) StoreResult(ctx context.Context, r publisher.Result) error {
	if r.ID == "" {
		return fmt.Errorf("result id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	final_url,
	status_code,
	body_bytes,
	cached,
	retries,
	disallowed,
	error,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (id) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	status_code = EXCLUDED.status_code,
	body_bytes = EXCLUDED.body_bytes,
	cached = EXCLUDED.cached,
	retries = EXCLUDED.retries,
	disallowed = EXCLUDED.disallowed,
	error = EXCLUDED.error,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		r.ID,
		r.URL,
		r.FinalURL,
		r.StatusCode,
		r.Bytes,
		r.Cached,
		r.Retries,
		r.Disallowed,
		r.Error,
		r.Finished,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}
