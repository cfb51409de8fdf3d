// Package postgres implements the coordination store on a Postgres table.
// Compound admission runs in a transaction serialized per set by an advisory
// transaction lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-fetch/internal/coordination"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store keeps set members as rows of (set_key, member, expire_at).
type Store struct {
	pool  pool
	table string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("coordination.postgres_dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg.Table)
}

// NewWithPool builds a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "coordination_members"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// EnsureSchema creates the backing table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	set_key   TEXT NOT NULL,
	member    TEXT NOT NULL,
	expire_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (set_key, member)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return wrap("create table", err)
	}
	return nil
}

// AddWithExpiry implements coordination.Store.
func (s *Store) AddWithExpiry(ctx context.Context, setKey, member string, expireAt time.Time) error {
	if _, err := s.pool.Exec(ctx, s.upsertSQL(), setKey, member, expireAt); err != nil {
		return wrap("insert member", err)
	}
	return nil
}

// Remove implements coordination.Store.
func (s *Store) Remove(ctx context.Context, setKey, member string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE set_key = $1 AND member = $2`, s.table)
	if _, err := s.pool.Exec(ctx, query, setKey, member); err != nil {
		return wrap("delete member", err)
	}
	return nil
}

// PurgeExpired implements coordination.Store.
func (s *Store) PurgeExpired(ctx context.Context, setKey string, now time.Time) error {
	if _, err := s.pool.Exec(ctx, s.purgeSQL(), setKey, now); err != nil {
		return wrap("purge expired", err)
	}
	return nil
}

// Cardinality implements coordination.Store.
func (s *Store) Cardinality(ctx context.Context, setKey string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, s.countSQL(), setKey).Scan(&n); err != nil {
		return 0, wrap("count members", err)
	}
	return n, nil
}

// AddIfBelow implements coordination.Store.
func (s *Store) AddIfBelow(ctx context.Context, setKey, member string, expireAt, now time.Time, limit int) (bool, error) {
	added := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, setKey); err != nil {
			return fmt.Errorf("lock set: %w", err)
		}
		if _, err := tx.Exec(ctx, s.purgeSQL(), setKey, now); err != nil {
			return fmt.Errorf("purge expired: %w", err)
		}
		var n int
		if err := tx.QueryRow(ctx, s.countSQL(), setKey).Scan(&n); err != nil {
			return fmt.Errorf("count members: %w", err)
		}
		if n >= limit {
			return nil
		}
		if _, err := tx.Exec(ctx, s.upsertSQL(), setKey, member, expireAt); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, wrap("admit", err)
	}
	return added, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) upsertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (set_key, member, expire_at) VALUES ($1, $2, $3)
ON CONFLICT (set_key, member) DO UPDATE SET expire_at = EXCLUDED.expire_at`, s.table)
}

func (s *Store) purgeSQL() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE set_key = $1 AND expire_at <= $2`, s.table)
}

func (s *Store) countSQL() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE set_key = $1`, s.table)
}

func wrap(op string, err error) error {
	return fmt.Errorf("postgres %s: %w: %w", op, coordination.ErrUnavailable, err)
}
