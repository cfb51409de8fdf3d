// Package redis implements the coordination store on Redis sorted sets.
// Each set is a ZSET whose scores are member expiry times in milliseconds.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/polite-fetch/internal/coordination"
)

// Config controls the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

var addIfBelow = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[4]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// Store talks to Redis through a go-redis client.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w: %w", coordination.ErrUnavailable, err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "politefetch:"
	}
	return &Store{client: client, prefix: prefix}
}

// AddWithExpiry implements coordination.Store.
func (s *Store) AddWithExpiry(ctx context.Context, setKey, member string, expireAt time.Time) error {
	err := s.client.ZAdd(ctx, s.key(setKey), &goredis.Z{Score: score(expireAt), Member: member}).Err()
	return wrap("zadd", err)
}

// Remove implements coordination.Store.
func (s *Store) Remove(ctx context.Context, setKey, member string) error {
	return wrap("zrem", s.client.ZRem(ctx, s.key(setKey), member).Err())
}

// PurgeExpired implements coordination.Store.
func (s *Store) PurgeExpired(ctx context.Context, setKey string, now time.Time) error {
	max := strconv.FormatFloat(score(now), 'f', -1, 64)
	return wrap("zremrangebyscore", s.client.ZRemRangeByScore(ctx, s.key(setKey), "-inf", max).Err())
}

// Cardinality implements coordination.Store.
func (s *Store) Cardinality(ctx context.Context, setKey string) (int, error) {
	n, err := s.client.ZCard(ctx, s.key(setKey)).Result()
	if err != nil {
		return 0, wrap("zcard", err)
	}
	return int(n), nil
}

// AddIfBelow implements coordination.Store with a server-side script.
func (s *Store) AddIfBelow(ctx context.Context, setKey, member string, expireAt, now time.Time, limit int) (bool, error) {
	res, err := addIfBelow.Run(ctx, s.client, []string{s.key(setKey)},
		score(now), score(expireAt), member, limit).Int()
	if err != nil {
		return false, wrap("admit script", err)
	}
	return res == 1, nil
}

// Close closes the client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *Store) key(setKey string) string {
	return s.prefix + setKey
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %w: %w", op, coordination.ErrUnavailable, err)
}
