// Package file implements a coordination store on a shared filesystem.
//
// Every operation runs under a two-level lock: an in-process mutex first,
// then an advisory flock on a lock file in the store directory. Locks are
// released in reverse order.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/JakeFAU/polite-fetch/internal/coordination"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/hash/sha256"
)

const lockRetryDelay = 10 * time.Millisecond

// Config captures the parameters for the file store.
type Config struct {
	// Dir holds one JSON document per set plus the lock file.
	Dir string `mapstructure:"dir"`
}

// Store persists sets as JSON files guarded by a two-level lock.
type Store struct {
	dir    string
	mu     sync.Mutex
	lock   *flock.Flock
	hasher crawler.Hasher
}

// New creates the directory if needed and prepares the lock file.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("coordination directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create coordination directory: %w", err)
	}
	return &Store{
		dir:    cfg.Dir,
		lock:   flock.New(filepath.Join(cfg.Dir, ".lock")),
		hasher: sha256.New(),
	}, nil
}

// AddWithExpiry implements coordination.Store.
func (s *Store) AddWithExpiry(ctx context.Context, setKey, member string, expireAt time.Time) error {
	return s.update(ctx, setKey, func(set members) (members, error) {
		set[member] = expireAt.UnixNano()
		return set, nil
	})
}

// Remove implements coordination.Store.
func (s *Store) Remove(ctx context.Context, setKey, member string) error {
	return s.update(ctx, setKey, func(set members) (members, error) {
		delete(set, member)
		return set, nil
	})
}

// PurgeExpired implements coordination.Store.
func (s *Store) PurgeExpired(ctx context.Context, setKey string, now time.Time) error {
	return s.update(ctx, setKey, func(set members) (members, error) {
		set.purge(now)
		return set, nil
	})
}

// Cardinality implements coordination.Store.
func (s *Store) Cardinality(ctx context.Context, setKey string) (int, error) {
	var n int
	err := s.withLock(ctx, func() error {
		set, err := s.read(setKey)
		if err != nil {
			return err
		}
		n = len(set)
		return nil
	})
	return n, err
}

// AddIfBelow implements coordination.Store.
func (s *Store) AddIfBelow(ctx context.Context, setKey, member string, expireAt, now time.Time, limit int) (bool, error) {
	added := false
	err := s.update(ctx, setKey, func(set members) (members, error) {
		set.purge(now)
		if len(set) >= limit {
			return set, nil
		}
		set[member] = expireAt.UnixNano()
		added = true
		return set, nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// Close releases the lock file handle.
func (s *Store) Close() error {
	if err := s.lock.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

type members map[string]int64

func (m members) purge(now time.Time) {
	cutoff := now.UnixNano()
	for member, expireAt := range m {
		if expireAt <= cutoff {
			delete(m, member)
		}
	}
}

func (s *Store) update(ctx context.Context, setKey string, fn func(members) (members, error)) error {
	return s.withLock(ctx, func() error {
		set, err := s.read(setKey)
		if err != nil {
			return err
		}
		set, err = fn(set)
		if err != nil {
			return err
		}
		return s.write(setKey, set)
	})
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire file lock: %w: %w", coordination.ErrUnavailable, err)
	}
	if !locked {
		return fmt.Errorf("acquire file lock: %w", coordination.ErrUnavailable)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()
	return fn()
}

func (s *Store) path(setKey string) (string, error) {
	digest, err := s.hasher.Hash([]byte(setKey))
	if err != nil {
		return "", fmt.Errorf("hash set key: %w", err)
	}
	return filepath.Join(s.dir, digest+".json"), nil
}

func (s *Store) read(setKey string) (members, error) {
	path, err := s.path(setKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a digest inside s.dir
	if errors.Is(err, os.ErrNotExist) {
		return members{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read set %q: %w", setKey, err)
	}
	set := members{}
	if len(data) == 0 {
		return set, nil
	}
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode set %q: %w", setKey, err)
	}
	return set, nil
}

func (s *Store) write(setKey string, set members) error {
	path, err := s.path(setKey)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove empty set %q: %w", setKey, err)
		}
		return nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode set %q: %w", setKey, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".set-*")
	if err != nil {
		return fmt.Errorf("create temp set file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp set file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp set file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish set file: %w", err)
	}
	return nil
}
