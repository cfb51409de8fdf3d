// Package cache replays previously fetched responses, including redirect
// chains, from persistent storage.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
	"github.com/JakeFAU/polite-fetch/internal/storage"
)

// PartialChain selects what to refetch when a redirect chain is only
// partly cached.
type PartialChain string

const (
	// Suffix fetches live from the first uncached hop.
	Suffix PartialChain = "suffix"
	// Full revalidates the whole chain from the original URL.
	Full PartialChain = "full"
)

const maxChainHops = 32

// Config controls the cache.
type Config struct {
	PrefixSegments int
	PartialChain   PartialChain
}

// Result is the outcome of a lookup. Entry is set when the chain ends in a
// cached terminal hop; otherwise LiveURL names where the live fetch starts.
type Result struct {
	Entry   *Entry
	LiveURL string
	Hops    int
}

// Hit reports whether the whole chain was served from the cache.
func (r Result) Hit() bool {
	return r.Entry != nil
}

// Cache reads and writes entries through a storage.Provider.
type Cache struct {
	cfg    Config
	store  storage.Provider
	keyer  *Keyer
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Cache.
func New(cfg Config, store storage.Provider, hasher crawler.Hasher, clock crawler.Clock, logger *zap.Logger) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.PartialChain {
	case "":
		cfg.PartialChain = Suffix
	case Suffix, Full:
	default:
		return nil, fmt.Errorf("unknown partial chain mode %q", cfg.PartialChain)
	}
	return &Cache{
		cfg:    cfg,
		store:  store,
		keyer:  NewKeyer(hasher, cfg.PrefixSegments),
		clock:  clock,
		logger: logger,
	}, nil
}

// Key returns the storage key for rawURL.
func (c *Cache) Key(rawURL string) (string, error) {
	return c.keyer.Key(rawURL)
}

// Lookup walks the forwarding chain from rawURL. Cached hops are replayed
// through hooks unless the chain must be revalidated in full.
func (c *Cache) Lookup(ctx context.Context, rawURL string, hooks crawler.FetchHooks) (Result, error) {
	var (
		chain   []*Entry
		current = rawURL
		seen    = make(map[string]bool)
		missAt  string
	)
	for len(chain) < maxChainHops {
		if seen[current] {
			c.logger.Warn("cached redirect chain loops; fetching live", zap.String("url", rawURL), zap.String("at", current))
			missAt = current
			break
		}
		seen[current] = true

		entry, err := c.read(ctx, current)
		if err != nil {
			var corrupt *crawler.CacheCorruptionError
			if !errors.As(err, &corrupt) {
				return Result{}, err
			}
			metrics.ObserveCacheLookup("corrupt")
			c.logger.Warn("cache entry unreadable; fetching hop live", zap.String("url", current), zap.Error(err))
			entry = nil
		}
		if entry == nil {
			missAt = current
			break
		}
		chain = append(chain, entry)
		if !entry.IsForward() {
			c.replay(chain, hooks)
			metrics.ObserveCacheLookup("hit")
			return Result{Entry: entry, Hops: len(chain)}, nil
		}
		current = entry.Forward
	}
	if missAt == "" {
		missAt = current
	}

	if len(chain) == 0 {
		metrics.ObserveCacheLookup("miss")
		return Result{LiveURL: rawURL}, nil
	}
	metrics.ObserveCacheLookup("partial")
	if c.cfg.PartialChain == Full {
		return Result{LiveURL: rawURL}, nil
	}
	c.replay(chain, hooks)
	return Result{LiveURL: missAt, Hops: len(chain)}, nil
}

// Store persists one hop keyed by the URL requested at that hop.
func (c *Cache) Store(ctx context.Context, rawURL string, entry Entry) error {
	key, err := c.keyer.Key(rawURL)
	if err != nil {
		return err
	}
	entry.URL = rawURL
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.clock.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	return nil
}

// Exists reports whether rawURL has an entry.
func (c *Cache) Exists(ctx context.Context, rawURL string) (bool, error) {
	key, err := c.keyer.Key(rawURL)
	if err != nil {
		return false, err
	}
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check cache entry %s: %w", key, err)
	}
	return ok, nil
}

func (c *Cache) read(ctx context.Context, rawURL string) (*Entry, error) {
	key, err := c.keyer.Key(rawURL)
	if err != nil {
		return nil, &crawler.CacheCorruptionError{URL: rawURL, Err: err}
	}
	data, err := c.store.Read(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, &crawler.CacheCorruptionError{URL: rawURL, Key: key, Err: err}
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, &crawler.CacheCorruptionError{URL: rawURL, Key: key, Err: err}
	}
	if entry.Status == 0 && entry.Error == "" {
		return nil, &crawler.CacheCorruptionError{URL: rawURL, Key: key, Err: errors.New("entry has no status")}
	}
	if entry.URL == "" {
		entry.URL = rawURL
	}
	return &entry, nil
}

func (c *Cache) replay(chain []*Entry, hooks crawler.FetchHooks) {
	if hooks == nil {
		return
	}
	for _, e := range chain {
		if e.Status > 0 {
			hooks.OnStatus(e.URL, e.Status)
		}
		hooks.OnHeaders(e.URL, e.Headers.Clone())
		if e.IsForward() {
			hooks.OnRedirect(e.URL, e.Forward)
		}
	}
}
