// Package admission bounds how many requests are in flight, per domain across
// the fleet and in total within this process.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/coordination"
	"github.com/JakeFAU/polite-fetch/internal/coordination/memory"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
)

// UnavailableMode selects the behavior when the coordination store fails.
type UnavailableMode string

// Supported modes.
const (
	// Degrade falls back to process-local counting; limits then hold per
	// process only.
	Degrade UnavailableMode = "degrade"
	// FailFast surfaces coordination.ErrUnavailable to the caller.
	FailFast UnavailableMode = "fail"
)

// Config controls admission limits.
type Config struct {
	PoolSize      int
	MaxPerDomain  int
	TTL           time.Duration
	OnUnavailable UnavailableMode
}

// Controller gates dispatch.
type Controller struct {
	cfg      Config
	store    coordination.Store
	fallback *memory.Store
	clock    crawler.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight int
	perKey   map[string]int
	local    map[string]bool
	warned   bool
}

// New builds a Controller over store.
func New(cfg Config, store coordination.Store, clock crawler.Clock, logger *zap.Logger) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.MaxPerDomain <= 0 {
		return nil, fmt.Errorf("max per domain must be > 0")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.OnUnavailable == "" {
		cfg.OnUnavailable = Degrade
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		fallback: memory.New(),
		clock:    clock,
		logger:   logger,
		perKey:   make(map[string]int),
		local:    make(map[string]bool),
	}, nil
}

// TryAdmit records id against key's fleet-wide in-flight set if it is under
// the per-domain cap. A rejection has no side effects.
func (c *Controller) TryAdmit(ctx context.Context, key, id string) (bool, error) {
	now := c.clock.Now()
	setKey := crawler.KeyString(key)
	ok, err := c.store.AddIfBelow(ctx, setKey, id, now.Add(c.cfg.TTL), now, c.cfg.MaxPerDomain)
	if err != nil {
		if fbErr := c.degrade(err); fbErr != nil {
			return false, fbErr
		}
		return c.admitLocal(ctx, key, setKey, id, now), nil
	}
	if !ok {
		metrics.ObserveAdmissionRejected("domain_cap")
		return false, nil
	}
	c.mu.Lock()
	c.perKey[key]++
	c.mu.Unlock()
	return true, nil
}

// admitLocal admits id against the fallback store. Requests this process
// admitted through the shared store before it failed still count against the
// cap.
func (c *Controller) admitLocal(ctx context.Context, key, setKey, id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perKey[key] >= c.cfg.MaxPerDomain {
		metrics.ObserveAdmissionRejected("domain_cap")
		return false
	}
	if ok, _ := c.fallback.AddIfBelow(ctx, setKey, id, now.Add(c.cfg.TTL), now, c.cfg.MaxPerDomain); !ok {
		metrics.ObserveAdmissionRejected("domain_cap")
		return false
	}
	c.local[id] = true
	c.perKey[key]++
	return true
}

// Release removes id from key's set, purges expired members and returns the
// fleet-wide count left.
func (c *Controller) Release(ctx context.Context, key, id string) (int, error) {
	c.mu.Lock()
	if c.perKey[key] > 0 {
		c.perKey[key]--
	}
	if c.perKey[key] == 0 {
		delete(c.perKey, key)
	}
	local := c.local[id]
	delete(c.local, id)
	c.mu.Unlock()

	setKey := crawler.KeyString(key)
	var store coordination.Store = c.store
	if local {
		store = c.fallback
	}
	n, err := release(ctx, store, setKey, id, c.clock.Now())
	if err != nil {
		if fbErr := c.degrade(err); fbErr != nil {
			return 0, fbErr
		}
		return release(ctx, c.fallback, setKey, id, c.clock.Now())
	}
	return n, nil
}

// Pace reserves the next crawl-delay window for key across the fleet. It
// reports false while another process holds the window.
func (c *Controller) Pace(ctx context.Context, key, id string, delay time.Duration) (bool, error) {
	if delay <= 0 {
		return true, nil
	}
	now := c.clock.Now()
	setKey := "pace:" + key
	ok, err := c.store.AddIfBelow(ctx, setKey, id, now.Add(delay), now, 1)
	if err != nil {
		if fbErr := c.degrade(err); fbErr != nil {
			return false, fbErr
		}
		ok, _ = c.fallback.AddIfBelow(ctx, setKey, id, now.Add(delay), now, 1)
	}
	if !ok {
		metrics.ObserveAdmissionRejected("pacing")
	}
	return ok, nil
}

// AcquireSlot takes one slot of the process-local pool.
func (c *Controller) AcquireSlot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.cfg.PoolSize {
		return false
	}
	c.inFlight++
	metrics.SetInFlight(c.inFlight)
	return true
}

// ReleaseSlot returns a pool slot.
func (c *Controller) ReleaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	metrics.SetInFlight(c.inFlight)
}

// InFlight is the process-local number of held slots.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// LocalInFlight counts this process's admitted requests for key.
func (c *Controller) LocalInFlight(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perKey[key]
}

// PoolSize is the configured pool bound.
func (c *Controller) PoolSize() int {
	return c.cfg.PoolSize
}

func (c *Controller) degrade(err error) error {
	metrics.ObserveAdmissionRejected("store_error")
	if c.cfg.OnUnavailable == FailFast {
		if !errors.Is(err, coordination.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", coordination.ErrUnavailable, err)
		}
		return err
	}
	c.mu.Lock()
	first := !c.warned
	c.warned = true
	c.mu.Unlock()
	if first {
		c.logger.Warn("coordination store unavailable; admission limits now hold per process only", zap.Error(err))
	} else {
		c.logger.Debug("coordination store still unavailable", zap.Error(err))
	}
	return nil
}

func release(ctx context.Context, store coordination.Store, setKey, id string, now time.Time) (int, error) {
	if err := store.Remove(ctx, setKey, id); err != nil {
		return 0, err
	}
	if err := store.PurgeExpired(ctx, setKey, now); err != nil {
		return 0, err
	}
	n, err := store.Cardinality(ctx, setKey)
	if err != nil {
		return 0, err
	}
	return n, nil
}
