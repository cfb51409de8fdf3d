// Package dispatcher drives the scheduler: it admits submitted requests,
// pops servable work and fans it out to worker goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/cache"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/policy/blocklist"
	"github.com/JakeFAU/polite-fetch/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-fetch/internal/scheduler"
	"github.com/JakeFAU/polite-fetch/internal/worker"
)

// Config controls the dispatch loop.
type Config struct {
	// StopWhenDone ends Run once nothing is queued or running.
	StopWhenDone bool
	// Blocklist rejects requests to matching hosts with crawler.ErrBlocked.
	Blocklist *blocklist.List
}

// Dispatcher owns the loop between the scheduler and the workers.
type Dispatcher struct {
	sched   *scheduler.Scheduler
	worker  *worker.Worker
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New creates a Dispatcher. respCache and limiter may be nil.
func New(
	sched *scheduler.Scheduler,
	w *worker.Worker,
	respCache *cache.Cache,
	limiter *ratelimit.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sched:   sched,
		worker:  w,
		cache:   respCache,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Submit answers req from the response cache when the whole chain is cached
// and otherwise queues it, starting at the first uncached hop. A request
// rejected by a known robots policy is finished and crawler.ErrDisallowed is
// returned; a blocklisted one likewise with crawler.ErrBlocked.
func (d *Dispatcher) Submit(ctx context.Context, req *crawler.Request) error {
	served, err := d.fromCache(ctx, req)
	if err != nil || served {
		return err
	}
	return d.sched.Push(ctx, req)
}

// Enqueue is Submit for streaming producers: uncached requests go to the
// scheduler backlog and block while it is full.
func (d *Dispatcher) Enqueue(ctx context.Context, req *crawler.Request) error {
	served, err := d.fromCache(ctx, req)
	if err != nil || served {
		return err
	}
	if err := d.sched.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}

func (d *Dispatcher) fromCache(ctx context.Context, req *crawler.Request) (bool, error) {
	if err := d.sched.Prepare(req); err != nil {
		return false, fmt.Errorf("prepare request: %w", err)
	}
	if d.cfg.Blocklist.Blocked(req.DomainKey) {
		d.logger.Debug("host blocklisted", zap.String("url", req.URL))
		d.sched.Complete(ctx, req, nil, crawler.ErrBlocked)
		return true, crawler.ErrBlocked
	}
	if d.cache == nil || req.Kind != crawler.KindPage {
		return false, nil
	}
	result, err := d.cache.Lookup(ctx, req.URL, crawler.RequestHooks{Request: req})
	switch {
	case err != nil:
		d.logger.Warn("cache lookup failed; fetching live", zap.String("url", req.URL), zap.Error(err))
	case result.Hit():
		req.Cached = true
		d.logger.Debug("served from cache", zap.String("url", req.URL), zap.Int("hops", result.Hops))
		out := result.Entry.Outcome()
		d.sched.Complete(ctx, req, out.Response, out.Err)
		return true, nil
	case result.LiveURL != "" && result.LiveURL != req.URL:
		key, err := crawler.DomainKey(result.LiveURL)
		if err != nil {
			return false, fmt.Errorf("cached chain target: %w", err)
		}
		req.FetchURL = result.LiveURL
		req.DomainKey = key
		d.logger.Debug("resuming cached chain live",
			zap.String("url", req.URL),
			zap.String("live_url", req.FetchURL),
			zap.Int("cached_hops", result.Hops),
		)
	}
	return false, nil
}

// Run pops requests until ctx ends, or until the scheduler is idle when
// StopWhenDone is set. It waits for running attempts before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	for {
		if ctx.Err() != nil {
			return nil
		}
		req, err := d.sched.Pop(ctx)
		if err != nil {
			d.logger.Error("scheduler pop failed", zap.Error(err))
		}
		if req != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				d.sched.Complete(ctx, req, nil, err)
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return nil
				}
				continue
			}
			d.wg.Add(1)
			go func(r *crawler.Request) {
				defer d.wg.Done()
				d.worker.Process(ctx, r)
			}(req)
			continue
		}
		if d.cfg.StopWhenDone && d.sched.Idle() {
			d.logger.Info("all requests done", zap.Int64("processed", d.sched.Stats().Processed))
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.sched.Wake():
		}
	}
}
