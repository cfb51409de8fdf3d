// Package ratelimit caps how fast the dispatcher hands requests to workers,
// across all domains.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/polite-fetch/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the dispatch rate. Zero or less disables the cap.
	RPS   float64
	Burst int
}

// Limiter is a token bucket shared by every dispatch.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Unlimited reports whether the cap is disabled.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.limiter.Limit() == rate.Inf
}

// Wait blocks until a dispatch token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.Unlimited() {
		return nil
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveDispatchDelay(waited)
	}
	return nil
}
