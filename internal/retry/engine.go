// Package retry decides whether a failed attempt is retried and when.
package retry

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// Action is the decision for one failure.
type Action struct {
	Retry bool
	After time.Duration
}

// Terminal is the action for failures that must surface to the caller.
var Terminal = Action{}

// Config tunes the engine. The per-request MaxRetries, BackoffBase and
// BackoffScale still drive the schedule.
type Config struct {
	// MaxDelay caps a single backoff. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter spreads each delay over [delay/2, delay).
	Jitter bool
}

// Engine implements exponential backoff over request state.
type Engine struct {
	cfg Config
}

// NewEngine builds an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// OnFailure inspects err and req. When another attempt is allowed it
// increments req.RetryCount and returns the delay before it; otherwise it
// returns Terminal. Only transient errors are retried and preemption never
// is.
func (e *Engine) OnFailure(req *crawler.Request, err error) Action {
	if req == nil || err == nil {
		return Terminal
	}
	if req.Preempted() != nil || errors.Is(err, crawler.ErrPreempted) {
		return Terminal
	}
	if !crawler.IsTransient(err) {
		return Terminal
	}
	if req.RetryCount >= req.MaxRetries {
		return Terminal
	}
	req.RetryCount++
	return Action{Retry: true, After: e.Backoff(req)}
}

// Backoff is BackoffScale * BackoffBase^(RetryCount-1), so the first retry
// waits one scale unit and each later one multiplies by the base.
func (e *Engine) Backoff(req *crawler.Request) time.Duration {
	base := req.BackoffBase
	if base <= 0 {
		base = 2
	}
	exp := req.RetryCount - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(req.BackoffScale) * math.Pow(base, float64(exp))
	if e.cfg.MaxDelay > 0 && delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit a Duration.
	d := time.Duration(math.MaxInt64)
	if delay < float64(math.MaxInt64) {
		d = time.Duration(delay)
	}
	if e.cfg.Jitter {
		d = d/2 + randomJitter(d/2)
	}
	return d
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
