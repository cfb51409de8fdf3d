package retry

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

func newRequest(t *testing.T, maxRetries int) *crawler.Request {
	t.Helper()
	req, err := crawler.NewRequest("https://example.com/a", nil, crawler.RequestDefaults{
		MaxRetries:   maxRetries,
		BackoffBase:  2,
		BackoffScale: time.Second,
	})
	require.NoError(t, err)
	return req
}

func TestOnFailureSchedule(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})
	req := newRequest(t, 2)
	timeout := &crawler.TransientError{URL: req.URL, Err: context.DeadlineExceeded}

	first := e.OnFailure(req, timeout)
	assert.Equal(t, Action{Retry: true, After: time.Second}, first)
	second := e.OnFailure(req, timeout)
	assert.Equal(t, Action{Retry: true, After: 2 * time.Second}, second)
	assert.Equal(t, Terminal, e.OnFailure(req, timeout))
	assert.Equal(t, 2, req.RetryCount)
}

func TestOnFailureTotalAttempts(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})
	for _, maxRetries := range []int{0, 1, 3, 5} {
		req := newRequest(t, maxRetries)
		attempts := 1
		for e.OnFailure(req, context.DeadlineExceeded).Retry {
			attempts++
		}
		assert.Equal(t, maxRetries+1, attempts)
	}
}

func TestOnFailureClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		retry bool
	}{
		{name: "server error", err: &crawler.HTTPError{StatusCode: http.StatusBadGateway}, retry: true},
		{name: "too many requests", err: &crawler.HTTPError{StatusCode: http.StatusTooManyRequests}, retry: true},
		{name: "not found", err: &crawler.HTTPError{StatusCode: http.StatusNotFound}},
		{name: "disallowed", err: crawler.ErrDisallowed},
		{name: "preempted", err: crawler.ErrPreempted},
		{name: "redirects", err: crawler.ErrTooManyRedirects},
		{name: "opaque", err: errors.New("boom")},
		{name: "nil", err: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := newRequest(t, 3)
			assert.Equal(t, tc.retry, NewEngine(Config{}).OnFailure(req, tc.err).Retry)
		})
	}
}

func TestPreemptedRequestIsTerminal(t *testing.T) {
	t.Parallel()

	req := newRequest(t, 3)
	req.Preempt(nil)
	assert.Equal(t, Terminal, NewEngine(Config{}).OnFailure(req, context.DeadlineExceeded))
	assert.Equal(t, 0, req.RetryCount)
}

func TestBackoffCapAndJitter(t *testing.T) {
	t.Parallel()

	req := newRequest(t, 10)
	req.RetryCount = 8
	assert.Equal(t, 5*time.Second, NewEngine(Config{MaxDelay: 5 * time.Second}).Backoff(req))

	jittered := NewEngine(Config{MaxDelay: 4 * time.Second, Jitter: true}).Backoff(req)
	assert.GreaterOrEqual(t, jittered, 2*time.Second)
	assert.Less(t, jittered, 4*time.Second)
}

func TestBackoffSaturatesAtMaxDuration(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Config{})
	req := newRequest(t, 1000)
	req.BackoffScale = time.Hour
	req.RetryCount = 200
	assert.Equal(t, time.Duration(math.MaxInt64), engine.Backoff(req))

	// 2^62ns doubled lands exactly on 2^63.
	req.BackoffScale = time.Duration(1 << 62)
	req.RetryCount = 2
	assert.Equal(t, time.Duration(math.MaxInt64), engine.Backoff(req))

	jittered := NewEngine(Config{Jitter: true}).Backoff(req)
	assert.Positive(t, jittered)
}
