package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/polite-fetch/internal/cache"
	"github.com/JakeFAU/polite-fetch/internal/clock/manual"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/hash/sha256"
	"github.com/JakeFAU/polite-fetch/internal/retry"
	"github.com/JakeFAU/polite-fetch/internal/storage/memory"
)

type fakeNetwork struct {
	fetch func(ctx context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error)
	calls int
}

func (f *fakeNetwork) Fetch(ctx context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error) {
	f.calls++
	return f.fetch(ctx, req, hooks)
}

type fakeScheduler struct {
	mu        sync.Mutex
	retries   []time.Duration
	completed []error
	responses []*crawler.Response
}

func (s *fakeScheduler) Retry(_ context.Context, _ *crawler.Request, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, after)
}

func (s *fakeScheduler) Complete(_ context.Context, _ *crawler.Request, resp *crawler.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, err)
	s.responses = append(s.responses, resp)
}

func newCache(t *testing.T) (*cache.Cache, *memory.BlobStore) {
	t.Helper()
	store := memory.NewBlobStore()
	c, err := cache.New(cache.Config{PrefixSegments: 3}, store, sha256.New(), manual.New(time.Unix(0, 0)), nil)
	require.NoError(t, err)
	return c, store
}

func newRequest(t *testing.T, rawURL string, handler crawler.Handler) *crawler.Request {
	t.Helper()
	req, err := crawler.NewRequest(rawURL, handler, crawler.RequestDefaults{
		Timeout:      time.Second,
		MaxRetries:   2,
		BackoffBase:  2,
		BackoffScale: time.Second,
	})
	require.NoError(t, err)
	req.ID = "req-1"
	return req
}

func okNetwork(headers http.Header) *fakeNetwork {
	return &fakeNetwork{fetch: func(_ context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error) {
		hooks.OnStatus(req.URL, http.StatusOK)
		hooks.OnHeaders(req.URL, headers)
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK, Headers: headers, Body: []byte("hello")}, nil
	}}
}

func TestProcessSuccessRecordsCacheAndHooks(t *testing.T) {
	t.Parallel()

	respCache, _ := newCache(t)
	sched := &fakeScheduler{}
	var statuses []int
	req := newRequest(t, "https://a.example/page", crawler.HandlerFuncs{
		Status: func(_ *crawler.Request, _ string, code int) { statuses = append(statuses, code) },
	})

	w := New(okNetwork(http.Header{}), respCache, nil, sched, nil, Config{UserAgent: "rogerbot/1.0"}, nil)
	w.Process(context.Background(), req)

	require.Len(t, sched.completed, 1)
	assert.NoError(t, sched.completed[0])
	assert.Equal(t, "hello", string(sched.responses[0].Body))
	assert.Equal(t, []int{http.StatusOK}, statuses)
	assert.False(t, req.Cached)

	ok, err := respCache.Exists(context.Background(), "https://a.example/page")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessUpstreamHitMarksCached(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	req := newRequest(t, "https://a.example/page", nil)
	w := New(okNetwork(http.Header{"X-Cache": {"HIT"}}), nil, nil, sched, nil, Config{}, nil)
	w.Process(context.Background(), req)

	require.Len(t, sched.completed, 1)
	assert.True(t, req.Cached)
}

func TestProcessTransientFailureRetries(t *testing.T) {
	t.Parallel()

	respCache, store := newCache(t)
	sched := &fakeScheduler{}
	network := &fakeNetwork{fetch: func(context.Context, crawler.FetchRequest, crawler.FetchHooks) (*crawler.Response, error) {
		return nil, &crawler.TransientError{URL: "https://a.example/", Err: context.DeadlineExceeded}
	}}
	req := newRequest(t, "https://a.example/", nil)
	w := New(network, respCache, retry.NewEngine(retry.Config{}), sched, nil, Config{}, nil)

	w.Process(context.Background(), req)
	assert.Equal(t, []time.Duration{time.Second}, sched.retries)
	assert.Equal(t, 1, req.RetryCount)
	assert.Empty(t, sched.completed)
	assert.Empty(t, store.Keys(), "transient failures are not cached")

	w.Process(context.Background(), req)
	w.Process(context.Background(), req)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sched.retries)
	require.Len(t, sched.completed, 1)
	assert.True(t, crawler.IsTransient(sched.completed[0]))
	assert.Equal(t, 3, network.calls)
}

func TestProcessPermanentErrorIsTerminal(t *testing.T) {
	t.Parallel()

	respCache, store := newCache(t)
	sched := &fakeScheduler{}
	network := &fakeNetwork{fetch: func(_ context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error) {
		hooks.OnStatus(req.URL, http.StatusNotFound)
		hooks.OnHeaders(req.URL, http.Header{})
		return &crawler.Response{URL: req.URL, StatusCode: http.StatusNotFound},
			&crawler.HTTPError{URL: req.URL, StatusCode: http.StatusNotFound}
	}}
	req := newRequest(t, "https://a.example/missing", nil)
	New(network, respCache, nil, sched, nil, Config{}, nil).Process(context.Background(), req)

	assert.Empty(t, sched.retries)
	require.Len(t, sched.completed, 1)
	var httpErr *crawler.HTTPError
	require.ErrorAs(t, sched.completed[0], &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.NotNil(t, sched.responses[0])
	assert.Len(t, store.Keys(), 1, "terminal errors are cached")
}

func TestProcessPreemptionIsTerminal(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	network := &fakeNetwork{fetch: func(ctx context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error) {
		hooks.OnHeaders(req.URL, http.Header{"Content-Type": {"video/mp4"}})
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}}
	req := newRequest(t, "https://a.example/big", crawler.HandlerFuncs{
		Header: func(r *crawler.Request, _ string, h http.Header) {
			if h.Get("Content-Type") == "video/mp4" {
				r.Preempt(nil)
			}
		},
	})
	New(network, nil, nil, sched, nil, Config{}, nil).Process(context.Background(), req)

	assert.Empty(t, sched.retries)
	require.Len(t, sched.completed, 1)
	assert.ErrorIs(t, sched.completed[0], crawler.ErrPreempted)
}

func TestProcessRecoversNetworkPanic(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	network := &fakeNetwork{fetch: func(context.Context, crawler.FetchRequest, crawler.FetchHooks) (*crawler.Response, error) {
		panic("broken transport")
	}}
	req := newRequest(t, "https://a.example/", nil)

	assert.NotPanics(t, func() {
		New(network, nil, nil, sched, nil, Config{}, nil).Process(context.Background(), req)
	})
	require.Len(t, sched.completed, 1)
	assert.ErrorContains(t, sched.completed[0], "broken transport")
}

func TestProcessSkipsCacheForRobots(t *testing.T) {
	t.Parallel()

	respCache, store := newCache(t)
	sched := &fakeScheduler{}
	req := newRequest(t, "https://a.example/robots.txt", nil)
	req.Kind = crawler.KindRobots

	New(okNetwork(http.Header{}), respCache, nil, sched, nil, Config{}, nil).Process(context.Background(), req)
	require.Len(t, sched.completed, 1)
	assert.Empty(t, store.Keys())
}

func TestProcessRecordsSpan(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sched := &fakeScheduler{}
	network := &fakeNetwork{fetch: func(context.Context, crawler.FetchRequest, crawler.FetchHooks) (*crawler.Response, error) {
		return nil, &crawler.HTTPError{URL: "https://a.example/", StatusCode: http.StatusForbidden}
	}}
	req := newRequest(t, "https://a.example/", nil)
	New(network, nil, nil, sched, tp.Tracer("test"), Config{}, nil).Process(context.Background(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "fetch.attempt", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
