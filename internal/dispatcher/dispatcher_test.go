package dispatcher

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-fetch/internal/admission"
	"github.com/JakeFAU/polite-fetch/internal/cache"
	"github.com/JakeFAU/polite-fetch/internal/clock/system"
	coordmem "github.com/JakeFAU/polite-fetch/internal/coordination/memory"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/hash/sha256"
	"github.com/JakeFAU/polite-fetch/internal/id/uuid"
	"github.com/JakeFAU/polite-fetch/internal/policy/blocklist"
	"github.com/JakeFAU/polite-fetch/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-fetch/internal/queue/memory"
	"github.com/JakeFAU/polite-fetch/internal/robots"
	"github.com/JakeFAU/polite-fetch/internal/scheduler"
	blobmem "github.com/JakeFAU/polite-fetch/internal/storage/memory"
	"github.com/JakeFAU/polite-fetch/internal/worker"
)

// countingNetwork answers every URL with 200 and tracks per-host concurrency.
type countingNetwork struct {
	mu      sync.Mutex
	active  map[string]int
	peak    map[string]int
	total   int
	fetched []string
	hold    time.Duration
}

func newCountingNetwork(hold time.Duration) *countingNetwork {
	return &countingNetwork{active: map[string]int{}, peak: map[string]int{}, hold: hold}
}

func (n *countingNetwork) Fetch(ctx context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error) {
	host, err := crawler.DomainKey(req.URL)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.active[host]++
	n.total++
	n.fetched = append(n.fetched, req.URL)
	if n.active[host] > n.peak[host] {
		n.peak[host] = n.active[host]
	}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.active[host]--
		n.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(n.hold):
	}
	hooks.OnStatus(req.URL, http.StatusOK)
	hooks.OnHeaders(req.URL, http.Header{})
	return &crawler.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
}

type stack struct {
	dispatcher *Dispatcher
	sched      *scheduler.Scheduler
	cache      *cache.Cache
	network    *countingNetwork
}

func newStack(t *testing.T, withCache bool) *stack {
	t.Helper()
	return newStackWithConfig(t, withCache, Config{StopWhenDone: true})
}

func newStackWithConfig(t *testing.T, withCache bool, cfg Config) *stack {
	t.Helper()
	clk := system.New()
	adm, err := admission.New(admission.Config{PoolSize: 10, MaxPerDomain: 1, TTL: time.Minute}, coordmem.New(), clk, nil)
	require.NoError(t, err)
	robotsCache := robots.NewCache(robots.Config{Ignore: true}, clk, nil)
	sched, err := scheduler.New(scheduler.Config{
		DefaultDelay: 5 * time.Millisecond,
		RecheckDelay: 5 * time.Millisecond,
	}, adm, robotsCache, memory.NewQueue(16), clk, uuid.New(), nil)
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	var respCache *cache.Cache
	if withCache {
		respCache, err = cache.New(cache.Config{PrefixSegments: 2}, blobmem.NewBlobStore(), sha256.New(), clk, nil)
		require.NoError(t, err)
	}
	network := newCountingNetwork(10 * time.Millisecond)
	w := worker.New(network, respCache, nil, sched, nil, worker.Config{UserAgent: "rogerbot/1.0"}, nil)
	d := New(sched, w, respCache, ratelimit.New(ratelimit.Config{}), cfg, nil)
	return &stack{dispatcher: d, sched: sched, cache: respCache, network: network}
}

type results struct {
	mu      sync.Mutex
	success map[string]*crawler.Response
	done    int
}

func (r *results) handler() crawler.Handler {
	return crawler.HandlerFuncs{
		Success: func(req *crawler.Request, resp *crawler.Response) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.success[req.URL] = resp
		},
		Done: func(*crawler.Request) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.done++
		},
	}
}

func submit(t *testing.T, d *Dispatcher, rawURL string, h crawler.Handler) *crawler.Request {
	t.Helper()
	req, err := crawler.NewRequest(rawURL, h, crawler.RequestDefaults{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, d.Submit(context.Background(), req))
	return req
}

func runToCompletion(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	require.NoError(t, ctx.Err(), "run should stop on its own once idle")
}

func TestRunStopsWhenDoneAndRespectsDomainCap(t *testing.T) {
	t.Parallel()

	s := newStack(t, false)
	res := &results{success: map[string]*crawler.Response{}}
	for _, u := range []string{
		"https://a.example/1", "https://a.example/2", "https://a.example/3",
		"https://b.example/1", "https://b.example/2",
	} {
		submit(t, s.dispatcher, u, res.handler())
	}

	runToCompletion(t, s.dispatcher)

	assert.Equal(t, 5, res.done)
	assert.Len(t, res.success, 5)
	assert.Equal(t, 1, s.network.peak["a.example"])
	assert.Equal(t, 1, s.network.peak["b.example"])
	assert.Equal(t, int64(5), s.sched.Stats().Processed)
}

func TestSubmitServesWholeChainFromCache(t *testing.T) {
	t.Parallel()

	s := newStack(t, true)
	ctx := context.Background()
	require.NoError(t, s.cache.Store(ctx, "https://a.example/old", cache.Entry{Status: http.StatusMovedPermanently, Forward: "https://a.example/new"}))
	require.NoError(t, s.cache.Store(ctx, "https://a.example/new", cache.Entry{Status: http.StatusOK, Body: []byte("cached")}))

	res := &results{success: map[string]*crawler.Response{}}
	var redirects []string
	h := crawler.HandlerFuncs{
		Success:  res.handler().OnSuccess,
		Done:     res.handler().OnDone,
		Redirect: func(_ *crawler.Request, from, to string) { redirects = append(redirects, from+" -> "+to) },
	}
	req := submit(t, s.dispatcher, "https://a.example/old", h)

	assert.True(t, req.Cached)
	require.Contains(t, res.success, "https://a.example/old")
	resp := res.success["https://a.example/old"]
	assert.True(t, resp.FromCache)
	assert.Equal(t, "cached", string(resp.Body))
	assert.Equal(t, []string{"https://a.example/old -> https://a.example/new"}, redirects)
	assert.Equal(t, 1, res.done)
	assert.Zero(t, s.network.total)
	assert.True(t, s.sched.Idle())
}

func TestSubmitResumesPartialChainLive(t *testing.T) {
	t.Parallel()

	s := newStack(t, true)
	ctx := context.Background()
	require.NoError(t, s.cache.Store(ctx, "https://a.example/old", cache.Entry{Status: http.StatusFound, Forward: "https://b.example/landing"}))

	res := &results{success: map[string]*crawler.Response{}}
	req := submit(t, s.dispatcher, "https://a.example/old", res.handler())
	assert.Equal(t, "https://b.example/landing", req.FetchURL)
	assert.Equal(t, "b.example", req.DomainKey)

	runToCompletion(t, s.dispatcher)
	assert.Equal(t, []string{"https://b.example/landing"}, s.network.fetched)
	assert.Equal(t, 1, res.done)
	assert.False(t, req.Cached)

	ok, err := s.cache.Exists(ctx, "https://b.example/landing")
	require.NoError(t, err)
	assert.True(t, ok, "the live hop is written back")
}

func TestEnqueueDrainsBacklogAndServesCacheHits(t *testing.T) {
	t.Parallel()

	s := newStack(t, true)
	ctx := context.Background()
	require.NoError(t, s.cache.Store(ctx, "https://a.example/cached", cache.Entry{Status: http.StatusOK, Body: []byte("cached")}))

	res := &results{success: map[string]*crawler.Response{}}
	for _, u := range []string{"https://a.example/cached", "https://a.example/live", "https://b.example/live"} {
		req, err := crawler.NewRequest(u, res.handler(), crawler.RequestDefaults{Timeout: time.Second})
		require.NoError(t, err)
		require.NoError(t, s.dispatcher.Enqueue(ctx, req))
	}
	assert.Equal(t, 2, s.sched.Stats().Backlog, "cache hits never reach the backlog")

	runToCompletion(t, s.dispatcher)
	assert.Equal(t, 3, res.done)
	assert.Len(t, res.success, 3)
	assert.ElementsMatch(t, []string{"https://a.example/live", "https://b.example/live"}, s.network.fetched)
}

func TestSubmitReplaysCachedFailure(t *testing.T) {
	t.Parallel()

	s := newStack(t, true)
	ctx := context.Background()
	require.NoError(t, s.cache.Store(ctx, "https://a.example/gone", cache.Entry{Status: http.StatusNotFound, Error: "not found"}))

	var gotErr error
	res := &results{success: map[string]*crawler.Response{}}
	h := crawler.HandlerFuncs{
		Success: res.handler().OnSuccess,
		Done:    res.handler().OnDone,
		Error:   func(_ *crawler.Request, err error) { gotErr = err },
	}
	req := submit(t, s.dispatcher, "https://a.example/gone", h)

	assert.True(t, req.Cached)
	var httpErr *crawler.HTTPError
	require.ErrorAs(t, gotErr, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Empty(t, res.success)
	assert.Equal(t, 1, res.done)
	assert.Zero(t, s.network.total)
}

func TestSubmitRejectsBlocklistedHosts(t *testing.T) {
	t.Parallel()

	s := newStackWithConfig(t, false, Config{
		StopWhenDone: true,
		Blocklist:    blocklist.New([]string{"*.blocked.example"}),
	})
	var gotErr error
	res := &results{success: map[string]*crawler.Response{}}
	h := crawler.HandlerFuncs{
		Success: res.handler().OnSuccess,
		Done:    res.handler().OnDone,
		Error:   func(_ *crawler.Request, err error) { gotErr = err },
	}
	req, err := crawler.NewRequest("https://www.blocked.example/", h, crawler.RequestDefaults{Timeout: time.Second})
	require.NoError(t, err)
	err = s.dispatcher.Submit(context.Background(), req)
	require.ErrorIs(t, err, crawler.ErrBlocked)
	assert.ErrorIs(t, err, crawler.ErrDisallowed)
	assert.ErrorIs(t, gotErr, crawler.ErrBlocked)
	assert.Equal(t, 1, res.done)

	submit(t, s.dispatcher, "https://open.example/", res.handler())
	runToCompletion(t, s.dispatcher)
	assert.Equal(t, []string{"https://open.example/"}, s.network.fetched)
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	s := newStack(t, false)
	s.dispatcher.cfg.StopWhenDone = false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.dispatcher.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
