package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// Recorder sits between the network and a request's hooks during a live
// fetch. It forwards every callback and, when a cache is attached, writes
// each hop as it completes.
type Recorder struct {
	ctx    context.Context
	cache  *Cache
	next   crawler.FetchHooks
	logger *zap.Logger

	mu      sync.Mutex
	current string
	status  int
	headers http.Header
	hops    int
	allHit  bool
}

// NewRecorder starts recording at startURL. cache may be nil.
func NewRecorder(ctx context.Context, cache *Cache, startURL string, next crawler.FetchHooks, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		ctx:     ctx,
		cache:   cache,
		next:    next,
		logger:  logger,
		current: startURL,
		allHit:  true,
	}
}

// OnStatus implements crawler.FetchHooks.
func (r *Recorder) OnStatus(url string, code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
	if r.next != nil {
		r.next.OnStatus(url, code)
	}
}

// OnHeaders implements crawler.FetchHooks.
func (r *Recorder) OnHeaders(url string, headers http.Header) {
	r.mu.Lock()
	r.headers = headers.Clone()
	r.hops++
	if !strings.EqualFold(strings.TrimSpace(headers.Get("X-Cache")), "HIT") {
		r.allHit = false
	}
	r.mu.Unlock()
	if r.next != nil {
		r.next.OnHeaders(url, headers)
	}
}

// OnRedirect implements crawler.FetchHooks and persists the forwarding hop
// under the URL that was requested.
func (r *Recorder) OnRedirect(from, to string) {
	r.mu.Lock()
	hop := r.current
	entry := Entry{Status: r.status, Headers: r.headers, Forward: to}
	r.current = to
	r.status = 0
	r.headers = nil
	r.mu.Unlock()

	if hop == "" {
		hop = from
	}
	r.write(hop, entry)
	if r.next != nil {
		r.next.OnRedirect(from, to)
	}
}

// Finish persists the terminal hop. Transient failures are not cached, so a
// later run retries them.
func (r *Recorder) Finish(resp *crawler.Response, err error) {
	r.mu.Lock()
	hop := r.current
	status := r.status
	headers := r.headers
	r.mu.Unlock()

	if err != nil && crawler.IsTransient(err) {
		return
	}
	if errors.Is(err, crawler.ErrPreempted) || errors.Is(err, context.Canceled) {
		return
	}
	entry := Entry{Status: status, Headers: headers}
	if resp != nil {
		entry.Status = resp.StatusCode
		entry.Headers = resp.Headers
		entry.Body = resp.Body
	}
	if err != nil {
		entry.Error = err.Error()
		var httpErr *crawler.HTTPError
		if errors.As(err, &httpErr) {
			entry.Status = httpErr.StatusCode
		}
	}
	if entry.Status == 0 && entry.Error == "" {
		return
	}
	r.write(hop, entry)
}

// AllHit reports whether every live hop carried an upstream X-Cache: HIT.
func (r *Recorder) AllHit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hops > 0 && r.allHit
}

// Hops counts the hops seen so far.
func (r *Recorder) Hops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hops
}

func (r *Recorder) write(hop string, entry Entry) {
	if r.cache == nil || hop == "" {
		return
	}
	if err := r.cache.Store(r.ctx, hop, entry); err != nil {
		r.logger.Warn("cache write failed", zap.String("url", hop), zap.Error(err))
	}
}
