// Package collyfetcher implements the network capability using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/polite-fetch/internal/auth"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RedirectLimit int
	MaxBodySize   int
	// Proxy picks the proxy per request. Nil uses the HTTP_PROXY, HTTPS_PROXY
	// and NO_PROXY environment.
	Proxy func(*http.Request) (*url.URL, error)
	// Credentials supplies Basic auth per host and realm. Optional.
	Credentials *auth.Registry
}

// Fetcher implements crawler.Network. Each Fetch builds its own collector over
// a shared pooled transport, so concurrent fetches never share callbacks.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 * 1024 * 1024
	}
	if cfg.Proxy == nil {
		cfg.Proxy = http.ProxyFromEnvironment
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(cfg.Proxy),
	}
}

// hopState tracks the final hop of one visit. Redirect hops are reported
// from the redirect handler as they happen.
type hopState struct {
	mu       sync.Mutex
	status   int
	headers  http.Header
	url      string
	response *crawler.Response
	err      error
}

// Fetch performs one GET with redirects, reporting each hop to hooks. A 401
// with a Basic challenge is retried once when credentials for the realm are
// registered.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest, hooks crawler.FetchHooks) (*crawler.Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	start := time.Now()
	authHeader := f.cfg.Credentials.Header(target.Host, auth.DefaultRealm)

	// Redirect hops of a visit that may be answered with credentials are held
	// back so a re-attempt does not report them twice.
	firstHooks := hooks
	var held *hopBuffer
	if f.cfg.Credentials != nil && hooks != nil {
		held = &hopBuffer{}
		firstHooks = held
	}

	resp, state, err := f.visit(ctx, req, authHeader, firstHooks)
	if err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		if realm, ok := auth.Realm(resp.Headers.Get("WWW-Authenticate")); ok {
			if retryHeader := f.cfg.Credentials.Header(target.Host, realm); retryHeader != "" && retryHeader != authHeader {
				held = nil
				resp, state, err = f.visit(ctx, req, retryHeader, hooks)
			}
		}
	}
	if held != nil {
		held.replay(hooks)
	}
	if state != nil {
		state.flush(hooks)
	}
	if err != nil {
		return nil, err
	}
	metrics.ObserveFetch(req.URL, time.Since(start), len(resp.Body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &crawler.HTTPError{URL: resp.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func (f *Fetcher) visit(
	ctx context.Context,
	req crawler.FetchRequest,
	authHeader string,
	hooks crawler.FetchHooks,
) (*crawler.Response, *hopState, error) {
	state := &hopState{}
	collector := f.buildCollector(ctx, req, authHeader, hooks, state)

	if err := f.runCollector(ctx, collector, req.URL, state); err != nil {
		return nil, state, f.classify(req.URL, err)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.response == nil {
		return nil, state, &crawler.TransientError{URL: req.URL, Err: errors.New("no response received")}
	}
	return state.response, state, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	req crawler.FetchRequest,
	authHeader string,
	hooks crawler.FetchHooks,
	state *hopState,
) *colly.Collector {
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = f.cfg.UserAgent
	}
	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
		colly.MaxBodySize(f.cfg.MaxBodySize),
		colly.IgnoreRobotsTxt(),
	)
	collector.WithTransport(f.transport)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)

	limit := req.RedirectLimit
	if limit < 0 {
		limit = f.cfg.RedirectLimit
	}
	collector.SetRedirectHandler(redirectHandler(limit, hooks))

	f.configureCollectorHooks(collector, req, authHeader, state)
	return collector
}

func redirectHandler(limit int, hooks crawler.FetchHooks) func(*http.Request, []*http.Request) error {
	return func(next *http.Request, via []*http.Request) error {
		from := via[len(via)-1].URL.String()
		if hop := next.Response; hop != nil && hooks != nil {
			hooks.OnStatus(from, hop.StatusCode)
			hooks.OnHeaders(from, hop.Header.Clone())
		}
		if len(via) > limit {
			return crawler.ErrTooManyRedirects
		}
		if hooks != nil {
			hooks.OnRedirect(from, next.URL.String())
		}
		return nil
	}
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req crawler.FetchRequest,
	authHeader string,
	state *hopState,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
		if authHeader != "" {
			r.Headers.Set("Authorization", authHeader)
		}
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		state.mu.Lock()
		defer state.mu.Unlock()
		state.url = r.Request.URL.String()
		state.status = r.StatusCode
		if r.Headers != nil {
			state.headers = r.Headers.Clone()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		state.response = &crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
		}
		if state.status == 0 {
			state.url = state.response.URL
			state.status = r.StatusCode
			state.headers = headers.Clone()
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.err == nil {
			state.err = err
		}
	})
}

// flush reports the final hop, once the fetch has settled on it.
func (s *hopState) flush(hooks crawler.FetchHooks) {
	s.mu.Lock()
	url, status, headers := s.url, s.status, s.headers
	s.mu.Unlock()
	if hooks == nil || status == 0 {
		return
	}
	hooks.OnStatus(url, status)
	if headers == nil {
		headers = http.Header{}
	}
	hooks.OnHeaders(url, headers)
}

// hopBuffer records hop callbacks for later replay.
type hopBuffer struct {
	mu     sync.Mutex
	events []func(crawler.FetchHooks)
}

func (b *hopBuffer) OnStatus(u string, code int) {
	b.add(func(h crawler.FetchHooks) { h.OnStatus(u, code) })
}

func (b *hopBuffer) OnHeaders(u string, headers http.Header) {
	b.add(func(h crawler.FetchHooks) { h.OnHeaders(u, headers) })
}

func (b *hopBuffer) OnRedirect(from, to string) {
	b.add(func(h crawler.FetchHooks) { h.OnRedirect(from, to) })
}

func (b *hopBuffer) add(e func(crawler.FetchHooks)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *hopBuffer) replay(hooks crawler.FetchHooks) {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.mu.Unlock()
	for _, e := range events {
		e(hooks)
	}
}

// runCollector waits for the visit even after ctx ends, so no callback
// touches state or hooks once it returns.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, state *hopState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		<-done
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ctx.Err()) {
			return fmt.Errorf("colly fetch canceled: %w", cause)
		}
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		state.mu.Lock()
		fetchErr := state.err
		state.mu.Unlock()
		if fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) classify(target string, err error) error {
	if errors.Is(err, crawler.ErrTooManyRedirects) || errors.Is(err, crawler.ErrPreempted) || errors.Is(err, context.Canceled) {
		return err
	}
	if crawler.IsTransient(err) {
		return &crawler.TransientError{URL: target, Err: err}
	}
	return err
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
