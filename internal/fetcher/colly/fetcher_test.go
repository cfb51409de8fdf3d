package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-fetch/internal/auth"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

type recordingHooks struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHooks) OnStatus(u string, code int) {
	h.add(fmt.Sprintf("status %s %d", u, code))
}

func (h *recordingHooks) OnHeaders(u string, headers http.Header) {
	h.add(fmt.Sprintf("headers %s %s", u, headers.Get("X-Hop")))
}

func (h *recordingHooks) OnRedirect(from, to string) {
	h.add(fmt.Sprintf("redirect %s %s", from, to))
}

func (h *recordingHooks) add(e string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hop", "ok")
		w.Header().Set("X-Agent", r.UserAgent())
		w.Header().Set("X-Trace", r.Header.Get("X-Trace"))
		_, _ = io.WriteString(w, "hello")
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hop", "a")
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hop", "b")
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "nope")
	})
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = io.WriteString(w, "late")
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="staff"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "welcome")
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hop", "moved")
		http.Redirect(w, r, "/private", http.StatusFound)
	})
	mux.HandleFunc("/open", func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		_, _ = io.WriteString(w, "user="+user)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fetchRequest(u string) crawler.FetchRequest {
	return crawler.FetchRequest{URL: u, Timeout: 5 * time.Second, RedirectLimit: 10}
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{UserAgent: "rogerbot/1.0"})
	hooks := &recordingHooks{}

	req := fetchRequest(srv.URL + "/ok")
	req.Headers = http.Header{"X-Trace": {"abc"}}
	resp, err := f.Fetch(context.Background(), req, hooks)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "rogerbot/1.0", resp.Headers.Get("X-Agent"))
	assert.Equal(t, "abc", resp.Headers.Get("X-Trace"))
	assert.Equal(t, []string{
		"status " + srv.URL + "/ok 200",
		"headers " + srv.URL + "/ok ok",
	}, hooks.events)
}

func TestFetchReportsEachRedirectHop(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{UserAgent: "rogerbot/1.0"})
	hooks := &recordingHooks{}

	resp, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/a"), hooks)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/ok", resp.URL)
	assert.Equal(t, []string{
		"status " + srv.URL + "/a 302",
		"headers " + srv.URL + "/a a",
		"redirect " + srv.URL + "/a " + srv.URL + "/b",
		"status " + srv.URL + "/b 301",
		"headers " + srv.URL + "/b b",
		"redirect " + srv.URL + "/b " + srv.URL + "/ok",
		"status " + srv.URL + "/ok 200",
		"headers " + srv.URL + "/ok ok",
	}, hooks.events)
}

func TestFetchRedirectLimit(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{})
	req := fetchRequest(srv.URL + "/a")
	req.RedirectLimit = 1

	_, err := f.Fetch(context.Background(), req, nil)
	require.ErrorIs(t, err, crawler.ErrTooManyRedirects)
	assert.False(t, crawler.IsTransient(err))
}

func TestFetchHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{})

	resp, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/missing"), nil)
	var httpErr *crawler.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	require.NotNil(t, resp)
	assert.Equal(t, "nope", string(resp.Body))
	assert.False(t, crawler.IsTransient(err))

	_, err = f.Fetch(context.Background(), fetchRequest(srv.URL+"/unavailable"), nil)
	assert.True(t, crawler.IsTransient(err))
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{})
	req := fetchRequest(srv.URL + "/slow")
	req.Timeout = 50 * time.Millisecond

	_, err := f.Fetch(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, crawler.IsTransient(err))
}

func TestFetchCanceledIsNotRetried(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	f := New(Config{})
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(crawler.ErrPreempted)
	}()

	_, err := f.Fetch(ctx, fetchRequest(srv.URL+"/slow"), nil)
	require.Error(t, err)
	assert.False(t, crawler.IsTransient(err))
}

func TestFetchAnswersBasicChallenge(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	host := mustParseURL(t, srv.URL).Host
	creds := auth.NewRegistry()
	creds.Register(host, "staff", "admin", "secret")
	f := New(Config{Credentials: creds})
	hooks := &recordingHooks{}

	resp, err := f.Fetch(context.Background(), fetchRequest(srv.URL+"/private"), hooks)
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(resp.Body))
	assert.Equal(t, "status "+srv.URL+"/private 200", hooks.events[0], "the challenged attempt is not reported")

	_, err = New(Config{}).Fetch(context.Background(), fetchRequest(srv.URL+"/private"), nil)
	var httpErr *crawler.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestFetchReportsChallengedRedirectOnce(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	creds := auth.NewRegistry()
	creds.Register(mustParseURL(t, srv.URL).Host, "staff", "admin", "secret")
	hooks := &recordingHooks{}

	resp, err := New(Config{Credentials: creds}).Fetch(context.Background(), fetchRequest(srv.URL+"/moved"), hooks)
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(resp.Body))
	assert.Equal(t, []string{
		"status " + srv.URL + "/moved 302",
		"headers " + srv.URL + "/moved moved",
		"redirect " + srv.URL + "/moved " + srv.URL + "/private",
		"status " + srv.URL + "/private 200",
		"headers " + srv.URL + "/private ",
	}, hooks.events)
}

func TestFetchUnansweredChallengeKeepsRedirectHops(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	creds := auth.NewRegistry()
	creds.Register("elsewhere.example", "staff", "admin", "secret")
	hooks := &recordingHooks{}

	_, err := New(Config{Credentials: creds}).Fetch(context.Background(), fetchRequest(srv.URL+"/moved"), hooks)
	var httpErr *crawler.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, []string{
		"status " + srv.URL + "/moved 302",
		"headers " + srv.URL + "/moved moved",
		"redirect " + srv.URL + "/moved " + srv.URL + "/private",
		"status " + srv.URL + "/private 401",
		"headers " + srv.URL + "/private ",
	}, hooks.events)
}

// slowHooks cancels the fetch from its first status callback and lingers
// there before returning.
type slowHooks struct {
	recordingHooks
	cancel   context.CancelFunc
	returned atomic.Bool
}

func (h *slowHooks) OnStatus(string, int) {
	h.cancel()
	time.Sleep(50 * time.Millisecond)
	h.returned.Store(true)
}

func TestFetchWaitsForCallbacksAfterCancel(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hooks := &slowHooks{cancel: cancel}

	_, err := New(Config{}).Fetch(ctx, fetchRequest(srv.URL+"/a"), hooks)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, hooks.returned.Load(), "fetch returned while a hop callback was still running")
}

func TestFetchSendsDefaultCredentials(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	creds := auth.NewRegistry()
	creds.Register(mustParseURL(t, srv.URL).Host, auth.DefaultRealm, "bot", "pw")

	resp, err := New(Config{Credentials: creds}).Fetch(context.Background(), fetchRequest(srv.URL+"/open"), nil)
	require.NoError(t, err)
	assert.Equal(t, "user=bot", string(resp.Body))
}

func TestFetchUsesProxy(t *testing.T) {
	t.Parallel()

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "proxied "+r.URL.Host)
	}))
	t.Cleanup(proxy.Close)

	f := New(Config{Proxy: http.ProxyURL(mustParseURL(t, proxy.URL))})
	resp, err := f.Fetch(context.Background(), fetchRequest("http://origin.example/page"), nil)
	require.NoError(t, err)
	assert.Equal(t, "proxied origin.example", string(resp.Body))
}

func TestRedirectHandlerZeroLimit(t *testing.T) {
	t.Parallel()

	hooks := &recordingHooks{}
	handler := redirectHandler(0, hooks)
	prev := &http.Request{URL: mustParseURL(t, "https://a.example/")}
	next := &http.Request{
		URL:      mustParseURL(t, "https://b.example/"),
		Response: &http.Response{StatusCode: http.StatusFound, Header: http.Header{"X-Hop": {"a"}}},
	}
	require.ErrorIs(t, handler(next, []*http.Request{prev}), crawler.ErrTooManyRedirects)
	assert.Equal(t, []string{"status https://a.example/ 302", "headers https://a.example/ a"}, hooks.events)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
