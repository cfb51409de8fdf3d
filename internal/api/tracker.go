package api

import (
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
)

// Request states reported by the API.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Status is the externally visible record of one submitted request.
type Status struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	State      string     `json:"state"`
	StatusCode int        `json:"status_code,omitempty"`
	FinalURL   string     `json:"final_url,omitempty"`
	Redirects  int        `json:"redirects,omitempty"`
	Bytes      int        `json:"bytes,omitempty"`
	Cached     bool       `json:"cached"`
	Retries    int        `json:"retries"`
	Disallowed bool       `json:"disallowed,omitempty"`
	Error      string     `json:"error,omitempty"`
	Submitted  time.Time  `json:"submitted"`
	Finished   *time.Time `json:"finished,omitempty"`
}

// Tracker remembers the most recent statuses, evicting the oldest beyond its
// limit.
type Tracker struct {
	clock crawler.Clock
	limit int

	mu      sync.RWMutex
	entries map[string]*Status
	order   []string
}

// NewTracker builds a Tracker holding at most limit statuses.
func NewTracker(clock crawler.Clock, limit int) *Tracker {
	if limit <= 0 {
		limit = 10000
	}
	return &Tracker{clock: clock, limit: limit, entries: make(map[string]*Status)}
}

// Track registers req, which must already carry its id, and returns the
// handler that keeps its status current.
func (t *Tracker) Track(req *crawler.Request) crawler.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[req.ID] = &Status{
		ID:        req.ID,
		URL:       req.URL,
		State:     StateQueued,
		Submitted: t.clock.Now(),
	}
	t.order = append(t.order, req.ID)
	for len(t.order) > t.limit {
		delete(t.entries, t.order[0])
		t.order = t.order[1:]
	}
	return crawler.HandlerFuncs{
		Status:   t.onStatus,
		Redirect: t.onRedirect,
		Success:  t.onSuccess,
		Error:    t.onError,
	}
}

// Get returns a copy of the status for id.
func (t *Tracker) Get(id string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entries[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

func (t *Tracker) update(req *crawler.Request, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.entries[req.ID]; ok {
		fn(st)
	}
}

func (t *Tracker) onStatus(req *crawler.Request, _ string, code int) {
	t.update(req, func(st *Status) {
		st.State = StateRunning
		st.StatusCode = code
	})
}

func (t *Tracker) onRedirect(req *crawler.Request, _, _ string) {
	t.update(req, func(st *Status) { st.Redirects++ })
}

func (t *Tracker) onSuccess(req *crawler.Request, resp *crawler.Response) {
	now := t.clock.Now()
	t.update(req, func(st *Status) {
		st.State = StateSucceeded
		st.StatusCode = resp.StatusCode
		st.FinalURL = resp.URL
		st.Bytes = len(resp.Body)
		st.Cached = req.Cached
		st.Retries = req.RetryCount
		st.Finished = &now
	})
}

func (t *Tracker) onError(req *crawler.Request, err error) {
	now := t.clock.Now()
	t.update(req, func(st *Status) {
		st.State = StateFailed
		st.Error = err.Error()
		st.Cached = req.Cached
		st.Retries = req.RetryCount
		st.Disallowed = errors.Is(err, crawler.ErrDisallowed)
		var httpErr *crawler.HTTPError
		if errors.As(err, &httpErr) {
			st.StatusCode = httpErr.StatusCode
		}
		st.Finished = &now
	})
}
