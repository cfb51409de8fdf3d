package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// RequestKind separates application fetches from robots policy fetches.
type RequestKind int

// Supported request kinds.
const (
	KindPage RequestKind = iota
	KindRobots
)

func (k RequestKind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindRobots:
		return "robots"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RequestDefaults carries the per-request knobs applied by NewRequest.
type RequestDefaults struct {
	Timeout       time.Duration
	RedirectLimit int
	MaxRetries    int
	BackoffBase   float64
	BackoffScale  time.Duration
}

// Request is one unit of work moving through the scheduler.
//
// A request is created by the caller, queued under its DomainKey, dequeued
// exactly once and always finishes with one OnSuccess or OnError followed by
// one OnDone on its Handler.
type Request struct {
	ID            string
	URL           string
	FetchURL      string
	DomainKey     string
	OriginalKey   string
	Kind          RequestKind
	Timeout       time.Duration
	RedirectLimit int
	RetryCount    int
	MaxRetries    int
	BackoffBase   float64
	BackoffScale  time.Duration
	Cached        bool
	Headers       http.Header
	Handler       Handler
	Enqueued      time.Time

	mu          sync.Mutex
	admissionID string
	admitted    bool
	cancel      context.CancelCauseFunc
	preempted   error
	finished    bool
}

// NewRequest normalizes rawURL and derives the request's domain key.
func NewRequest(rawURL string, handler Handler, defaults RequestDefaults) (*Request, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	key, err := DomainKey(normalized)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Request{
		URL:           normalized,
		DomainKey:     key,
		Kind:          KindPage,
		Timeout:       defaults.Timeout,
		RedirectLimit: defaults.RedirectLimit,
		MaxRetries:    defaults.MaxRetries,
		BackoffBase:   defaults.BackoffBase,
		BackoffScale:  defaults.BackoffScale,
		Handler:       handler,
	}, nil
}

// Target is the URL the next live attempt should fetch.
func (r *Request) Target() string {
	if r.FetchURL != "" {
		return r.FetchURL
	}
	return r.URL
}

// Host returns the host (with port, if any) of the live target.
func (r *Request) Host() string {
	u, err := url.Parse(r.Target())
	if err != nil {
		return ""
	}
	return u.Host
}

// MarkAdmitted records the admission token held by the current attempt.
func (r *Request) MarkAdmitted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admissionID = id
	r.admitted = true
}

// TakeAdmission hands back the admission token once; later calls report false.
func (r *Request) TakeAdmission() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.admitted {
		return "", false
	}
	r.admitted = false
	return r.admissionID, true
}

// AttemptContext derives the context for a single attempt, bounded by the
// request timeout. Preempt cancels it.
func (r *Request) AttemptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(parent)
	r.mu.Lock()
	r.cancel = cancelCause
	r.mu.Unlock()
	if r.Timeout <= 0 {
		return ctx, func() { cancelCause(nil) }
	}
	timed, cancel := context.WithTimeout(ctx, r.Timeout)
	return timed, func() {
		cancel()
		cancelCause(nil)
	}
}

// Preempt aborts the in-progress attempt. The request still finishes with
// exactly one error outcome.
func (r *Request) Preempt(cause error) {
	if cause == nil {
		cause = ErrPreempted
	}
	r.mu.Lock()
	if r.preempted == nil {
		r.preempted = cause
	}
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// Preempted reports the preemption cause, if any.
func (r *Request) Preempted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preempted
}

// Finish marks the request terminal. Only the first call reports true.
func (r *Request) Finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	return true
}

// Path is the path of the live target, for robots checks.
func (r *Request) Path() string {
	u, err := url.Parse(r.Target())
	if err != nil || u.EscapedPath() == "" {
		return "/"
	}
	if u.RawQuery != "" {
		return u.EscapedPath() + "?" + u.RawQuery
	}
	return u.EscapedPath()
}

// Scheme is the scheme of the live target.
func (r *Request) Scheme() string {
	u, err := url.Parse(r.Target())
	if err != nil || u.Scheme == "" {
		return "http"
	}
	return u.Scheme
}

// Response is a completed fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	FromCache  bool
}

// OutcomeKind enumerates the closed set of fetch outcomes.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeError
	OutcomeRedirect
)

// Outcome is one of Success{Response}, Error{Err} or Redirect{Target}.
type Outcome struct {
	Kind     OutcomeKind
	Response *Response
	Err      error
	Target   string
}

// Success wraps a completed response.
func Success(resp *Response) Outcome {
	return Outcome{Kind: OutcomeSuccess, Response: resp}
}

// Failure wraps a terminal error.
func Failure(err error) Outcome {
	return Outcome{Kind: OutcomeError, Err: err}
}

// Redirect records a forwarding hop.
func Redirect(target string) Outcome {
	return Outcome{Kind: OutcomeRedirect, Target: target}
}

// FetchRequest captures what the network capability needs for one attempt.
type FetchRequest struct {
	URL           string
	UserAgent     string
	Timeout       time.Duration
	RedirectLimit int
	Headers       http.Header
}
