package robots

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
)

// Mode selects what Retrieve returns when no fresh policy is known.
type Mode int

const (
	// ModeNothing returns nil for absent or expired policies.
	ModeNothing Mode = iota
	// ModePermissive returns an allow-everything policy instead.
	ModePermissive
	// ModeExpiredOrPermissive returns the expired policy when one is known,
	// otherwise an allow-everything policy.
	ModeExpiredOrPermissive
)

// Config controls policy lifetimes and the fetch requests the cache builds.
type Config struct {
	UserAgent    string
	TTL          time.Duration
	FailureTTL   time.Duration
	FetchTimeout time.Duration
	// Ignore disables robots handling; every host is treated as permissive.
	Ignore bool
}

// Cache holds parsed policies per host. A host has at most one pending fetch.
type Cache struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.Mutex
	policies map[string]*Policy
	pending  map[string]*FetchTask
}

// NewCache builds an empty Cache.
func NewCache(cfg Config, clock crawler.Clock, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = 10 * time.Minute
	}
	return &Cache{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		policies: make(map[string]*Policy),
		pending:  make(map[string]*FetchTask),
	}
}

// Ignored reports whether robots handling is switched off.
func (c *Cache) Ignored() bool {
	return c.cfg.Ignore
}

// Retrieve returns the policy for host according to mode.
func (c *Cache) Retrieve(host string, mode Mode) *Policy {
	host = strings.ToLower(host)
	if c.cfg.Ignore {
		return Permissive(host, c.cfg.UserAgent)
	}
	c.mu.Lock()
	p := c.policies[host]
	c.mu.Unlock()

	if p.Fresh(c.clock.Now()) {
		return p
	}
	switch mode {
	case ModePermissive:
		return Permissive(host, c.cfg.UserAgent)
	case ModeExpiredOrPermissive:
		if p != nil {
			return p
		}
		return Permissive(host, c.cfg.UserAgent)
	default:
		return nil
	}
}

// Pending reports whether a fetch for host is outstanding.
func (c *Cache) Pending(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[strings.ToLower(host)]
	return ok
}

// RequestFetch marks host pending and returns the task that will fetch its
// robots file. It returns nil when a fetch is already pending or a fresh
// policy exists.
func (c *Cache) RequestFetch(scheme, host string) *FetchTask {
	host = strings.ToLower(host)
	if c.cfg.Ignore {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[host]; ok {
		return nil
	}
	if c.policies[host].Fresh(c.clock.Now()) {
		return nil
	}
	if scheme == "" {
		scheme = "http"
	}
	task := &FetchTask{cache: c, host: host, url: scheme + "://" + host + "/robots.txt"}
	c.pending[host] = task
	return task
}

// Commit stores a policy built from a fetch result and clears the pending
// mark. Status 401/403 denies everything, 200 is parsed and any other status
// leaves the host unrestricted.
func (c *Cache) Commit(host string, status int, body []byte) *Policy {
	host = strings.ToLower(host)
	now := c.clock.Now()
	var (
		p      *Policy
		result string
	)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		p = DenyAll(host, c.cfg.UserAgent, now, c.cfg.TTL)
		result = "deny_all"
	case status == http.StatusOK:
		parsed, err := Parse(host, c.cfg.UserAgent, body, now, c.cfg.TTL)
		if err != nil {
			c.logger.Warn("robots parse failed; denying host", zap.String("host", host), zap.Error(err))
			p = DenyAll(host, c.cfg.UserAgent, now, c.cfg.FailureTTL)
			result = "parse_error"
		} else {
			p = parsed
			result = "parsed"
		}
	default:
		p = newPolicy(host, c.cfg.UserAgent, nil, now, c.cfg.TTL)
		result = "empty"
	}
	c.store(host, p)
	metrics.ObserveRobotsFetch(result)
	c.logger.Info("robots policy committed",
		zap.String("host", host),
		zap.Int("status", status),
		zap.String("result", result),
	)
	return p
}

// CommitFailure stores a deny-all policy for a fetch that produced no usable
// status, so the host cannot wedge.
func (c *Cache) CommitFailure(host string, err error) *Policy {
	host = strings.ToLower(host)
	p := DenyAll(host, c.cfg.UserAgent, c.clock.Now(), c.cfg.FailureTTL)
	c.store(host, p)
	metrics.ObserveRobotsFetch("failed")
	c.logger.Warn("robots fetch failed; denying host",
		zap.String("host", host),
		zap.Error(&crawler.RobotsFetchError{Host: host, Err: err}),
	)
	return p
}

func (c *Cache) store(host string, p *Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[host] = p
	delete(c.pending, host)
}

// FetchTask is the single in-flight robots fetch for a host. It is a
// crawler.Handler whose terminal callback commits exactly once.
type FetchTask struct {
	cache *Cache
	host  string
	url   string

	once sync.Once
}

// Host is the host whose policy the task fetches.
func (t *FetchTask) Host() string { return t.host }

// URL is the robots file location.
func (t *FetchTask) URL() string { return t.url }

// Request builds the fetch request for the task.
func (t *FetchTask) Request(defaults crawler.RequestDefaults) (*crawler.Request, error) {
	defaults.MaxRetries = 0
	if t.cache.cfg.FetchTimeout > 0 {
		defaults.Timeout = t.cache.cfg.FetchTimeout
	}
	req, err := crawler.NewRequest(t.url, t, defaults)
	if err != nil {
		return nil, err
	}
	req.Kind = crawler.KindRobots
	return req, nil
}

// Commit records a status and body exactly once; later calls are ignored.
func (t *FetchTask) Commit(status int, body []byte) {
	t.once.Do(func() {
		t.cache.Commit(t.host, status, body)
	})
}

// Fail records a deny-all policy exactly once.
func (t *FetchTask) Fail(err error) {
	t.once.Do(func() {
		t.cache.CommitFailure(t.host, err)
	})
}

// OnStatus implements crawler.Handler.
func (*FetchTask) OnStatus(*crawler.Request, string, int) {}

// OnHeaders implements crawler.Handler.
func (*FetchTask) OnHeaders(*crawler.Request, string, http.Header) {}

// OnRedirect implements crawler.Handler.
func (*FetchTask) OnRedirect(*crawler.Request, string, string) {}

// OnSuccess implements crawler.Handler.
func (t *FetchTask) OnSuccess(_ *crawler.Request, resp *crawler.Response) {
	t.Commit(resp.StatusCode, resp.Body)
}

// OnError implements crawler.Handler. A completed response with an error
// status is committed by status; anything else is a fetch failure.
func (t *FetchTask) OnError(_ *crawler.Request, err error) {
	var httpErr *crawler.HTTPError
	if errors.As(err, &httpErr) {
		t.Commit(httpErr.StatusCode, nil)
		return
	}
	t.Fail(err)
}

// OnDone implements crawler.Handler and clears the pending mark if neither
// OnSuccess nor OnError committed.
func (t *FetchTask) OnDone(*crawler.Request) {
	t.Fail(errors.New("robots fetch finished without a result"))
}
