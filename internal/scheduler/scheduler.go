// Package scheduler composes the politeness queue, admission control and the
// robots cache into a single Pop/Done loop.
//
// Requests wait in per-domain FIFOs. A domain key sits in the politeness queue
// until its crawl delay elapses; Pop then admits the head of its FIFO, fetching
// the host's robots file first when no fresh policy is known. Locks are always
// taken in the order queueMu, pqMu, timerMu.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/admission"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/politeness"
	"github.com/JakeFAU/polite-fetch/internal/queue/memory"
	"github.com/JakeFAU/polite-fetch/internal/robots"
)

// Config holds the scheduler knobs. They are fixed for its lifetime.
type Config struct {
	DefaultDelay time.Duration
	RecheckDelay time.Duration
	GrowBatch    int
	FleetPacing  bool
	Defaults     crawler.RequestDefaults
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Queued    int64 `json:"queued"`
	Retrying  int64 `json:"retrying"`
	Backlog   int   `json:"backlog"`
	InFlight  int   `json:"in_flight"`
	Domains   int   `json:"domains"`
	Scheduled int   `json:"scheduled"`
}

// Remaining counts requests not yet finished.
func (s Stats) Remaining() int64 {
	return s.Queued + s.Retrying + int64(s.Backlog) + int64(s.InFlight)
}

// Scheduler decides which request runs next.
type Scheduler struct {
	cfg       Config
	admission *admission.Controller
	robots    *robots.Cache
	backlog   *memory.Queue
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger

	queueMu sync.Mutex
	fifos   map[string][]*crawler.Request

	pqMu sync.Mutex
	pq   *politeness.Queue

	timerMu  sync.Mutex
	timer    crawler.Timer
	timerAt  time.Time
	timerGen uint64

	retryMu    sync.Mutex
	retryReady []*crawler.Request

	wake chan struct{}

	processed atomic.Int64
	queued    atomic.Int64
	retrying  atomic.Int64
}

// New wires a Scheduler.
func New(
	cfg Config,
	adm *admission.Controller,
	robotsCache *robots.Cache,
	backlog *memory.Queue,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) (*Scheduler, error) {
	if adm == nil || robotsCache == nil || backlog == nil {
		return nil, errors.New("admission, robots cache and backlog are required")
	}
	if clock == nil || ids == nil {
		return nil, errors.New("clock and id generator are required")
	}
	if cfg.RecheckDelay <= 0 {
		return nil, fmt.Errorf("recheck delay must be > 0, got %s", cfg.RecheckDelay)
	}
	if cfg.DefaultDelay < 0 {
		return nil, fmt.Errorf("default delay must be >= 0, got %s", cfg.DefaultDelay)
	}
	if cfg.GrowBatch <= 0 {
		cfg.GrowBatch = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		admission: adm,
		robots:    robotsCache,
		backlog:   backlog,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		fifos:     make(map[string][]*crawler.Request),
		pq:        politeness.New(),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Wake fires whenever new work may be servable.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}

// Push queues req under its domain key. A request whose host already has a
// fresh policy forbidding it is finished with ErrDisallowed right away and the
// error is returned.
func (s *Scheduler) Push(ctx context.Context, req *crawler.Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	if err := s.Prepare(req); err != nil {
		return err
	}
	if !s.robots.Ignored() {
		if p := s.robots.Retrieve(req.Host(), robots.ModeNothing); p != nil && !p.Allowed(req.Path()) {
			s.logger.Debug("request disallowed at push", zap.String("url", req.Target()))
			s.Complete(ctx, req, nil, crawler.ErrDisallowed)
			return crawler.ErrDisallowed
		}
	}

	key := req.DomainKey
	s.queueMu.Lock()
	s.fifos[key] = append(s.fifos[key], req)
	s.queued.Add(1)
	s.pqMu.Lock()
	if s.pq.State(key) == politeness.Absent {
		s.pq.Push(key, s.clock.Now())
	}
	s.pqMu.Unlock()
	s.queueMu.Unlock()

	s.signal()
	return nil
}

// Enqueue parks req in the bounded backlog. It blocks while the backlog is
// full.
func (s *Scheduler) Enqueue(ctx context.Context, req *crawler.Request) error {
	if err := s.Prepare(req); err != nil {
		return err
	}
	if err := s.backlog.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue backlog: %w", err)
	}
	s.signal()
	return nil
}

// Prepare fills in the id, domain key, handler and enqueue time of req when
// they are unset.
func (s *Scheduler) Prepare(req *crawler.Request) error {
	if req.DomainKey == "" {
		key, err := crawler.DomainKey(req.Target())
		if err != nil {
			return err
		}
		req.DomainKey = key
	}
	if req.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		req.ID = id
	}
	if req.Handler == nil {
		req.Handler = crawler.HandlerFuncs{}
	}
	if req.Enqueued.IsZero() {
		req.Enqueued = s.clock.Now()
	}
	return nil
}

// Pop returns the next admitted request, or nil when nothing is servable yet.
// The returned request holds a pool slot and a domain admission until Retry or
// Done. A timer or completion signals Wake when work may be available again.
func (s *Scheduler) Pop(ctx context.Context) (*crawler.Request, error) {
	s.grow(ctx, s.cfg.GrowBatch)

	if req, err := s.popRetry(ctx); req != nil || err != nil {
		return req, err
	}
	if !s.admission.AcquireSlot() {
		return nil, nil
	}
	for {
		s.pqMu.Lock()
		key, ready, ok := s.pq.Peek()
		if !ok {
			s.pqMu.Unlock()
			s.admission.ReleaseSlot()
			return nil, nil
		}
		if ready.After(s.clock.Now()) {
			s.arm(ready)
			s.pqMu.Unlock()
			s.admission.ReleaseSlot()
			return nil, nil
		}
		s.pq.Pop()
		s.pqMu.Unlock()

		req, err := s.serve(ctx, key)
		if req != nil {
			return req, nil
		}
		if err != nil {
			s.admission.ReleaseSlot()
			return nil, err
		}
	}
}

// serve works on one popped domain key, which is in flight for the duration.
// A nil request with a nil error means the caller should look at the next key.
func (s *Scheduler) serve(ctx context.Context, key string) (*crawler.Request, error) {
	var disallowed []*crawler.Request
	defer func() {
		for _, req := range disallowed {
			s.Complete(ctx, req, nil, crawler.ErrDisallowed)
		}
	}()

	for {
		s.queueMu.Lock()
		fifo := s.fifos[key]
		if len(fifo) == 0 {
			delete(s.fifos, key)
			s.pqMu.Lock()
			if s.admission.LocalInFlight(key) == 0 {
				if err := s.pq.ClearPlaceholder(key); err != nil {
					s.logger.Error("placeholder race", zap.String("key", key), zap.Error(err))
				}
			} else {
				s.pushLocked(key, s.clock.Now().Add(s.cfg.RecheckDelay))
			}
			s.pqMu.Unlock()
			s.queueMu.Unlock()
			return nil, nil
		}
		head := fifo[0]
		s.queueMu.Unlock()

		admissionID, err := s.ids.NewID()
		if err != nil {
			s.push(key, s.clock.Now().Add(s.cfg.RecheckDelay))
			return nil, fmt.Errorf("admission id: %w", err)
		}
		admitted, err := s.admission.TryAdmit(ctx, key, admissionID)
		if err != nil || !admitted {
			s.logger.Debug("admission rejected", zap.String("key", key), zap.Error(err))
			s.push(key, s.clock.Now().Add(s.cfg.RecheckDelay))
			return nil, err
		}

		delay := s.cfg.DefaultDelay
		if !s.robots.Ignored() {
			policy := s.robots.Retrieve(head.Host(), robots.ModeNothing)
			if policy == nil {
				robotsReq, wait := s.startRobots(ctx, key, head, admissionID)
				if robotsReq != nil {
					return robotsReq, nil
				}
				if wait {
					return nil, nil
				}
				continue
			}
			if !policy.Allowed(head.Path()) {
				s.queueMu.Lock()
				s.dequeueLocked(key)
				s.queueMu.Unlock()
				s.release(ctx, key, admissionID)
				disallowed = append(disallowed, head)
				continue
			}
			delay = policy.Delay(s.cfg.DefaultDelay)
		}

		if s.cfg.FleetPacing {
			paced, err := s.admission.Pace(ctx, key, admissionID, delay)
			if err != nil || !paced {
				s.release(ctx, key, admissionID)
				s.push(key, s.clock.Now().Add(s.cfg.RecheckDelay))
				return nil, err
			}
		}

		s.queueMu.Lock()
		req := s.dequeueLocked(key)
		s.pqMu.Lock()
		s.pushLocked(key, s.clock.Now().Add(delay))
		s.pqMu.Unlock()
		s.queueMu.Unlock()

		req.OriginalKey = key
		req.MarkAdmitted(admissionID)
		s.logger.Debug("dequeued request",
			zap.String("id", req.ID),
			zap.String("url", req.Target()),
			zap.Duration("next_in", delay),
		)
		return req, nil
	}
}

// startRobots hands the admission held for key to a robots fetch for head's
// host. When another fetch for the host is pending, the admission is given back,
// key is rescheduled after the recheck delay and wait is true. The pending fetch
// may belong to a different key, so its completion cannot be relied on to wake
// this one.
func (s *Scheduler) startRobots(
	ctx context.Context,
	key string,
	head *crawler.Request,
	admissionID string,
) (req *crawler.Request, wait bool) {
	host := head.Host()
	task := s.robots.RequestFetch(head.Scheme(), host)
	if task == nil {
		s.release(ctx, key, admissionID)
		if !s.robots.Pending(host) {
			return nil, false
		}
		s.push(key, s.clock.Now().Add(s.cfg.RecheckDelay))
		return nil, true
	}
	robotsReq, err := task.Request(s.cfg.Defaults)
	if err == nil {
		robotsReq.ID, err = s.ids.NewID()
	}
	if err != nil {
		s.logger.Warn("robots request build failed", zap.String("host", host), zap.Error(err))
		task.Fail(err)
		s.release(ctx, key, admissionID)
		return nil, false
	}
	robotsReq.DomainKey = key
	robotsReq.OriginalKey = key
	robotsReq.Enqueued = s.clock.Now()
	robotsReq.MarkAdmitted(admissionID)
	s.logger.Debug("fetching robots", zap.String("host", host), zap.String("url", task.URL()))
	return robotsReq, false
}

func (s *Scheduler) dequeueLocked(key string) *crawler.Request {
	fifo := s.fifos[key]
	req := fifo[0]
	fifo[0] = nil
	s.fifos[key] = fifo[1:]
	s.queued.Add(-1)
	return req
}

// Retry gives back req's slot and admission and re-admits it after the delay
// without waiting behind the politeness queue.
func (s *Scheduler) Retry(ctx context.Context, req *crawler.Request, after time.Duration) {
	s.retrying.Add(1)
	s.releaseRequest(ctx, req)
	s.clock.AfterFunc(after, func() {
		s.retryMu.Lock()
		s.retryReady = append(s.retryReady, req)
		s.retryMu.Unlock()
		s.signal()
	})
	s.logger.Debug("retry scheduled",
		zap.String("id", req.ID),
		zap.Int("retry", req.RetryCount),
		zap.Duration("after", after),
	)
}

func (s *Scheduler) popRetry(ctx context.Context) (*crawler.Request, error) {
	s.retryMu.Lock()
	if len(s.retryReady) == 0 {
		s.retryMu.Unlock()
		return nil, nil
	}
	req := s.retryReady[0]
	s.retryReady = s.retryReady[1:]
	s.retryMu.Unlock()

	requeue := func() {
		s.retryMu.Lock()
		s.retryReady = append([]*crawler.Request{req}, s.retryReady...)
		s.retryMu.Unlock()
	}
	if !s.admission.AcquireSlot() {
		requeue()
		return nil, nil
	}
	key := admissionKey(req)
	admissionID, err := s.ids.NewID()
	if err != nil {
		s.admission.ReleaseSlot()
		requeue()
		return nil, fmt.Errorf("admission id: %w", err)
	}
	admitted, err := s.admission.TryAdmit(ctx, key, admissionID)
	if err != nil || !admitted {
		s.admission.ReleaseSlot()
		requeue()
		s.pqMu.Lock()
		s.arm(s.clock.Now().Add(s.cfg.RecheckDelay))
		s.pqMu.Unlock()
		return nil, err
	}
	s.retrying.Add(-1)
	req.MarkAdmitted(admissionID)
	return req, nil
}

// Done finishes bookkeeping for req: it returns the slot and admission and, for
// a robots fetch, reschedules the domain that was waiting on it.
func (s *Scheduler) Done(ctx context.Context, req *crawler.Request) {
	s.releaseRequest(ctx, req)
	if req.Kind == crawler.KindRobots {
		policy := s.robots.Retrieve(req.Host(), robots.ModeExpiredOrPermissive)
		delay := policy.Delay(s.cfg.DefaultDelay)
		s.push(admissionKey(req), s.clock.Now().Add(delay))
		s.logger.Debug("robots fetch done", zap.String("host", req.Host()), zap.Duration("delay", delay))
	} else {
		s.processed.Add(1)
		stats := s.Stats()
		s.logger.Debug("request done",
			zap.String("id", req.ID),
			zap.Int64("processed", stats.Processed),
			zap.Int64("remaining", stats.Remaining()),
			zap.Int("in_flight", stats.InFlight),
		)
	}
	s.signal()
}

func (s *Scheduler) releaseRequest(ctx context.Context, req *crawler.Request) {
	admissionID, ok := req.TakeAdmission()
	if !ok {
		return
	}
	s.release(ctx, admissionKey(req), admissionID)
	s.admission.ReleaseSlot()
}

func (s *Scheduler) release(ctx context.Context, key, admissionID string) {
	left, err := s.admission.Release(ctx, key, admissionID)
	if err != nil {
		s.logger.Error("admission release failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Debug("admission released", zap.String("key", key), zap.Int("left", left))
}

// Stats snapshots the counters.
func (s *Scheduler) Stats() Stats {
	s.pqMu.Lock()
	domains, scheduled := s.pq.Len(), s.pq.ScheduledLen()
	s.pqMu.Unlock()
	return Stats{
		Processed: s.processed.Load(),
		Queued:    s.queued.Load(),
		Retrying:  s.retrying.Load(),
		Backlog:   s.backlog.Len(),
		InFlight:  s.admission.InFlight(),
		Domains:   domains,
		Scheduled: scheduled,
	}
}

// Idle reports whether nothing is queued, waiting or running.
func (s *Scheduler) Idle() bool {
	return s.Stats().Remaining() == 0
}

// Close disarms the politeness timer.
func (s *Scheduler) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// grow moves up to upto requests from the backlog while fewer domains than
// pool slots are known.
func (s *Scheduler) grow(ctx context.Context, upto int) {
	for i := 0; i < upto; i++ {
		s.pqMu.Lock()
		known := s.pq.Len()
		s.pqMu.Unlock()
		if known >= s.admission.PoolSize() {
			return
		}
		req, ok := s.backlog.TryDequeue()
		if !ok {
			return
		}
		if err := s.Push(ctx, req); err != nil && !errors.Is(err, crawler.ErrDisallowed) {
			s.logger.Error("backlog push failed", zap.String("url", req.Target()), zap.Error(err))
			s.Complete(ctx, req, nil, err)
		}
	}
}

func (s *Scheduler) push(key string, at time.Time) {
	s.pqMu.Lock()
	defer s.pqMu.Unlock()
	s.pushLocked(key, at)
}

// pushLocked requires pqMu.
func (s *Scheduler) pushLocked(key string, at time.Time) {
	s.pq.Push(key, at)
	if at.After(s.clock.Now()) {
		s.arm(at)
		return
	}
	s.signal()
}

// arm keeps one timer pointed at the earliest known ready time. Requires pqMu.
func (s *Scheduler) arm(at time.Time) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil && !s.timerAt.After(at) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timerAt = at
	s.timer = s.clock.AfterFunc(at.Sub(s.clock.Now()), func() {
		s.timerMu.Lock()
		if s.timerGen == gen {
			s.timer = nil
		}
		s.timerMu.Unlock()
		s.signal()
	})
	s.logger.Debug("timer armed", zap.Time("at", at))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func admissionKey(req *crawler.Request) string {
	if req.OriginalKey != "" {
		return req.OriginalKey
	}
	return req.DomainKey
}
