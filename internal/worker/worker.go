// Package worker runs single fetch attempts for requests handed out by the
// scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-fetch/internal/cache"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/metrics"
	"github.com/JakeFAU/polite-fetch/internal/retry"
	"github.com/JakeFAU/polite-fetch/internal/telemetry"
)

// Scheduler is the part of the scheduler a worker reports back to.
type Scheduler interface {
	Retry(ctx context.Context, req *crawler.Request, after time.Duration)
	Complete(ctx context.Context, req *crawler.Request, resp *crawler.Response, err error)
}

// Config controls Worker behavior.
type Config struct {
	UserAgent string
}

// Worker executes fetch attempts.
type Worker struct {
	network crawler.Network
	cache   *cache.Cache
	retry   *retry.Engine
	sched   Scheduler
	tracer  trace.Tracer
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. respCache and tracer may be nil.
func New(
	network crawler.Network,
	respCache *cache.Cache,
	engine *retry.Engine,
	sched Scheduler,
	tracer trace.Tracer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if engine == nil {
		engine = retry.NewEngine(retry.Config{})
	}
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		network: network,
		cache:   respCache,
		retry:   engine,
		sched:   sched,
		tracer:  tracer,
		cfg:     cfg,
		logger:  logger,
	}
}

// Process runs one attempt of req and hands the request back to the
// scheduler, either for a retry or for completion.
func (w *Worker) Process(ctx context.Context, req *crawler.Request) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic: %v", r)
			w.logger.Error("attempt panicked", zap.String("id", req.ID), zap.Error(err))
			w.sched.Complete(ctx, req, nil, err)
		}
	}()

	ctx, span := telemetry.StartAttemptSpan(ctx, w.tracer, req)
	defer span.End()
	metrics.ObserveAttempt(req.Kind.String())
	start := time.Now()

	resp, err := w.attempt(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.RecordAttempt(ctx, req.Kind.String(), outcome, time.Since(start))

	if err == nil {
		w.sched.Complete(ctx, req, resp, nil)
		return
	}
	action := w.retry.OnFailure(req, err)
	if action.Retry {
		metrics.ObserveRetry()
		w.logger.Info("attempt failed; retrying",
			zap.String("id", req.ID),
			zap.String("url", req.Target()),
			zap.Int("retry", req.RetryCount),
			zap.Int("max_retries", req.MaxRetries),
			zap.Duration("after", action.After),
			zap.Error(err),
		)
		w.sched.Retry(ctx, req, action.After)
		return
	}
	w.logger.Debug("attempt failed", zap.String("id", req.ID), zap.String("url", req.Target()), zap.Error(err))
	w.sched.Complete(ctx, req, resp, err)
}

func (w *Worker) attempt(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if w.network == nil {
		return nil, errors.New("no network configured")
	}
	var respCache *cache.Cache
	if req.Kind == crawler.KindPage {
		respCache = w.cache
	}
	rec := cache.NewRecorder(ctx, respCache, req.Target(), crawler.RequestHooks{Request: req}, w.logger)

	attemptCtx, cancel := req.AttemptContext(ctx)
	defer cancel()
	resp, err := w.network.Fetch(attemptCtx, crawler.FetchRequest{
		URL:           req.Target(),
		UserAgent:     w.cfg.UserAgent,
		Timeout:       req.Timeout,
		RedirectLimit: req.RedirectLimit,
		Headers:       req.Headers,
	}, rec)
	if cause := req.Preempted(); cause != nil {
		resp, err = nil, fmt.Errorf("%s: %w", req.Target(), cause)
	}
	rec.Finish(resp, err)
	if resp != nil {
		req.Cached = rec.AllHit()
	}
	return resp, err
}
