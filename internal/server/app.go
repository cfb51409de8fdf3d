// Package server builds the long-lived services from configuration and runs
// them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/polite-fetch/internal/admission"
	"github.com/JakeFAU/polite-fetch/internal/api"
	"github.com/JakeFAU/polite-fetch/internal/auth"
	"github.com/JakeFAU/polite-fetch/internal/cache"
	"github.com/JakeFAU/polite-fetch/internal/clock/system"
	"github.com/JakeFAU/polite-fetch/internal/config"
	"github.com/JakeFAU/polite-fetch/internal/coordination"
	filecoord "github.com/JakeFAU/polite-fetch/internal/coordination/file"
	memorycoord "github.com/JakeFAU/polite-fetch/internal/coordination/memory"
	pgcoord "github.com/JakeFAU/polite-fetch/internal/coordination/postgres"
	rediscoord "github.com/JakeFAU/polite-fetch/internal/coordination/redis"
	"github.com/JakeFAU/polite-fetch/internal/crawler"
	"github.com/JakeFAU/polite-fetch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/polite-fetch/internal/fetcher/colly"
	"github.com/JakeFAU/polite-fetch/internal/hash/sha256"
	"github.com/JakeFAU/polite-fetch/internal/id/uuid"
	"github.com/JakeFAU/polite-fetch/internal/policy/blocklist"
	"github.com/JakeFAU/polite-fetch/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-fetch/internal/publisher"
	pgpublisher "github.com/JakeFAU/polite-fetch/internal/publisher/postgres"
	gcppublisher "github.com/JakeFAU/polite-fetch/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/polite-fetch/internal/queue/memory"
	"github.com/JakeFAU/polite-fetch/internal/retry"
	"github.com/JakeFAU/polite-fetch/internal/robots"
	"github.com/JakeFAU/polite-fetch/internal/scheduler"
	pubsubsource "github.com/JakeFAU/polite-fetch/internal/source/pubsub"
	blobstore "github.com/JakeFAU/polite-fetch/internal/storage"
	gcsstorage "github.com/JakeFAU/polite-fetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/polite-fetch/internal/storage/local"
	"github.com/JakeFAU/polite-fetch/internal/telemetry"
	"github.com/JakeFAU/polite-fetch/internal/worker"
)

// Options adjusts the build for a particular command.
type Options struct {
	// StopWhenDone overrides scheduler.stop_when_done.
	StopWhenDone bool
	// WithSource starts the Pub/Sub source when one is configured.
	WithSource bool
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	coord     coordination.Store
	backlog   *queuememory.Queue
	sched     *scheduler.Scheduler
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	source    *pubsubsource.Source

	telemetry    *telemetry.Providers
	gcs          *storage.Client
	pubsubClient *pubsub.Client
	resultTopic  *gcppublisher.Publisher
	resultStore  *pgpublisher.ResultStore
}

// Build creates the application's dependencies. Close releases them.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("pool_size", cfg.Scheduler.PoolSize),
		zap.Int("per_domain_max", cfg.Scheduler.PerDomainMax),
		zap.String("coordination", cfg.Coordination.Backend),
	)
	if err := app.build(ctx, opts); err != nil {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	var err error
	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:      a.cfg.Tracing.Enabled,
		ServiceName:  a.cfg.Tracing.ServiceName,
		OTLPEndpoint: a.cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: a.cfg.Tracing.OTLPInsecure,
	}, a.logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}

	if a.coord, err = setupCoordination(ctx, a.cfg.Coordination, a.logger); err != nil {
		return err
	}
	adm, err := admission.New(admission.Config{
		PoolSize:      a.cfg.Scheduler.PoolSize,
		MaxPerDomain:  a.cfg.Scheduler.PerDomainMax,
		TTL:           a.cfg.Scheduler.AdmissionTTL,
		OnUnavailable: admission.UnavailableMode(a.cfg.Coordination.OnUnavailable),
	}, a.coord, a.clock, a.logger.Named("admission"))
	if err != nil {
		return fmt.Errorf("admission init failed: %w", err)
	}

	robotsCache := robots.NewCache(robots.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		TTL:          a.cfg.Robots.TTL,
		FailureTTL:   a.cfg.Robots.FailureTTL,
		FetchTimeout: a.cfg.Robots.FetchTimeout,
		Ignore:       a.cfg.Scheduler.IgnoreRobots,
	}, a.clock, a.logger.Named("robots"))

	a.backlog = queuememory.NewQueue(a.cfg.Scheduler.BacklogDepth)
	a.sched, err = scheduler.New(scheduler.Config{
		DefaultDelay: a.cfg.Scheduler.DefaultDelay,
		RecheckDelay: a.cfg.Scheduler.RecheckDelay,
		GrowBatch:    a.cfg.Scheduler.GrowBatch,
		FleetPacing:  a.cfg.Coordination.FleetPacing,
		Defaults:     a.cfg.RequestDefaults(),
	}, adm, robotsCache, a.backlog, a.clock, a.ids, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	respCache, err := a.setupCache(ctx)
	if err != nil {
		return err
	}

	network := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		Timeout:       a.cfg.HTTP.Timeout,
		RedirectLimit: a.cfg.HTTP.RedirectLimit,
		MaxBodySize:   a.cfg.HTTP.MaxBodyBytes,
		Credentials:   credentials(a.cfg.Auth),
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))

	engine := retry.NewEngine(retry.Config{
		MaxDelay: a.cfg.HTTP.BackoffMax,
		Jitter:   a.cfg.HTTP.BackoffJitter,
	})
	w := worker.New(network, respCache, engine, a.sched, telemetry.Tracer(),
		worker.Config{UserAgent: a.cfg.HTTP.UserAgent}, a.logger.Named("worker"))

	limiter := ratelimit.New(ratelimit.Config{RPS: a.cfg.Scheduler.MaxDispatchRPS})
	blocked := blocklist.New(a.cfg.Scheduler.BlockedDomains)
	if blocked.Len() > 0 {
		a.logger.Info("domain blocklist active", zap.Int("patterns", blocked.Len()))
	}
	a.dispatch = dispatcher.New(a.sched, w, respCache, limiter, dispatcher.Config{
		StopWhenDone: opts.StopWhenDone || a.cfg.Scheduler.StopWhenDone,
		Blocklist:    blocked,
	}, a.logger.Named("dispatcher"))

	if err := a.setupResults(ctx, opts); err != nil {
		return err
	}

	var cacheChecker api.CacheChecker
	if respCache != nil {
		cacheChecker = respCache
	}
	tracker := api.NewTracker(a.clock, 0)
	a.apiServer = api.NewServer(
		&publishingSubmitter{app: a, ctx: context.WithoutCancel(ctx)},
		a.sched,
		tracker,
		a.ids,
		api.Config{
			APIKey:   a.cfg.Server.APIKey,
			Defaults: a.cfg.RequestDefaults(),
			Ready:    a.ready,
			Cache:    cacheChecker,
		},
		a.logger.Named("api"),
	)

	if opts.WithSource && a.cfg.Source.Subscription != "" {
		sub := a.pubsubClient.Subscription(a.cfg.Source.Subscription)
		a.source = pubsubsource.New(sub, a.dispatch,
			func(ctx context.Context, _ *crawler.Request) crawler.Handler {
				return a.ResultHandler(context.WithoutCancel(ctx), nil)
			},
			pubsubsource.Config{
				Defaults:       a.cfg.RequestDefaults(),
				MaxOutstanding: a.cfg.Source.MaxOutstanding,
			},
			a.logger.Named("source"),
		)
		a.logger.Info("pubsub source configured",
			zap.String("project", a.cfg.Source.ProjectID),
			zap.String("subscription", a.cfg.Source.Subscription),
		)
	}
	return nil
}

func setupCoordination(ctx context.Context, cfg config.CoordinationConfig, logger *zap.Logger) (coordination.Store, error) {
	switch cfg.Backend {
	case "file":
		logger.Info("using file coordination store", zap.String("dir", cfg.FileDir))
		store, err := filecoord.New(filecoord.Config{Dir: cfg.FileDir})
		if err != nil {
			return nil, fmt.Errorf("file coordination init failed: %w", err)
		}
		return store, nil
	case "redis":
		logger.Info("using redis coordination store", zap.String("addr", cfg.RedisAddr))
		store, err := rediscoord.New(ctx, rediscoord.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis coordination init failed: %w", err)
		}
		return store, nil
	case "postgres":
		logger.Info("using postgres coordination store", zap.String("table", cfg.PostgresTable))
		store, err := pgcoord.New(ctx, pgcoord.Config{
			DSN:   cfg.PostgresDSN,
			Table: cfg.PostgresTable,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres coordination init failed: %w", err)
		}
		return store, nil
	default:
		logger.Info("using in-process coordination store")
		return memorycoord.New(), nil
	}
}

func (a *App) setupCache(ctx context.Context) (*cache.Cache, error) {
	if !a.cfg.Cache.Enabled {
		a.logger.Info("response cache disabled")
		return nil, nil
	}
	var (
		store blobstore.Provider
		err   error
	)
	switch a.cfg.Cache.Backend {
	case "gcs":
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err = gcsstorage.New(a.gcs, gcsstorage.Config{
			Bucket: a.cfg.Cache.GCSBucket,
			Prefix: a.cfg.Cache.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs cache store init failed: %w", err)
		}
		a.logger.Info("using GCS response cache", zap.String("bucket", a.cfg.Cache.GCSBucket))
	default:
		store, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Cache.BasePath})
		if err != nil {
			return nil, fmt.Errorf("local cache store init failed: %w", err)
		}
		a.logger.Info("using local response cache", zap.String("path", a.cfg.Cache.BasePath))
	}
	respCache, err := cache.New(cache.Config{
		PrefixSegments: a.cfg.Cache.PrefixSegments,
		PartialChain:   cache.PartialChain(a.cfg.Cache.PartialChain),
	}, store, sha256.New(), a.clock, a.logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("response cache init failed: %w", err)
	}
	return respCache, nil
}

func (a *App) setupResults(ctx context.Context, opts Options) error {
	src := a.cfg.Source
	needsClient := src.ResultTopic != "" || (opts.WithSource && src.Subscription != "")
	if needsClient {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, src.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
	}
	if src.ResultTopic != "" {
		a.resultTopic = gcppublisher.New(a.pubsubClient.Topic(src.ResultTopic))
		a.logger.Info("publishing results to Pub/Sub",
			zap.String("project", src.ProjectID),
			zap.String("topic", src.ResultTopic),
		)
	}
	if a.cfg.Results.PostgresDSN != "" {
		var err error
		a.resultStore, err = pgpublisher.New(ctx, pgpublisher.Config{
			DSN:   a.cfg.Results.PostgresDSN,
			Table: a.cfg.Results.Table,
		})
		if err != nil {
			return fmt.Errorf("result store init failed: %w", err)
		}
		a.logger.Info("recording results in Postgres", zap.String("table", a.cfg.Results.Table))
	}
	return nil
}

func credentials(cfg config.AuthConfig) *auth.Registry {
	if len(cfg.Credentials) == 0 {
		return nil
	}
	reg := auth.NewRegistry()
	for _, c := range cfg.Credentials {
		reg.Register(c.Host, c.Realm, c.Username, c.Password)
	}
	return reg
}

// ResultHandler wraps next with the configured result publishers.
func (a *App) ResultHandler(ctx context.Context, next crawler.Handler) crawler.Handler {
	h := next
	if a.resultStore != nil {
		h = publisher.Handler(ctx, a.resultStore, a.cfg.Results.Table, a.clock, h, a.logger.Named("results"))
	}
	if a.resultTopic != nil {
		h = publisher.Handler(ctx, a.resultTopic, a.cfg.Source.ResultTopic, a.clock, h, a.logger.Named("results"))
	}
	if h == nil {
		h = crawler.HandlerFuncs{}
	}
	return h
}

type publishingSubmitter struct {
	app *App
	ctx context.Context
}

func (s *publishingSubmitter) Submit(ctx context.Context, req *crawler.Request) error {
	req.Handler = s.app.ResultHandler(s.ctx, req.Handler)
	if err := s.app.dispatch.Submit(ctx, req); err != nil {
		return fmt.Errorf("submit %s: %w", req.URL, err)
	}
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if _, err := a.coord.Cardinality(ctx, crawler.KeyString("readyz")); err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	return nil
}

// Dispatcher exposes the dispatch loop.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Scheduler exposes scheduler counters.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Clock is the clock shared by all components.
func (a *App) Clock() crawler.Clock {
	return a.clock
}

// Defaults are the configured per-request knobs.
func (a *App) Defaults() crawler.RequestDefaults {
	return a.cfg.RequestDefaults()
}

// Serve runs the dispatcher, the HTTP API and the optional source until ctx
// ends or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           telemetry.WrapHandler(a.apiServer.Handler(), a.telemetry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		return a.dispatch.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if a.source != nil {
		g.Go(func() error {
			return a.source.Run(gctx)
		})
	}
	return g.Wait()
}

// Close releases infrastructure in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.sched != nil {
		a.sched.Close()
	}
	if a.backlog != nil {
		a.backlog.Close()
	}
	if a.resultTopic != nil {
		a.resultTopic.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.resultStore != nil {
		a.resultStore.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.coord != nil {
		if err := a.coord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("coordination close: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
