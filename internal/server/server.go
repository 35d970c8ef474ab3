// Package server builds every jobstream dependency from configuration and runs the service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/api"
	"github.com/JakeFAU/jobstream/internal/clock/system"
	"github.com/JakeFAU/jobstream/internal/config"
	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/dispatcher"
	"github.com/JakeFAU/jobstream/internal/enrich"
	apifetcher "github.com/JakeFAU/jobstream/internal/fetcher/api"
	collyfetcher "github.com/JakeFAU/jobstream/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/jobstream/internal/fetcher/headless"
	"github.com/JakeFAU/jobstream/internal/hash/sha256"
	"github.com/JakeFAU/jobstream/internal/id/uuid"
	"github.com/JakeFAU/jobstream/internal/listing"
	"github.com/JakeFAU/jobstream/internal/logging"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/persist"
	"github.com/JakeFAU/jobstream/internal/policy/ratelimit"
	"github.com/JakeFAU/jobstream/internal/proxy"
	memorypublisher "github.com/JakeFAU/jobstream/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobstream/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/jobstream/internal/queue/memory"
	archive "github.com/JakeFAU/jobstream/internal/storage"
	gcsstorage "github.com/JakeFAU/jobstream/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jobstream/internal/storage/local"
	memoryStorage "github.com/JakeFAU/jobstream/internal/storage/memory"
	pgstore "github.com/JakeFAU/jobstream/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/jobstream/internal/storage/sqlite"
	"github.com/JakeFAU/jobstream/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Option supplies collaborators that live outside this module.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	enricher  enrich.Enricher
	extractor headlessfetcher.Extractor
}

// WithLogger uses logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEnricher turns on LLM enrichment, gated by the budget ledger.
func WithEnricher(e enrich.Enricher) Option {
	return func(o *options) {
		o.enricher = e
	}
}

// WithExtractor supplies the site adapter the headless tier hands rendered pages to.
func WithExtractor(e headlessfetcher.Extractor) Option {
	return func(o *options) {
		o.extractor = e
	}
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	persist   *persist.Queue
	runner    *worker.Runner
	guard     *costguard.Guard
	validator *proxy.Validator
	listings  listing.Store
	runs      listing.RunStore
	ids       *uuid.Generator

	pool          *pgxpool.Pool
	sqlite        *sqlitestore.Store
	storageClient *storage.Client
	pubsub        *gcppublisher.Publisher
	ready         map[string]api.ReadinessCheck
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		ready:  map[string]api.ReadinessCheck{},
	}
	app.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("budget_ledger", cfg.Budget.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Int("feeds", len(cfg.Feeds)),
		zap.Int("apis", len(cfg.APIs)),
	)

	built := false
	defer func() {
		if !built {
			app.closeInfrastructure()
		}
	}()

	if err := app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err := app.setupStores(ctx); err != nil {
		return nil, err
	}
	archiver, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupBudget(ctx); err != nil {
		return nil, err
	}
	app.validator = proxy.NewValidator(
		proxy.WithTarget(cfg.Proxy.Target),
		proxy.WithTimeout(time.Duration(cfg.Proxy.TimeoutSeconds)*time.Second),
		proxy.WithLogger(logger),
	)
	app.persist = persist.New(cfg.Persist.Concurrency, persist.WithLogger(logger))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		HostRPS:      cfg.RateLimit.HostRPS,
	})

	headless, headlessErr := app.headlessFactory(o.extractor, limiter)
	deps := worker.Deps{
		Sources:             app.buildSources(limiter),
		Headless:            headless,
		HeadlessUnavailable: headlessErr,
		Proxies:             app.validator,
		Store:               app.listings,
		Publisher:           publisher,
		Persist:             app.persist,
		Clock:               system.New(),
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	if o.enricher != nil {
		deps.Gate = enrich.NewGate(app.guard, o.enricher, cfg.Budget.Provider, logger)
		app.logger.Info("llm enrichment enabled", zap.String("provider", cfg.Budget.Provider))
	}
	app.runner, err = worker.NewRunner(deps, worker.Config{
		SourceTimeout:   cfg.SourceTimeout(),
		HeadlessTimeout: cfg.HeadlessTimeout(),
		SkipThreshold:   cfg.Headless.SkipThreshold,
		SeedLimit:       cfg.Dedup.SeedLimit,
		Topic:           cfg.PubSub.TopicName,
		ProxyURLs:       cfg.Proxy.URLs,
		RequireProxy:    cfg.Headless.RequireProxy,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Runner.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Runner.Workers)
	for i := 0; i < cfg.Runner.Workers; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.runs,
			app.runner,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, app.runs, app.ids, system.New(), workers, logger)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Deps{
		Submitter: app.dispatch,
		Runs:      app.runs,
		Listings:  app.listings,
		Guard:     app.guard,
		Persist:   app.persist,
		Proxies:   app.validator,
		ProxyURLs: cfg.Proxy.URLs,
		Ready:     app.ready,
	}, api.Options{APIKey: apiKey, RequestTimeout: cfg.RequestTimeout()}, logger)

	built = true
	return app, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Guard returns the LLM spend ledger.
func (a *App) Guard() *costguard.Guard { return a.guard }

// DailySpend reports today's ledger totals and verdict for provider, defaulting to the configured one.
func (a *App) DailySpend(ctx context.Context, provider string) (costguard.DailySpend, costguard.Verdict) {
	if provider == "" {
		provider = a.cfg.Budget.Provider
	}
	return a.guard.GetDailySpend(ctx, provider), a.guard.IsBudgetExceeded(ctx, provider)
}

// CheckProxies probes urls, or the configured pool when urls is empty, and returns the pool that was
// checked and its healthy members.
func (a *App) CheckProxies(ctx context.Context, urls []string) ([]string, []string) {
	if len(urls) == 0 {
		urls = a.cfg.Proxy.URLs
	}
	return urls, a.validator.Validate(ctx, urls)
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Crawl runs one query synchronously, outside the queue, and records it in the run store.
func (a *App) Crawl(ctx context.Context, query listing.Query) (worker.RunResult, error) {
	id, err := a.ids.NewID()
	if err != nil {
		return worker.RunResult{}, fmt.Errorf("new run id: %w", err)
	}
	now := time.Now().UTC()
	if err := a.runs.CreateRun(ctx, listing.Run{ID: id, Query: query, Status: listing.RunStatusQueued, Submitted: now}); err != nil {
		return worker.RunResult{}, fmt.Errorf("create run: %w", err)
	}
	if err := a.runs.UpdateRun(ctx, id, listing.RunStatusRunning, "", nil); err != nil {
		a.logger.Warn("mark run running failed", zap.String("run_id", id), zap.Error(err))
	}
	res, runErr := a.runner.Run(ctx, id, query)

	status, errText := listing.RunStatusSucceeded, ""
	if runErr != nil {
		status, errText = listing.RunStatusFailed, runErr.Error()
	}
	metrics.ObserveRun(string(status))
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	summary := res.Summary
	if err := a.runs.UpdateRun(finCtx, id, status, errText, &summary); err != nil {
		a.logger.Warn("record run result failed", zap.String("run_id", id), zap.Error(err))
	}
	return res, runErr
}

// Run starts the workers and the HTTP server and blocks until ctx ends or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	<-dispatchDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close waits for pending persistence and releases every client.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var drainErr error
	if a.persist != nil {
		if err := a.persist.Drain(ctx); err != nil {
			drainErr = err
			a.logger.Warn("persistence queue not drained", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return drainErr
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite store close failed", zap.Error(err))
		}
		a.sqlite = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if !a.cfg.UsesPostgres() {
		return nil
	}
	pool, err := pgstore.Connect(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.ready["postgres"] = func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		return nil
	}
	a.logger.Info("postgres pool initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		listings, err := pgstore.NewListingStore(a.pool, "")
		if err != nil {
			return fmt.Errorf("listing store init failed: %w", err)
		}
		if err := listings.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("listing store schema: %w", err)
		}
		runs, err := pgstore.NewRunStore(a.pool, "")
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		if err := runs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("run store schema: %w", err)
		}
		a.listings, a.runs = listings, runs
		a.logger.Info("using postgres listing and run stores")
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.sqlite = store
		a.listings = store
		a.runs = memoryStorage.NewRunStore()
		a.ready["sqlite"] = func(ctx context.Context) error {
			if _, err := store.Count(ctx); err != nil {
				return fmt.Errorf("count listings: %w", err)
			}
			return nil
		}
		a.logger.Info("using sqlite listing store", zap.String("path", a.cfg.Storage.SQLitePath))
	default:
		a.listings = memoryStorage.NewListingStore()
		a.runs = memoryStorage.NewRunStore()
		a.logger.Info("using in-memory listing store")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	var blobs listing.BlobStore
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		store, err := gcsstorage.New(client, a.cfg.Archive.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		blobs = store
		a.logger.Info("archiving listings to GCS", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
	case config.BackendLocal:
		store, err := localstorage.New(a.cfg.Archive.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
		a.logger.Info("archiving listings locally", zap.String("path", a.cfg.Archive.Local.BaseDir))
	case config.BackendMemory:
		blobs = memoryStorage.NewBlobStore()
		a.logger.Info("archiving listings in memory")
	default:
		a.logger.Info("listing archive disabled")
		return nil, nil
	}
	archiver, err := archive.NewArchiver(blobs, sha256.New(), a.cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	return archiver, nil
}

func (a *App) setupPublisher(ctx context.Context) (listing.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub, err := gcppublisher.New(client, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	topic := a.cfg.PubSub.TopicName
	a.ready["pubsub"] = func(ctx context.Context) error {
		return pub.CheckTopic(ctx, topic)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", topic),
	)
	return pub, nil
}

func (a *App) setupBudget(ctx context.Context) error {
	var store costguard.StateStore
	switch a.cfg.Budget.Backend {
	case config.BackendPostgres:
		var opts []pgstore.LedgerOption
		opts = append(opts, pgstore.WithLedgerLogger(a.logger))
		if a.cfg.Budget.LockFile {
			opts = append(opts, pgstore.WithAdvisoryLock())
		}
		ledger, err := pgstore.NewLedgerStore(a.pool, "", opts...)
		if err != nil {
			return fmt.Errorf("ledger store init failed: %w", err)
		}
		if err := ledger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ledger store schema: %w", err)
		}
		store = ledger
	case config.BackendFile:
		var opts []costguard.FileOption
		if a.cfg.Budget.LockFile {
			opts = append(opts, costguard.WithFileLock())
		}
		store = costguard.NewFileStore(a.cfg.Budget.File, opts...)
	default:
		store = costguard.NewMemoryStore()
	}
	a.guard = costguard.New(store, costguard.Config{
		DailyLimitUSD: a.cfg.Budget.DailyUSD,
		Prices:        a.cfg.Budget.Prices,
	}, costguard.WithLogger(a.logger))
	a.logger.Info("budget ledger ready",
		zap.String("backend", a.cfg.Budget.Backend),
		zap.Float64("daily_limit_usd", a.cfg.Budget.DailyUSD),
	)
	return nil
}

func (a *App) buildSources(limiter *ratelimit.Limiter) []listing.Source {
	sources := make([]listing.Source, 0, len(a.cfg.Feeds)+len(a.cfg.APIs))
	feedCfg := collyfetcher.Config{
		UserAgent: a.cfg.Feed.UserAgent,
		Timeout:   time.Duration(a.cfg.Feed.TimeoutSeconds) * time.Second,
	}
	for _, feed := range a.cfg.Feeds {
		sources = append(sources, collyfetcher.New(feed, feedCfg, a.logger))
	}
	for _, apiCfg := range a.cfg.APIs {
		sources = append(sources, apifetcher.New(apiCfg, limiter, a.logger))
	}
	if len(sources) == 0 {
		a.logger.Warn("no cheap-tier sources configured")
	}
	return sources
}

// headlessFactory returns nil for a disabled tier. A tier that is enabled but cannot run yields
// ErrNotConfigured instead of a factory.
func (a *App) headlessFactory(
	extractor headlessfetcher.Extractor,
	limiter *ratelimit.Limiter,
) (worker.HeadlessFactory, error) {
	hc := a.cfg.Headless
	if !hc.Enabled {
		return nil, nil
	}
	if extractor == nil || len(hc.StartURLs) == 0 {
		a.logger.Warn("headless tier enabled without an extractor or start URLs; escalations will fail fast")
		return nil, headlessfetcher.ErrNotConfigured
	}
	logger := a.logger
	return func(proxyURL string, paid bool) (worker.HeadlessSource, error) {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			Name:              "headless",
			StartURLs:         hc.StartURLs,
			MaxParallel:       hc.MaxParallel,
			UserAgent:         hc.UserAgent,
			NavigationTimeout: time.Duration(hc.NavTimeoutSeconds) * time.Second,
			ProxyURL:          proxyURL,
			UsingPaidProxy:    paid,
		}, extractor, limiter, logger)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		return f, nil
	}, nil
}
