// Package server builds the crawl application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/adaptive"
	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/autoscale"
	"github.com/JakeFAU/crawl-orchestrator/internal/blob"
	"github.com/JakeFAU/crawl-orchestrator/internal/blob/gcs"
	"github.com/JakeFAU/crawl-orchestrator/internal/blob/local"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/events"
	collyfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/headless"
	restyfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/resty"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/kvstore"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-orchestrator/internal/progress/sinks"
	"github.com/JakeFAU/crawl-orchestrator/internal/proxy"
	memorypublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue"
	"github.com/JakeFAU/crawl-orchestrator/internal/session"
	"github.com/JakeFAU/crawl-orchestrator/internal/stats"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/filesystem"
	memorystorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	pgstorage "github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	registry *prometheus.Registry

	telemetry    *telemetry.Providers
	storage      *storage.Manager
	kv           *kvstore.Store
	queue        *queue.Queue
	dataset      *dataset.Dataset
	sessions     *session.Pool
	autoscaler   *autoscale.Autoscaler
	stats        *stats.Statistics
	bus          *events.Bus
	headless     *headlessfetcher.Fetcher
	progressHub  *progress.Hub
	publisher    crawler.Publisher
	closePublish func() error
	blob         crawler.BlobStore
	closeBlob    func() error
	outcomes     *dataset.Dataset
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
}

// Build creates the application's dependencies. The router carries the
// request handlers; it may be nil for commands that never crawl.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, router *orchestrator.Router) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		registry: prometheus.NewRegistry(),
		bus:      events.New(logger),
	}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	a.logger.Info("building application dependencies", zap.String("run_id", runID))
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, a.registry); err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	if err = a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.setupBlob(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx); err != nil {
		return nil, err
	}
	if err = a.setupCrawlState(ctx); err != nil {
		return nil, err
	}
	if router != nil {
		if err = a.setupOrchestrator(router); err != nil {
			return nil, err
		}
	}
	if err = a.setupAPI(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var client storage.Client
	switch a.cfg.Storage.Backend {
	case config.BackendFilesystem:
		c, err := filesystem.New(filesystem.Config{Dir: a.cfg.Storage.Dir}, filesystem.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("filesystem storage init failed: %w", err)
		}
		client = c
		a.logger.Info("using filesystem storage backend", zap.String("dir", a.cfg.Storage.Dir))
	case config.BackendPostgres:
		c, err := pgstorage.New(ctx, pgstorage.Config{
			DSN:         a.cfg.Storage.DSN,
			MaxConns:    a.cfg.Storage.MaxConns,
			AutoMigrate: a.cfg.Storage.AutoMigrate,
		}, pgstorage.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("postgres storage init failed: %w", err)
		}
		client = c
		a.logger.Info("using postgres storage backend")
	default:
		client = memorystorage.NewClient()
		a.logger.Info("using in-memory storage backend")
	}
	a.storage = storage.NewManager(client, storage.ManagerConfig{PurgeOnStart: a.cfg.Storage.PurgeOnStart}, a.logger)

	var err error
	if a.kv, err = kvstore.Open(ctx, a.storage, storage.OpenOptions{}); err != nil {
		return fmt.Errorf("open key/value store: %w", err)
	}
	if a.dataset, err = dataset.Open(ctx, a.storage, storage.OpenOptions{Name: a.cfg.Storage.Dataset}, a.logger); err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	return nil
}

func (a *App) setupBlob(ctx context.Context) error {
	store, closeFn, err := blob.Open(ctx, blob.Config{
		Backend: a.cfg.Export.Backend,
		Local:   local.Config{BaseDir: a.cfg.Export.Dir},
		GCS:     gcs.Config{Bucket: a.cfg.Export.Bucket, Prefix: a.cfg.Export.Prefix},
	})
	if err != nil {
		return err
	}
	a.blob, a.closeBlob = store, closeFn
	a.logger.Info("blob store ready", zap.String("backend", a.cfg.Export.Backend))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no pub/sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
	} else {
		pub, err := gcppublisher.Dial(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			Topic:     a.cfg.PubSub.Topic,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher, a.closePublish = pub, pub.Close
		a.logger.Info("pub/sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}

	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	sinks := []progress.Sink{promSink}
	if a.cfg.Storage.OutcomeLog != "" {
		a.outcomes, err = dataset.Open(ctx, a.storage, storage.OpenOptions{Name: a.cfg.Storage.OutcomeLog}, a.logger)
		if err != nil {
			return fmt.Errorf("open outcome log: %w", err)
		}
		sinks = append(sinks, progresssinks.NewDatasetSink(a.outcomes))
	}
	sinks = append(sinks,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		// Per-request start events stay local; subscribers get outcomes.
		progress.Filter(progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.Topic),
			progress.StageRunStart, progress.StageRunDone,
			progress.StageRequestDone, progress.StageRequestRetry, progress.StageRequestFailed,
			progress.StageScale, progress.StageSessionRetired,
		),
	)
	a.progressHub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinks...)
	return nil
}

func (a *App) setupCrawlState(ctx context.Context) error {
	var err error
	a.queue, err = queue.Open(ctx, a.storage, storage.OpenOptions{Name: a.cfg.Queue.Name}, a.cfg.Queue.Config,
		queue.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("open request queue: %w", err)
	}

	poolOpts := []session.Option{
		session.WithLogger(a.logger),
		session.WithRetireHook(func(s *session.Session, reason string) {
			a.progressHub.Emit(progress.Event{
				RunID:     a.runID,
				TS:        time.Now(),
				Stage:     progress.StageSessionRetired,
				SessionID: s.ID,
				Note:      reason,
			})
		}),
	}
	if len(a.cfg.Proxy.URLs) > 0 {
		rotator, err := proxy.New(a.cfg.Proxy.URLs)
		if err != nil {
			return fmt.Errorf("proxy rotator: %w", err)
		}
		poolOpts = append(poolOpts, session.WithProxies(rotator))
	}
	if a.cfg.Session.Persist {
		poolOpts = append(poolOpts, session.WithStore(a.kv))
	}
	if a.sessions, err = session.New(ctx, a.cfg.Session.Config, poolOpts...); err != nil {
		return fmt.Errorf("session pool: %w", err)
	}

	snap := autoscale.NewSnapshotter(a.cfg.Snapshot, autoscale.SystemSampler{}, a.logger)
	if a.autoscaler, err = autoscale.New(a.cfg.Concurrency, snap, a.logger); err != nil {
		return fmt.Errorf("autoscaler: %w", err)
	}

	if a.stats, err = stats.New(ctx, a.cfg.Statistics, stats.WithStore(a.kv), stats.WithLogger(a.logger)); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	return nil
}

func (a *App) fetchers() (crawler.Fetcher, crawler.Fetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS:   a.cfg.Fetch.PerHostRPS,
		PerHostBurst: a.cfg.Fetch.PerHostBurst,
		Logger:       a.logger,
	})
	var static crawler.Fetcher
	switch a.cfg.Fetch.Engine {
	case config.EngineResty:
		static = restyfetcher.New(restyfetcher.Config{
			UserAgent:    a.cfg.Fetch.UserAgent,
			Timeout:      a.cfg.Fetch.Timeout,
			MaxRedirects: a.cfg.Fetch.MaxRedirects,
			Logger:       a.logger,
		})
	default:
		static = collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Fetch.UserAgent,
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       a.cfg.Fetch.Timeout,
			MaxBodyBytes:  a.cfg.Fetch.MaxBodyBytes,
			Logger:        a.logger,
		})
	}
	a.logger.Info("static fetcher ready",
		zap.String("engine", a.cfg.Fetch.Engine),
		zap.String("user_agent", a.cfg.Fetch.UserAgent),
	)
	if !a.cfg.Headless.Enabled {
		return ratelimit.Wrap(static, limiter), nil, nil
	}
	h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetch.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
		SettleDelay:       a.cfg.Headless.SettleDelay,
		Logger:            a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = h
	a.logger.Info("headless fetcher ready", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return ratelimit.Wrap(static, limiter), ratelimit.Wrap(h, limiter), nil
}

func (a *App) setupOrchestrator(router *orchestrator.Router) error {
	static, dynamic, err := a.fetchers()
	if err != nil {
		return err
	}
	selector, err := adaptive.NewSelector(a.cfg.Adaptive, nil, nil)
	if err != nil {
		return fmt.Errorf("path selector: %w", err)
	}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithProgress(a.progressHub),
		orchestrator.WithBus(a.bus),
		orchestrator.WithOnFailed(func(_ context.Context, req *crawler.Request, err error) {
			a.logger.Warn("request failed permanently",
				zap.String("request_id", req.ID),
				zap.String("url", req.URL),
				zap.Int("retry_count", req.RetryCount),
				zap.Error(err),
			)
		}),
	}
	if a.cfg.Archive.Enabled {
		opts = append(opts, orchestrator.WithBodyArchive(a.blob, sha256.New(), a.cfg.Archive.Prefix))
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		RunID:               a.runID,
		MaxRequestsPerCrawl: a.cfg.Queue.MaxRequestsPerCrawl,
		PersistInterval:     a.cfg.Statistics.PersistInterval,
	}, orchestrator.Deps{
		Queue:      a.queue,
		Sessions:   a.sessions,
		Autoscaler: a.autoscaler,
		Stats:      a.stats,
		Router:     router,
		Static:     static,
		Dynamic:    dynamic,
		Selector:   selector,
		Blocks:     session.NewBlockDetector(a.cfg.Session.BlockConfig),
		Dataset:    a.dataset,
	}, opts...)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

func (a *App) setupAPI() error {
	if !a.cfg.Server.Enabled {
		return nil
	}
	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return fmt.Errorf("http metrics: %w", err)
	}
	a.apiServer = api.NewServer(api.Config{
		APIKey:  a.cfg.Server.APIKey,
		Timeout: a.cfg.Server.Timeout,
	}, api.Deps{
		Queue:       a.queue,
		Stats:       a.stats,
		Autoscaler:  a.autoscaler,
		Sessions:    a.sessions,
		Dataset:     a.dataset,
		Gatherer:    a.registry,
		HTTPMetrics: httpMetrics,
	}, a.logger.Named("api"))
	return nil
}

// RunID identifies this process's run.
func (a *App) RunID() string { return a.runID }

// Dataset is the dataset handlers push into.
func (a *App) Dataset() *dataset.Dataset { return a.dataset }

// Outcomes is the outcome log, or nil when storage.outcome_log is unset.
func (a *App) Outcomes() *dataset.Dataset { return a.outcomes }

// Queue is the run's request queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Stats is the run's statistics.
func (a *App) Stats() *stats.Statistics { return a.stats }

// Blob is the export and archive store.
func (a *App) Blob() crawler.BlobStore { return a.blob }

// Bus carries lifecycle events such as Migrating.
func (a *App) Bus() *events.Bus { return a.bus }

// Seed enqueues the configured seeds, forefront ones first. It returns how
// many were new to the queue.
func (a *App) Seed(ctx context.Context, seeds []config.Seed) (int, error) {
	front, back := partitionSeeds(seeds)
	added := 0
	for _, group := range []struct {
		seeds     []config.Seed
		forefront bool
	}{{front, true}, {back, false}} {
		if len(group.seeds) == 0 {
			continue
		}
		reqs, err := config.Requests(group.seeds)
		if err != nil {
			return added, err
		}
		res, err := a.queue.AddBatch(ctx, reqs, group.forefront)
		if err != nil {
			return added, fmt.Errorf("enqueue seeds: %w", err)
		}
		for _, r := range res {
			if !r.WasAlreadyPresent {
				added++
			}
		}
	}
	a.logger.Info("seeds enqueued", zap.Int("seeds", len(seeds)), zap.Int("added", added))
	return added, nil
}

func partitionSeeds(seeds []config.Seed) (front, back []config.Seed) {
	for _, s := range seeds {
		if s.Forefront {
			front = append(front, s)
		} else {
			back = append(back, s)
		}
	}
	return front, back
}

// Crawl serves the API (when enabled) and runs the orchestrator until the
// queue is finished or ctx ends.
func (a *App) Crawl(ctx context.Context) (stats.Summary, error) {
	if a.orchestrator == nil {
		return stats.Summary{}, errors.New("application built without handlers")
	}
	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				serveErr <- err
			}
		}()
		a.apiServer.SetReady(true)
	}

	summary, err := a.orchestrator.Run(ctx)

	if srv != nil {
		a.apiServer.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("server shutdown error", zap.Error(serr))
		}
		select {
		case serr := <-serveErr:
			err = errors.Join(err, fmt.Errorf("http server: %w", serr))
		default:
		}
	}
	return summary, err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.closePublish != nil {
		if err := a.closePublish(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if a.closeBlob != nil {
		if err := a.closeBlob(); err != nil {
			errs = append(errs, fmt.Errorf("blob store: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.bus.Close()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
