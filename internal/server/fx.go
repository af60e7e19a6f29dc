// Package server builds the application's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/api"
	"github.com/JakeFAU/site-archiver/internal/archive"
	"github.com/JakeFAU/site-archiver/internal/clock/system"
	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/dispatcher"
	"github.com/JakeFAU/site-archiver/internal/extractor"
	collyfetcher "github.com/JakeFAU/site-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/site-archiver/internal/id/uuid"
	"github.com/JakeFAU/site-archiver/internal/logging"
	"github.com/JakeFAU/site-archiver/internal/merge"
	"github.com/JakeFAU/site-archiver/internal/metrics"
	"github.com/JakeFAU/site-archiver/internal/pipeline"
	kafkapublisher "github.com/JakeFAU/site-archiver/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/site-archiver/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-archiver/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/site-archiver/internal/queue/memory"
	"github.com/JakeFAU/site-archiver/internal/render/headless"
	gcsstorage "github.com/JakeFAU/site-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-archiver/internal/storage/local"
	memoryStorage "github.com/JakeFAU/site-archiver/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-archiver/internal/storage/postgres"
	redisstore "github.com/JakeFAU/site-archiver/internal/storage/redis"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	jobStore  crawler.JobStore

	renderer      *headless.Renderer
	storage       *storage.Client
	pubsub        *gcppublisher.Publisher
	kafka         *kafkapublisher.Publisher
	redisStore    *redisstore.JobStore
	postgresStore *pgstore.JobStore
	artifactsDir  string
	ready         api.ReadyFunc

	closeOnce sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Log only non-sensitive config fields.
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Storage    string `json:"storage"`
		JobStore   string `json:"jobstore"`
		Publisher  string `json:"publisher"`
		Renderer   string `json:"renderer"`
		MaxJobs    int    `json:"max_jobs"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Storage:    cfg.Storage.Backend,
		JobStore:   cfg.JobStore.Backend,
		Publisher:  cfg.Publisher.Backend,
		Renderer:   cfg.Render.Backend,
		MaxJobs:    cfg.Pipeline.MaxJobs,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the dispatcher and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("max_jobs", a.cfg.Pipeline.MaxJobs))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone

	return a.Close(shutdownCtx)
}

// RunOnce archives seed without starting the HTTP server and returns the
// finished job. The returned error is the job's failure cause.
func (a *App) RunOnce(ctx context.Context, seed string) (crawler.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-dispatchDone
	}()

	task, err := a.dispatch.Submit(ctx, seed)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("submit %s: %w", seed, err)
	}
	a.logger.Info("job started", zap.String("job_id", task.JobID()), zap.String("url", seed))

	runErr := task.Wait(ctx)
	job, err := a.jobStore.GetJob(context.WithoutCancel(ctx), task.JobID())
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", task.JobID(), err)
	}
	return job, runErr
}

// Close gracefully shuts down the application. Safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("kafka publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis job store close failed", zap.Error(err))
		}
	}
	if a.postgresStore != nil {
		a.postgresStore.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	artifacts, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	a.jobStore, err = setupJobStore(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	renderer, err := setupRenderer(a)
	if err != nil {
		return err
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Jobs:      a.jobStore,
		Crawler:   setupCrawler(a),
		Renderer:  renderer,
		Merger:    merge.New(),
		Archiver:  archive.NewZip(a.cfg.Pipeline.ZipLevel),
		Artifacts: artifacts,
		Publisher: publisher,
		Clock:     system.New(),
	}, pipeline.Config{
		Topic:                 a.cfg.Pipeline.Topic,
		IsolateRenderFailures: a.cfg.Pipeline.IsolateRenderFailures,
	}, a.logger.Named("pipeline"))
	a.logger.Info("pipeline config",
		zap.String("topic", a.cfg.Pipeline.Topic),
		zap.Bool("isolate_render_failures", a.cfg.Pipeline.IsolateRenderFailures),
		zap.Int("zip_level", a.cfg.Pipeline.ZipLevel),
	)

	a.queue = queueMemory.NewQueue(a.cfg.Pipeline.MaxJobs)
	a.dispatch = dispatcher.New(
		a.queue,
		a.jobStore,
		orchestrator,
		uuid.NewUUIDGenerator(),
		system.New(),
		dispatcher.Config{MaxJobs: a.cfg.Pipeline.MaxJobs},
		a.logger.Named("dispatcher"),
	)

	a.apiServer = api.NewServer(
		a.jobStore,
		a.dispatch,
		*a.cfg,
		api.Options{ArtifactsDir: a.artifactsDir, Ready: a.ready},
		a.logger.Named("api"),
	)
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.ArtifactStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCS.Bucket,
			Prefix: app.cfg.Storage.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.ready = blobStore.CheckBucket
		app.logger.Debug("GCS storage backend",
			zap.String("bucket", app.cfg.Storage.GCS.Bucket),
			zap.String("prefix", app.cfg.Storage.GCS.Prefix),
		)
		return blobStore, nil
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.artifactsDir = blobStore.BaseDir()
		app.logger.Debug("local storage backend", zap.String("path", app.artifactsDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupJobStore(ctx context.Context, app *App) (crawler.JobStore, error) {
	switch app.cfg.JobStore.Backend {
	case "redis":
		rc := app.cfg.JobStore.Redis
		store, err := redisstore.NewJobStore(redisstore.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
			TTL:      time.Duration(rc.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("redis job store init failed: %w", err)
		}
		app.redisStore = store
		app.logger.Info("using redis job store", zap.String("addr", rc.Addr), zap.String("prefix", rc.Prefix))
		return store, nil
	case "postgres":
		pc := app.cfg.JobStore.Postgres
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:             pc.DSN,
			Table:           pc.Table,
			MaxConns:        pc.MaxConns,
			MinConns:        pc.MinConns,
			MaxConnLifetime: pc.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		app.postgresStore = store
		app.logger.Info("using postgres job store", zap.String("table", pc.Table))
		return store, nil
	default:
		app.logger.Info("using in-memory job store")
		return memoryStorage.NewJobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	switch app.cfg.Publisher.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, app.cfg.Publisher.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsub = gcppublisher.New(client)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.Publisher.PubSub.ProjectID),
			zap.String("topic", app.cfg.Pipeline.Topic),
		)
		return app.pubsub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:      app.cfg.Publisher.Kafka.Brokers,
			BatchTimeout: time.Duration(app.cfg.Publisher.Kafka.BatchTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.kafka = pub
		app.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", app.cfg.Publisher.Kafka.Brokers),
			zap.String("topic", app.cfg.Pipeline.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("using in-memory publisher", zap.Int("retention", memorypublisher.DefaultRetention))
		return memorypublisher.New(memorypublisher.DefaultRetention), nil
	default:
		app.logger.Info("job event publishing disabled")
		return nil, nil
	}
}

func setupRenderer(app *App) (crawler.Renderer, error) {
	if app.cfg.Render.Backend == "noop" {
		app.logger.Warn("PDF rendering disabled, every job will fail at render")
		return headless.NewNoop(), nil
	}
	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel: app.cfg.Render.MaxParallel,
		UserAgent:   app.cfg.Crawler.UserAgent,
		Timeout:     app.cfg.RenderTimeout(),
		Settle:      app.cfg.RenderSettle(),
		NoSandbox:   app.cfg.Render.NoSandbox,
	}, app.logger.Named("renderer"))
	if err != nil {
		return nil, fmt.Errorf("renderer init failed: %w", err)
	}
	app.renderer = renderer
	app.logger.Info("using chromedp renderer",
		zap.Int("max_parallel", app.cfg.Render.MaxParallel),
		zap.Duration("timeout", app.cfg.RenderTimeout()),
	)
	return renderer, nil
}

func setupCrawler(app *App) *crawler.SiteCrawler {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: app.cfg.Crawler.UserAgent,
		Timeout:   app.cfg.FetchTimeout(),
	})
	siteCfg := crawler.SiteConfig{
		BatchSize:   app.cfg.Crawler.BatchSize,
		MaxInFlight: app.cfg.Crawler.MaxInFlight,
		MaxPages:    app.cfg.Crawler.MaxPages,
	}
	app.logger.Info("crawler config",
		zap.Int("batch_size", siteCfg.BatchSize),
		zap.Int("max_in_flight", siteCfg.MaxInFlight),
		zap.Int("max_pages", siteCfg.MaxPages),
		zap.Duration("fetch_timeout", app.cfg.FetchTimeout()),
	)
	return crawler.NewSiteCrawler(
		fetcher,
		extractor.New(),
		siteCfg,
		metrics.FetchObserver{},
		app.logger.Named("crawler"),
	)
}
