// Package server assembles the firescrape service from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/firescrape/internal/api"
	"github.com/JakeFAU/firescrape/internal/auth"
	"github.com/JakeFAU/firescrape/internal/clock/system"
	"github.com/JakeFAU/firescrape/internal/config"
	"github.com/JakeFAU/firescrape/internal/dispatcher"
	"github.com/JakeFAU/firescrape/internal/firecrawl"
	"github.com/JakeFAU/firescrape/internal/hash/sha256"
	"github.com/JakeFAU/firescrape/internal/id/uuid"
	"github.com/JakeFAU/firescrape/internal/logging"
	"github.com/JakeFAU/firescrape/internal/metrics"
	"github.com/JakeFAU/firescrape/internal/policy/ratelimit"
	"github.com/JakeFAU/firescrape/internal/policy/retry"
	"github.com/JakeFAU/firescrape/internal/progress"
	progresssinks "github.com/JakeFAU/firescrape/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/firescrape/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/firescrape/internal/publisher/pubsub"
	"github.com/JakeFAU/firescrape/internal/scrape"
	gcsstorage "github.com/JakeFAU/firescrape/internal/storage/gcs"
	localstorage "github.com/JakeFAU/firescrape/internal/storage/local"
	memorystorage "github.com/JakeFAU/firescrape/internal/storage/memory"
	pgstore "github.com/JakeFAU/firescrape/internal/storage/postgres"
	"github.com/JakeFAU/firescrape/internal/stream"
	"github.com/JakeFAU/firescrape/internal/telemetry"
)

// defaultTopic receives run notifications when no Pub/Sub topic is set.
const defaultTopic = "firescrape-runs"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	runStore    scrape.RunStore
	pgStore     *pgstore.RunStore
	bus         stream.Bus
	redisClient *redis.Client
	progressHub *progress.Hub

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client

	tracerShutdown func(context.Context) error
}

// Options override process-wide collaborators, mainly for tests.
type Options struct {
	// Registerer receives lifecycle collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	// HTTPClient is used for Firecrawl calls; nil uses a fresh client.
	HTTPClient *http.Client
	// Logger replaces the configured logger when set.
	Logger *zap.Logger
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return runErr
}

// Close releases infrastructure in reverse order of construction.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

//nolint:gocognit // Shutdown logic is linear but extensive.
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("stream bus close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() // stderr sync fails on some platforms
}

// ready is the readiness probe: every remote dependency must answer.
func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		if err := a.pgStore.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("bus", cfg.Stream.Bus),
		zap.String("auth", cfg.Auth.Mode),
	)

	metrics.Init()
	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setup(ctx, opts); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) setup(ctx context.Context, opts Options) error {
	clock := system.New()
	ids := uuid.New()

	if err := a.setupRunStore(ctx, ids, clock); err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(opts.Registerer, publisher, topic)
	if err != nil {
		return err
	}
	if err := a.setupBus(ctx); err != nil {
		return err
	}
	if err := a.setupDispatcher(opts.HTTPClient, clock, blobStore, emitter); err != nil {
		return err
	}

	authenticator, err := auth.New(a.cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init failed: %w", err)
	}
	a.apiServer, err = api.NewServer(api.Deps{
		Store:      a.runStore,
		Dispatcher: a.dispatch,
		Auth:       authenticator,
		Bus:        a.bus,
		Progress:   emitter,
		Ready:      a.ready,
		Logger:     a.logger.Named("api"),
	}, api.Options{
		Limits:              scrape.Limits{MaxTimeoutMs: a.cfg.MaxTimeoutMs()},
		RequestTimeout:      a.cfg.Server.RequestTimeout,
		ObservePollInterval: a.cfg.Stream.ObservePollInterval,
	})
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	return nil
}

func (a *App) setupRunStore(ctx context.Context, ids scrape.IDGenerator, clock scrape.Clock) error {
	if a.cfg.Store.Backend != "postgres" {
		a.logger.Info("using in-memory run store")
		a.runStore = memorystorage.NewRunStore(ids, clock)
		return nil
	}
	if a.cfg.DB.MigrateOnStart {
		if err := pgstore.Migrate(a.cfg.DB.DSN, pgstore.MigrateUp, 0, a.logger.Named("migrate")); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}
	store, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	}, ids, clock)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.pgStore = store
	a.runStore = store
	a.logger.Info("postgres run store initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) (scrape.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	case "memory":
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("result archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, string, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), defaultTopic, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.New(a.pubsubClient)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.pubsubPublisher, a.cfg.PubSub.Topic, nil
}

func (a *App) setupProgress(reg prometheus.Registerer, publisher scrape.Publisher, topic string) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewPublishSink(publisher, topic, a.logger),
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:    a.cfg.Progress.BufferSize,
		MaxBatch:      a.cfg.Progress.MaxBatch,
		FlushInterval: a.cfg.Progress.FlushInterval,
		SinkTimeout:   a.cfg.Progress.SinkTimeout,
		Logger:        a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("flush_interval", hubCfg.FlushInterval),
	)
	return a.progressHub, nil
}

func (a *App) setupBus(ctx context.Context) error {
	if a.cfg.Stream.Bus != "redis" {
		a.bus = stream.NewMemoryBus(a.cfg.Stream.Buffer, a.logger)
		return nil
	}
	client, err := stream.NewRedisClient(ctx, stream.RedisConfig{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	a.redisClient = client
	a.bus = stream.NewRedisBus(client, a.cfg.Stream.ChannelPrefix, a.cfg.Stream.Buffer, a.logger)
	a.logger.Info("redis stream bus initialized", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupDispatcher(
	httpClient *http.Client,
	clock scrape.Clock,
	blobStore scrape.BlobStore,
	emitter progress.Emitter,
) error {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	scraper, err := firecrawl.New(firecrawl.Config{
		BaseURL:   a.cfg.Firecrawl.BaseURL,
		APIKey:    a.cfg.Firecrawl.APIKey,
		UserAgent: a.cfg.Firecrawl.UserAgent,
	}, httpClient, a.logger)
	if err != nil {
		return fmt.Errorf("firecrawl client init failed: %w", err)
	}

	// Without a limiter the dispatcher skips the rate-limit milestone.
	var limiter scrape.Limiter
	if a.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			RPS:     a.cfg.RateLimit.RPS,
			Burst:   a.cfg.RateLimit.Burst,
			IdleTTL: a.cfg.RateLimit.IdleTTL,
		})
		a.logger.Info("per-owner rate limiting enabled",
			zap.Float64("rps", a.cfg.RateLimit.RPS),
			zap.Int("burst", a.cfg.RateLimit.Burst),
		)
	}

	deps := dispatcher.Deps{
		Store:    a.runStore,
		Scraper:  scraper,
		Clock:    clock,
		Limiter:  limiter,
		Bus:      a.bus,
		Progress: emitter,
		Logger:   a.logger,
	}
	if blobStore != nil {
		deps.Blob = blobStore
		deps.Hasher = sha256.New()
		deps.ArchiveRetry = retry.New(retry.Config{
			MaxAttempts: a.cfg.Storage.RetryAttempts,
			BaseDelay:   a.cfg.Storage.RetryBaseDelay,
		})
	}
	a.dispatch, err = dispatcher.New(dispatcher.Config{
		DefaultTimeout:  a.cfg.Firecrawl.DefaultTimeout,
		TimeoutGrace:    a.cfg.Firecrawl.TimeoutGrace,
		FinalizeTimeout: a.cfg.Dispatch.FinalizeTimeout,
		ArchivePrefix:   a.cfg.Storage.Prefix,
	}, deps)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return nil
}
