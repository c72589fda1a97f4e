// Package server builds the application's dependencies from configuration
// and runs the HTTP service.
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
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/api"
	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/crawl"
	"github.com/JakeFAU/site-audit/internal/hash/sha256"
	"github.com/JakeFAU/site-audit/internal/housekeeping"
	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/logging"
	"github.com/JakeFAU/site-audit/internal/manager"
	"github.com/JakeFAU/site-audit/internal/perf"
	"github.com/JakeFAU/site-audit/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/site-audit/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-audit/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/site-audit/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-audit/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-audit/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-audit/internal/storage/postgres"
	redisstore "github.com/JakeFAU/site-audit/internal/storage/redis"
	"github.com/JakeFAU/site-audit/internal/telemetry"
)

const serviceName = "site-audit"

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	manager   *manager.Manager
	pruner    *housekeeping.Pruner
	checks    map[string]api.ReadinessCheck

	// closers run in reverse registration order on Close.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Manager returns the job manager, for one-shot CLI runs.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Pruner returns the retention pruner.
func (a *App) Pruner() *housekeeping.Pruner {
	return a.pruner
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     serviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, checks: map[string]api.ReadinessCheck{}}
	// fail releases whatever was opened before err.
	fail := func(err error) (*App, error) {
		_ = app.Close(context.Background())
		return nil, err
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("job_store", cfg.Storage.Backend),
		zap.String("reports", cfg.Reports.Backend),
		zap.String("perf_driver", cfg.Performance.Driver))

	if err := setupTracing(ctx, app); err != nil {
		return fail(err)
	}
	jobStore, err := setupJobStore(ctx, app)
	if err != nil {
		return fail(err)
	}
	archive, err := setupReports(ctx, app)
	if err != nil {
		return fail(err)
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return fail(err)
	}
	measurer, err := setupPerformance(app)
	if err != nil {
		return fail(err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
	})
	crawler := crawl.New(crawl.Config{
		UserAgent:      cfg.Crawl.UserAgent,
		RequestTimeout: cfg.Crawl.RequestTimeout,
		RespectRobots:  cfg.Crawl.RespectRobots,
		MaxBodySize:    cfg.Crawl.MaxBodyBytes,
	}, limiter, logger)

	clock := system.New()
	app.manager = manager.New(manager.Deps{
		Store:       jobStore,
		Crawler:     crawler,
		Performance: measurer,
		IDs:         uuid.New(),
		Clock:       clock,
		Archive:     archive,
		Hasher:      sha256.New(cfg.Reports.HashLength),
		Publisher:   publisher,
	}, managerConfig(cfg), logger)

	app.pruner = housekeeping.NewPruner(jobStore, clock, cfg.RetentionWindow(), logger)

	app.apiServer = api.NewServer(app.manager, api.Config{
		APIKey:         apiKey(cfg.Auth),
		RequestTimeout: cfg.Server.WriteTimeout,
		Defaults:       app.manager.Config().DefaultOptions(),
	}, app.checks, logger)

	return app, nil
}

func managerConfig(cfg *config.Config) manager.Config {
	mc := manager.Config{
		JobTimeout:           cfg.Audit.JobTimeout,
		DefaultMaxPages:      cfg.Audit.MaxPagesDefault,
		MaxPagesLimit:        cfg.Audit.MaxPagesLimit,
		DefaultConcurrency:   cfg.Audit.ConcurrencyDefault,
		MaxConcurrency:       cfg.Audit.ConcurrencyLimit,
		DefaultIncludeImages: cfg.Audit.IncludeImagesDefault,
		DefaultCheckMobile:   cfg.Audit.CheckMobileDefault,
		ReportPrefix:         cfg.Reports.Prefix,
	}
	if cfg.PubSub.Enabled {
		mc.Topic = cfg.PubSub.TopicName
	}
	return mc
}

func apiKey(cfg config.AuthConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.APIKey
}

func setupTracing(ctx context.Context, app *App) error {
	if !app.cfg.Tracing.Enabled {
		app.logger.Info("tracing disabled")
		return nil
	}
	var opts []sdktrace.TracerProviderOption
	if app.cfg.Tracing.Endpoint != "" {
		exporter, err := telemetry.OTLPExporter(ctx, app.cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("tracer exporter init failed: %w", err)
		}
		opts = append(opts, exporter)
	}
	tp, err := telemetry.InitTracerProvider(ctx, app.cfg.Tracing.ServiceName, app.cfg.Tracing.SampleRatio, opts...)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose("tracer", tp.Shutdown)
	app.logger.Info("tracing enabled",
		zap.Float64("sample_ratio", app.cfg.Tracing.SampleRatio),
		zap.String("endpoint", app.cfg.Tracing.Endpoint))
	return nil
}

func setupJobStore(ctx context.Context, app *App) (audit.JobStore, error) {
	cfg := app.cfg
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			Table:           cfg.Database.Table,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			OpTimeout:       cfg.Database.OpTimeout,
			SlowHold:        cfg.Database.SlowHold,
		}, app.logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		app.onClose("postgres", func(context.Context) error {
			store.Close()
			return nil
		})
		if cfg.Database.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		app.checks["postgres"] = store.Ping
		app.logger.Info("postgres job store initialized", zap.String("table", cfg.Database.Table))
		return store, nil
	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		store, err := redisstore.New(client, redisstore.Config{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.RetentionWindow(),
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis job store init failed: %w", err)
		}
		app.onClose("redis", func(context.Context) error { return store.Close() })
		app.checks["redis"] = store.Ping
		app.logger.Info("redis job store initialized", zap.String("address", cfg.Redis.Address))
		return store, nil
	default:
		app.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
}

func setupReports(ctx context.Context, app *App) (audit.BlobStore, error) {
	cfg := app.cfg.Reports
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.onClose("gcs", func(context.Context) error { return client.Close() })
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       cfg.GCSBucket,
			CacheControl: cfg.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving reports to GCS", zap.String("bucket", cfg.GCSBucket))
		return blobStore, nil
	case config.BackendLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving reports locally", zap.String("path", cfg.LocalDir))
		return blobStore, nil
	case config.BackendNone:
		app.logger.Info("report archiving disabled")
		return nil, nil
	default:
		app.logger.Info("archiving reports in memory")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (audit.Publisher, error) {
	cfg := app.cfg.PubSub
	if !cfg.Enabled {
		app.logger.Info("Pub/Sub disabled, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client)
	app.onClose("pubsub", func(context.Context) error { return publisher.Close() })
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName))
	return publisher, nil
}

func setupPerformance(app *App) (audit.PerformanceMeasurer, error) {
	cfg := app.cfg
	httpMeasurer := perf.NewHTTP(perf.HTTPConfig{
		UserAgent:       cfg.Crawl.UserAgent,
		MobileUserAgent: cfg.Performance.MobileUserAgent,
		Timeout:         cfg.Performance.NavigationTimeout,
	}, nil, app.logger)
	if cfg.Performance.Driver == config.PerfDriverHTTP {
		return httpMeasurer, nil
	}

	browser, err := perf.NewChromedp(perf.ChromedpConfig{
		MaxParallel:       cfg.Performance.MaxParallel,
		UserAgent:         cfg.Crawl.UserAgent,
		MobileUserAgent:   cfg.Performance.MobileUserAgent,
		NavigationTimeout: cfg.Performance.NavigationTimeout,
		SettleDelay:       cfg.Performance.SettleDelay,
		ExecPath:          cfg.Performance.ChromePath,
	}, app.logger)
	if err != nil {
		if cfg.Performance.Driver == config.PerfDriverFallback {
			app.logger.Warn("headless browser unavailable, measuring over HTTP", zap.Error(err))
			return httpMeasurer, nil
		}
		return nil, fmt.Errorf("chromedp measurer init failed: %w", err)
	}
	app.onClose("chromedp", func(context.Context) error {
		browser.Close()
		return nil
	})
	if cfg.Performance.Driver == config.PerfDriverChromedp {
		return browser, nil
	}
	return perf.Fallback{Primary: browser, Secondary: httpMeasurer, Logger: app.logger}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.pruner.Start(ctx, a.cfg.Retention.Schedule); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("in-flight audits canceled at shutdown", zap.Error(err))
	}
	if err := a.pruner.Stop(shutdownCtx); err != nil {
		a.logger.Warn("pruner stop failed", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases infrastructure in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
