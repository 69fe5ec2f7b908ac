// Package server builds the scan engine from configuration and runs it.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/api"
	"github.com/JakeFAU/scanengine/internal/cache"
	cachemem "github.com/JakeFAU/scanengine/internal/cache/memory"
	rediscache "github.com/JakeFAU/scanengine/internal/cache/redis"
	"github.com/JakeFAU/scanengine/internal/clock/system"
	"github.com/JakeFAU/scanengine/internal/config"
	"github.com/JakeFAU/scanengine/internal/dedup"
	"github.com/JakeFAU/scanengine/internal/dispatcher"
	"github.com/JakeFAU/scanengine/internal/id/uuid"
	"github.com/JakeFAU/scanengine/internal/logging"
	"github.com/JakeFAU/scanengine/internal/metrics"
	"github.com/JakeFAU/scanengine/internal/policy"
	"github.com/JakeFAU/scanengine/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/scanengine/internal/publisher/pubsub"
	"github.com/JakeFAU/scanengine/internal/queue"
	queuemem "github.com/JakeFAU/scanengine/internal/queue/memory"
	"github.com/JakeFAU/scanengine/internal/queue/notify"
	queuepg "github.com/JakeFAU/scanengine/internal/queue/postgres"
	"github.com/JakeFAU/scanengine/internal/status"
	"github.com/JakeFAU/scanengine/internal/store"
	storemem "github.com/JakeFAU/scanengine/internal/store/memory"
	storepg "github.com/JakeFAU/scanengine/internal/store/postgres"
	storesqlite "github.com/JakeFAU/scanengine/internal/store/sqlite"
	"github.com/JakeFAU/scanengine/internal/submit"
	"github.com/JakeFAU/scanengine/internal/telemetry"
	"github.com/JakeFAU/scanengine/internal/worker"
	"github.com/JakeFAU/scanengine/migrations"
)

const (
	shutdownTimeout   = 10 * time.Second
	depthSamplePeriod = 5 * time.Second
)

// Version is stamped into traces; overridden at link time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	orchestrator    *submit.Orchestrator
	synchronizer    *status.Synchronizer
	pool            *pgxpool.Pool
	sqliteDB        *sql.DB
	memQueue        *queuemem.Queue
	redis           *rediscache.Cache
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerProvider  *sdktrace.TracerProvider
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if a.dispatch == nil {
			return
		}
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases every connection the app opened. Safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.sqliteDB != nil {
		if err := a.sqliteDB.Close(); err != nil {
			a.logger.Warn("sqlite close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on stderr returns EINVAL on some platforms; nothing to act on.
	_ = a.logger.Sync() //nolint:errcheck // see above
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx)) //nolint:errcheck // Close only logs
		}
	}()

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("policy", cfg.Policy.Mode),
	)

	if err = setupTelemetry(ctx, app); err != nil {
		return nil, err
	}
	if cfg.UsesPostgres() {
		if app.pool, err = storepg.Connect(ctx, poolConfig(cfg)); err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		logger.Info("postgres pool initialized", zap.Int32("max_conns", cfg.DB.MaxConns))
	}

	clock := system.New()
	ids := uuid.New()
	repo, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}
	work, depth, err := setupQueue(app, clock)
	if err != nil {
		return nil, err
	}
	statusCache, err := setupCache(ctx, app)
	if err != nil {
		return nil, err
	}
	submitQueue, err := setupNotifications(ctx, app, work, clock)
	if err != nil {
		return nil, err
	}
	admission, err := setupAdmission(app)
	if err != nil {
		return nil, err
	}

	records := store.NewRecords(
		repo,
		ids,
		store.NewRandomSlugger(cfg.Slug.Length),
		clock,
		cfg.Slug.MaxAttempts,
		logger.Named("store"),
	)
	app.orchestrator = submit.NewOrchestrator(
		admission,
		records,
		dedup.NewResolver(records, cfg.Dedup.Window, clock),
		submitQueue,
		logger,
	)
	app.synchronizer = status.NewSynchronizer(records, statusCache, work, cfg.Cache.StatusTTL, logger)

	if cfg.Worker.Enabled {
		app.dispatch = setupDispatcher(app, work, records, depth)
	}

	app.apiServer = api.NewServer(app.orchestrator, app.synchronizer, api.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		IdentityHeader: cfg.Auth.IdentityHeader,
		ValidID:        uuid.Valid,
		ReadyChecks:    readyChecks(app),
		NewRequestID:   ids.NewRequestID,
	}, logger)

	return app, nil
}

func poolConfig(cfg config.Config) storepg.PoolConfig {
	return storepg.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	}
}

func setupTelemetry(ctx context.Context, app *App) error {
	if !app.cfg.Telemetry.TracingEnabled {
		return nil
	}
	tcfg := telemetry.Config{
		ServiceName: app.cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: app.cfg.Telemetry.SampleRatio,
	}
	if app.cfg.Telemetry.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(app.cfg.Telemetry.ProjectID))
		if err != nil {
			return fmt.Errorf("failed to create google trace exporter: %w", err)
		}
		tcfg.Exporter = exporter
	}
	tp, err := telemetry.InitTracerProvider(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerProvider = tp
	app.logger.Info("tracing enabled",
		zap.Float64("sample_ratio", tcfg.SampleRatio),
		zap.Bool("exporting", tcfg.Exporter != nil),
	)
	return nil
}

func setupStore(ctx context.Context, app *App) (store.Repository, error) {
	switch app.cfg.Store.Driver {
	case config.DriverPostgres:
		app.logger.Info("using postgres record store")
		repo, err := storepg.NewStore(app.pool)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return repo, nil
	case config.DriverSQLite:
		app.logger.Info("using sqlite record store", zap.String("path", app.cfg.SQLite.Path))
		db, err := storesqlite.Open(app.cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		if app.sqliteDB, err = db.DB(); err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		repo := storesqlite.NewStore(db)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("sqlite migrate failed: %w", err)
		}
		return repo, nil
	default:
		app.logger.Warn("using in-memory record store; scans are lost on restart")
		return storemem.NewStore(), nil
	}
}

func setupQueue(app *App, clock *system.Clock) (queue.WorkQueue, dispatcher.DepthFunc, error) {
	if app.cfg.Queue.Driver == config.DriverPostgres {
		q, err := queuepg.NewQueue(app.pool, clock, app.cfg.Queue.PollInterval)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres queue init failed: %w", err)
		}
		app.logger.Info("using postgres job queue", zap.Duration("poll_interval", app.cfg.Queue.PollInterval))
		return q, q.Len, nil
	}
	app.memQueue = queuemem.NewQueue(app.cfg.Queue.Capacity)
	app.logger.Info("using in-memory job queue", zap.Int("capacity", app.cfg.Queue.Capacity))
	q := app.memQueue
	return q, func(context.Context) (int, error) { return q.Len(), nil }, nil
}

func setupCache(ctx context.Context, app *App) (cache.Cache, error) {
	if app.cfg.Cache.Driver != config.DriverRedis {
		app.logger.Info("using in-memory status cache")
		return cachemem.New(), nil
	}
	c, err := rediscache.New(ctx, rediscache.Config{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
		Prefix:   app.cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis cache init failed: %w", err)
	}
	app.redis = c
	app.logger.Info("using redis status cache", zap.String("addr", app.cfg.Redis.Addr))
	return c, nil
}

func setupNotifications(ctx context.Context, app *App, q queue.Queue, clock *system.Clock) (queue.Queue, error) {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.TopicName == "" {
		app.logger.Info("no Pub/Sub topic configured, enqueue notifications disabled")
		return q, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return notify.Wrap(q, app.pubsubPublisher, app.cfg.PubSub.TopicName, clock, app.logger.Named("notify")), nil
}

func setupAdmission(app *App) (policy.Admission, error) {
	switch app.cfg.Policy.Mode {
	case policy.ModePerIdentityQuota:
		app.logger.Info("per-identity admission quota",
			zap.Float64("rps", app.cfg.Policy.RPS),
			zap.Int("burst", app.cfg.Policy.Burst),
		)
		return ratelimit.New(ratelimit.Config{RPS: app.cfg.Policy.RPS, Burst: app.cfg.Policy.Burst}), nil
	case policy.ModeUnrestricted, "":
		return policy.Unrestricted{}, nil
	default:
		return nil, policy.ValidateMode(app.cfg.Policy.Mode)
	}
}

func setupDispatcher(app *App, q queue.WorkQueue, records worker.Records, depth dispatcher.DepthFunc) *dispatcher.Dispatcher {
	processor := worker.StubProcessor{StepDelay: app.cfg.Worker.StepDelay}
	runners := make([]dispatcher.Runner, 0, app.cfg.Worker.Concurrency)
	for i := 0; i < app.cfg.Worker.Concurrency; i++ {
		runners = append(runners, worker.New(q, records, processor, app.logger.With(zap.Int("worker", i)),
			worker.WithDequeueBackoff(app.cfg.Worker.BackoffBase, app.cfg.Worker.BackoffMax),
		))
	}
	app.logger.Info("workers configured",
		zap.Int("concurrency", app.cfg.Worker.Concurrency),
		zap.Duration("step_delay", app.cfg.Worker.StepDelay),
	)
	return dispatcher.New(runners,
		dispatcher.WithDepthSampler(depth, depthSamplePeriod),
		dispatcher.WithLogger(app.logger),
	)
}

func readyChecks(app *App) map[string]api.ReadyCheck {
	checks := map[string]api.ReadyCheck{}
	if app.pool != nil {
		checks["postgres"] = app.pool.Ping
	}
	if app.sqliteDB != nil {
		checks["sqlite"] = app.sqliteDB.PingContext
	}
	if app.redis != nil {
		checks["redis"] = app.redis.Ping
	}
	return checks
}

// Migrate applies the embedded Postgres schema using cfg.DB.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	pool, err := storepg.Connect(ctx, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	defer pool.Close()
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("migration handle close failed", zap.Error(cerr))
		}
	}()
	if err := migrations.Up(ctx, db, logger.Named("migrate")); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
