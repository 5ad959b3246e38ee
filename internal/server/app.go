// Package server builds the tool runner's dependencies and runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/toolrunner/internal/api"
	"github.com/JakeFAU/toolrunner/internal/archive"
	"github.com/JakeFAU/toolrunner/internal/browser"
	"github.com/JakeFAU/toolrunner/internal/clock/system"
	"github.com/JakeFAU/toolrunner/internal/config"
	"github.com/JakeFAU/toolrunner/internal/dispatcher"
	"github.com/JakeFAU/toolrunner/internal/id/token"
	"github.com/JakeFAU/toolrunner/internal/logging"
	"github.com/JakeFAU/toolrunner/internal/metrics"
	"github.com/JakeFAU/toolrunner/internal/notify"
	"github.com/JakeFAU/toolrunner/internal/publisher"
	gcppublisher "github.com/JakeFAU/toolrunner/internal/publisher/pubsub"
	"github.com/JakeFAU/toolrunner/internal/queue"
	"github.com/JakeFAU/toolrunner/internal/runner"
	"github.com/JakeFAU/toolrunner/internal/storage/memory"
	pgstore "github.com/JakeFAU/toolrunner/internal/storage/postgres"
	"github.com/JakeFAU/toolrunner/internal/tool"
	"github.com/JakeFAU/toolrunner/internal/worker"
)

const defaultShutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	workerID  runner.WorkerID
	store     runner.Store
	browser   *browser.Manager
	notifier  *notify.Dispatcher
	manager   *dispatcher.Manager
	apiServer *api.Server
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies. On error everything opened
// so far is released.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.workerID, err = token.New().NewWorkerID()
	if err != nil {
		return nil, fmt.Errorf("worker id init failed: %w", err)
	}
	logger.Info("building application dependencies",
		zap.String("worker_id", string(app.workerID)),
		zap.Int("server_port", cfg.Server.Port),
	)

	if err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	clock := system.New()

	registry, err := tool.NewDefaultRegistry(logger)
	if err != nil {
		return nil, fmt.Errorf("tool registry init failed: %w", err)
	}
	logger.Info("tools registered", zap.Strings("tools", registry.Names()))

	q, err := queue.New(app.store, registry, clock, app.workerID, queue.Options{
		MaxSameHost: cfg.Scheduler.MaxSameHostRequests,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}

	app.browser, err = browser.New(browser.Config{
		MaxConcurrentPages:    cfg.Browser.MaxConcurrentPages,
		MaxConcurrentContexts: cfg.Browser.MaxConcurrentContexts,
		Headless:              cfg.Browser.Headless,
		NoSandbox:             cfg.Browser.NoSandbox,
		UserAgent:             cfg.Browser.UserAgent,
		ViewportWidth:         cfg.Browser.ViewportWidth,
		ViewportHeight:        cfg.Browser.ViewportHeight,
		RemoteURL:             cfg.Browser.RemoteURL,
		StartTimeout:          cfg.Browser.StartTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "browser", fn: func() error {
		app.browser.Close()
		return nil
	}})

	mirror, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	app.notifier = notify.New(notify.Config{
		URL:         cfg.Webhook.URL,
		Timeout:     cfg.Webhook.Timeout,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		BaseDelay:   cfg.Webhook.BaseDelay,
		UserAgent:   cfg.Webhook.UserAgent,
	}, &http.Client{}, mirror, logger)
	if cfg.Webhook.URL == "" {
		logger.Warn("no webhook configured, outcomes will only be logged")
	}

	archiver, err := setupArchive(ctx, app, clock)
	if err != nil {
		return nil, err
	}

	deps := worker.Dependencies{
		Queue:     q,
		Browser:   app.browser,
		Registry:  registry,
		Validator: tool.NewValidator(),
		Notifier:  app.notifier,
		Clock:     clock,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	workerCfg := worker.Config{Load: runner.LoadOptions{
		MaxAttempts: cfg.PageLoad.MaxAttempts,
		Timeout:     cfg.PageLoad.Timeout,
		GracePeriod: cfg.PageLoad.GracePeriod,
	}}
	app.manager, err = dispatcher.New(q, deps, workerCfg, dispatcher.Config{
		SpawnDelay:       cfg.Scheduler.WorkerSpawnDelay,
		LookForWorkDelay: cfg.Scheduler.LookForWorkDelay,
		GaugeSchedule:    cfg.Scheduler.GaugeSchedule,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("processor manager init failed: %w", err)
	}
	logger.Info("processor config",
		zap.Int("max_same_host", cfg.Scheduler.MaxSameHostRequests),
		zap.Int("max_pages", cfg.Browser.MaxConcurrentPages),
		zap.Int("max_contexts", cfg.Browser.MaxConcurrentContexts),
		zap.Int("load_attempts", workerCfg.Load.MaxAttempts),
		zap.Duration("load_timeout", workerCfg.Load.Timeout),
		zap.Duration("grace_period", workerCfg.Load.GracePeriod),
	)

	app.apiServer = api.NewServer(q, app.manager, app.store, clock, *cfg, logger.Named("api"))
	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	switch strings.ToLower(app.cfg.Storage.Provider) {
	case "postgres":
		store, err := pgstore.NewRequestStore(ctx, pgstore.RequestStoreConfig{
			DSN:             app.cfg.Storage.DSN,
			Table:           app.cfg.Storage.Table,
			MaxConns:        app.cfg.Storage.MaxConns,
			MinConns:        app.cfg.Storage.MinConns,
			MaxConnLifetime: app.cfg.Storage.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("request store init failed: %w", err)
		}
		app.store = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("request store schema failed: %w", err)
		}
		app.logger.Info("using postgres request store", zap.String("table", app.cfg.Storage.Table))
	default:
		app.store = memory.NewRequestStore()
		app.logger.Warn("using in-memory request store, queued requests will not survive a restart")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.Topic == "" {
		app.logger.Info("no Pub/Sub topic configured, outcome mirror disabled")
		return nil, nil
	}
	pub, closeFn, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.closers = append(app.closers, closer{name: "pubsub", fn: closeFn})
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return pub, nil
}

func setupArchive(ctx context.Context, app *App, clock runner.Clock) (*archive.Archiver, error) {
	store, closeFn, err := archive.NewStore(ctx, archive.StoreOptions{
		Provider: app.cfg.Archive.Provider,
		Bucket:   app.cfg.Archive.Bucket,
		Dir:      app.cfg.Archive.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}
	if store == nil {
		app.logger.Info("outcome archive disabled")
		return nil, nil
	}
	app.closers = append(app.closers, closer{name: "archive", fn: closeFn})
	archiver, err := archive.New(store, app.cfg.Archive.Prefix, clock, app.logger)
	if err != nil {
		return nil, fmt.Errorf("archiver init failed: %w", err)
	}
	app.logger.Info("outcome archive enabled", zap.String("provider", app.cfg.Archive.Provider))
	return archiver, nil
}

// Run starts the processor manager and HTTP server and blocks until ctx is
// canceled or either fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		return a.manager.Run(gctx)
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("application stopped with error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// Close flushes pending notifications and releases infrastructure. The
// processor manager must have stopped first.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.notifier != nil {
		if cerr := a.notifier.Close(ctx); cerr != nil {
			a.logger.Warn("notifier close failed", zap.Error(cerr))
			err = cerr
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	// Sync on a terminal stderr reports EINVAL; nothing is lost.
	_ = a.logger.Sync()
	return err
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}
