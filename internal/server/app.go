// Package server builds the process for its configured role and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/softK1T/crawler-api/internal/api"
	"github.com/softK1T/crawler-api/internal/clock/system"
	"github.com/softK1T/crawler-api/internal/config"
	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/fetcher"
	"github.com/softK1T/crawler-api/internal/id/uuid"
	"github.com/softK1T/crawler-api/internal/orchestrator"
	"github.com/softK1T/crawler-api/internal/policy/ratelimit"
	"github.com/softK1T/crawler-api/internal/proxypool"
	"github.com/softK1T/crawler-api/internal/queue"
	"github.com/softK1T/crawler-api/internal/queue/asynqueue"
	queueMemory "github.com/softK1T/crawler-api/internal/queue/memory"
	storeMemory "github.com/softK1T/crawler-api/internal/storage/memory"
	storeRedis "github.com/softK1T/crawler-api/internal/storage/redis"
	"github.com/softK1T/crawler-api/internal/telemetry"
	"github.com/softK1T/crawler-api/internal/worker"
)

type resultStore interface {
	crawler.ResultStore
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   resultStore
	engine  crawler.TaskEngine
	runner  queue.Runner
	handler crawler.TaskHandler
	pool    *proxypool.Pool
	exec    *fetcher.Executor
	http    http.Handler
	closers []func() error
}

// NewApp wires every component the configured role needs.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("creating application",
		zap.String("role", cfg.Server.Role),
		zap.String("engine", cfg.Engine.Backend),
		zap.Int("port", cfg.Server.Port),
	)

	if err := a.initStore(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if err := a.initEngine(); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if cfg.RunsWorker() {
		if err := a.initWorker(); err != nil {
			return nil, errors.Join(err, a.Close())
		}
	}
	if err := a.initHTTP(); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.cfg.Engine.Backend == config.BackendMemory {
		a.store = storeMemory.NewResultStore(a.cfg.ResultTTL(), nil)
		return nil
	}
	store, err := storeRedis.Dial(ctx, a.cfg.Redis.URL, a.cfg.ResultTTL())
	if err != nil {
		return fmt.Errorf("init result store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) initEngine() error {
	logger := a.logger.Named("engine")
	if a.cfg.Engine.Backend == config.BackendMemory {
		engine, err := queueMemory.NewEngine(queueMemory.Config{
			QueueDepth:  a.cfg.Engine.MemoryQueueDepth,
			Concurrency: a.cfg.Engine.Concurrency,
		}, uuid.New(), logger)
		if err != nil {
			return fmt.Errorf("init memory engine: %w", err)
		}
		a.engine = engine
		a.runner = engine
		return nil
	}

	opt, err := asynqueue.ParseRedisURL(a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	engineCfg := asynqueue.Config{
		Queue:           a.cfg.Engine.Queue,
		Concurrency:     a.cfg.Engine.Concurrency,
		TaskTimeout:     a.cfg.TaskTimeout(),
		Retention:       a.cfg.ResultTTL(),
		ShutdownTimeout: a.cfg.ShutdownTimeout(),
	}
	client := asynqueue.NewClient(opt, engineCfg, logger)
	a.engine = client
	a.closers = append(a.closers, client.Close)
	if a.cfg.RunsWorker() {
		a.runner = asynqueue.NewProcessor(opt, engineCfg, logger)
	}
	return nil
}

func (a *App) initWorker() error {
	logger := a.logger.Named("fetch")
	proxies := proxypool.LoadFile(a.cfg.Proxy.File, logger)
	pool, err := proxypool.New(proxies, proxypool.Config{
		MaxRequestsPerProxy: a.cfg.Proxy.MaxRequestsPerProxy,
		Cooldown:            a.cfg.Proxy.Cooldown(),
		RotationInterval:    a.cfg.Proxy.RotationInterval,
		MinSuccessRate:      a.cfg.Proxy.MinSuccessRate,
	}, logger.Named("proxypool"))
	if err != nil {
		return fmt.Errorf("init proxy pool: %w", err)
	}
	if pool.Len() == 0 && !a.cfg.Fetch.AllowDirect {
		logger.Warn("no proxies configured; every fetch will fail with exhausted")
	}

	transport := fetcher.NewCollyTransport(fetcher.CollyConfig{
		UseHTTP2:     a.cfg.Fetch.UseHTTP2,
		MaxBodyBytes: a.cfg.Fetch.MaxBodyBytes,
	}, logger)
	a.closers = append(a.closers, func() error {
		transport.CloseIdle()
		return nil
	})

	classifier := fetcher.NewClassifier(fetcher.ClassifierConfig{
		BlockMinLength:   a.cfg.Detector.BlockMinLength,
		BlockPhrases:     a.cfg.Detector.BlockPhrases,
		ContentMinLength: a.cfg.Detector.ContentMinLength,
		ContentMarkers:   a.cfg.Detector.ContentMarkers,
		ContentSelectors: a.cfg.Detector.ContentSelectors,
	})
	var opts []fetcher.Option
	if limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Fetch.HostRPS,
		Burst: a.cfg.Fetch.HostBurst,
	}); limiter.Enabled() {
		opts = append(opts, fetcher.WithLimiter(limiter))
	}
	exec, err := fetcher.NewExecutor(pool, transport, classifier, fetcher.Config{
		MaxRetries:  a.cfg.Fetch.MaxRetries,
		Delay:       a.cfg.Fetch.Delay(),
		Timeouts:    a.cfg.Fetch.Timeouts(),
		AllowDirect: a.cfg.Fetch.AllowDirect,
		UserAgents:  a.cfg.Fetch.UserAgents,
	}, logger, opts...)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}

	handler, err := worker.New(exec, a.store, worker.Config{
		DefaultTimeout: time.Duration(a.cfg.API.DefaultTimeoutSeconds) * time.Second,
	}, a.logger.Named("worker"), worker.WithPoolStats(pool))
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	stats := pool.Stats()
	telemetry.SetProxyPool(stats.Total, stats.Available, stats.Blocked, stats.Bad)
	logger.Info("worker ready", zap.Int("proxies", stats.Total), zap.Bool("allow_direct", a.cfg.Fetch.AllowDirect))

	a.pool = pool
	a.exec = exec
	a.handler = handler
	return nil
}

func (a *App) initHTTP() error {
	if !a.cfg.RunsAPI() {
		r := chi.NewRouter()
		r.Use(telemetry.Middleware)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}` + "\n")) //nolint:errcheck // probe client went away
		})
		r.Handle("/metrics", telemetry.Handler())
		a.http = r
		return nil
	}

	orch, err := orchestrator.New(a.engine, a.store, uuid.New(), system.New(), orchestrator.Config{
		Fanout: a.cfg.Orchestrator.Fanout,
	}, a.logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	deps := api.Deps{Service: orch, Ready: a.store}
	if a.pool != nil {
		deps.Pool = a.pool
		deps.Executor = a.exec
	}
	a.http = api.NewServer(deps, a.cfg, a.logger.Named("api")).Handler()
	return nil
}

// Handler returns the HTTP handler for this role.
func (a *App) Handler() http.Handler {
	return a.http
}

// Run serves HTTP and, for worker roles, consumes tasks until a signal
// arrives or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.http,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.runner != nil && a.handler != nil {
		g.Go(func() error {
			a.logger.Info("task runner started", zap.Int("concurrency", a.cfg.Engine.Concurrency))
			return a.runner.Run(gctx, a.handler)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, a.Close())
}

// Close releases clients and idle connections. It is safe to call twice.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
