package asynqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/queue"
	"github.com/softK1T/crawler-api/internal/telemetry"
)

// Processor consumes fetch tasks from the configured queue.
type Processor struct {
	server *asynq.Server
	logger *zap.Logger
}

// NewProcessor builds a Processor; nothing runs until Run.
func NewProcessor(opt asynq.RedisConnOpt, cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("asynq")
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger.Sugar(),
		LogLevel:        asynq.WarnLevel,
	})
	return &Processor{server: server, logger: logger}
}

// Run starts the server and blocks until ctx ends, then shuts it down.
func (p *Processor) Run(ctx context.Context, handler crawler.TaskHandler) error {
	mux := asynq.NewServeMux()
	mux.Use(p.lifecycleMiddleware)
	mux.Handle(queue.TaskTypeFetch, fetchHandler(handler))
	if err := p.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	p.logger.Info("processor started")
	<-ctx.Done()
	p.server.Shutdown()
	p.logger.Info("processor stopped")
	return nil
}

func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		logger := p.logger.With(zap.String("job_id", id), zap.String("type", t.Type()))
		start := time.Now()
		telemetry.ObserveTask(string(crawler.JobStateStarted))
		telemetry.IncActiveTasks()
		logger.Debug("task started")

		err := next.ProcessTask(ctx, t)

		telemetry.DecActiveTasks()
		elapsed := zap.Duration("elapsed", time.Since(start))
		if err != nil {
			telemetry.ObserveTask(string(crawler.JobStateFailed))
			logger.Warn("task failed", elapsed, zap.Error(err))
			return err
		}
		telemetry.ObserveTask(string(crawler.JobStateSucceeded))
		logger.Debug("task succeeded", elapsed)
		return nil
	})
}

// fetchHandler decodes the payload and hands it to handler. Every error is
// terminal so each task has exactly one terminal transition.
func fetchHandler(handler crawler.TaskHandler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		task, err := queue.DecodeTask(t.Payload())
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if id, ok := asynq.GetTaskID(ctx); ok {
			task.JobID = id
		}
		if err := handler.Handle(ctx, task); err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}
