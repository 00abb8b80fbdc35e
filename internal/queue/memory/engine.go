// Package memory provides an in-process task engine for local development
// and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/telemetry"
)

// Config controls queue depth and worker fan-out.
type Config struct {
	QueueDepth  int
	Concurrency int
}

// Engine is a bounded in-memory queue drained by a fixed set of goroutines.
// Job states live for the life of the process.
type Engine struct {
	ids         crawler.IDGenerator
	ch          chan crawler.FetchTask
	concurrency int
	logger      *zap.Logger

	mu     sync.RWMutex
	states map[string]crawler.JobState
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*Engine, error) {
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if cfg.QueueDepth <= 0 {
		return nil, errors.New("queue depth must be > 0")
	}
	if cfg.Concurrency <= 0 {
		return nil, errors.New("concurrency must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		ids:         ids,
		ch:          make(chan crawler.FetchTask, cfg.QueueDepth),
		concurrency: cfg.Concurrency,
		logger:      logger,
		states:      make(map[string]crawler.JobState),
	}, nil
}

// Submit assigns a job id and queues the task, waiting for room until ctx ends.
func (e *Engine) Submit(ctx context.Context, task crawler.FetchTask) (string, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	task.JobID = id
	e.setState(id, crawler.JobStatePending)

	select {
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.states, id)
		e.mu.Unlock()
		return "", fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case e.ch <- task:
		return id, nil
	}
}

// State returns the state recorded for jobID.
func (e *Engine) State(_ context.Context, jobID string) (crawler.JobState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[jobID]
	if !ok {
		return "", fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return state, nil
}

// Run starts the worker goroutines and blocks until ctx ends and they exit.
// Tasks still queued at shutdown stay pending.
func (e *Engine) Run(ctx context.Context, handler crawler.TaskHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	var wg sync.WaitGroup
	for i := range e.concurrency {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.work(ctx, handler, e.logger.With(zap.Int("worker", n)))
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (e *Engine) work(ctx context.Context, handler crawler.TaskHandler, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.ch:
			e.process(ctx, handler, task, logger)
		}
	}
}

func (e *Engine) process(ctx context.Context, handler crawler.TaskHandler, task crawler.FetchTask, logger *zap.Logger) {
	e.setState(task.JobID, crawler.JobStateStarted)
	telemetry.ObserveTask(string(crawler.JobStateStarted))
	telemetry.IncActiveTasks()
	defer telemetry.DecActiveTasks()

	if err := handler.Handle(ctx, task); err != nil {
		e.setState(task.JobID, crawler.JobStateFailed)
		telemetry.ObserveTask(string(crawler.JobStateFailed))
		logger.Warn("task failed", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}
	e.setState(task.JobID, crawler.JobStateSucceeded)
	telemetry.ObserveTask(string(crawler.JobStateSucceeded))
	logger.Debug("task succeeded", zap.String("job_id", task.JobID))
}

func (e *Engine) setState(id string, state crawler.JobState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[id] = state
}
