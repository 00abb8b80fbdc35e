// Package asynqueue runs fetch tasks on hibiken/asynq over Redis.
package asynqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/queue"
)

// Config controls queue naming, retention, and worker concurrency.
type Config struct {
	Queue           string
	Concurrency     int
	TaskTimeout     time.Duration
	Retention       time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// ParseRedisURL converts a redis:// URL into asynq connection options.
func ParseRedisURL(rawURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opt, nil
}

// Client submits tasks and reads their live state.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       Config
	logger    *zap.Logger
}

// NewClient connects a Client.
func NewClient(opt asynq.RedisConnOpt, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Submit enqueues the task. Engine-level retries are disabled; the fetch
// executor already retries inside the task.
func (c *Client) Submit(ctx context.Context, task crawler.FetchTask) (string, error) {
	payload, err := queue.EncodeTask(task)
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{asynq.Queue(c.cfg.Queue), asynq.MaxRetry(0)}
	if c.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(c.cfg.Retention))
	}
	if c.cfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(c.cfg.TaskTimeout))
	}
	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(queue.TaskTypeFetch, payload), opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	c.logger.Debug("task enqueued",
		zap.String("job_id", info.ID),
		zap.String("queue", info.Queue),
		zap.String("url", task.URL),
	)
	return info.ID, nil
}

// State maps the asynq task state onto crawler.JobState.
func (c *Client) State(_ context.Context, jobID string) (crawler.JobState, error) {
	info, err := c.inspector.GetTaskInfo(c.cfg.Queue, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return "", fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("inspect task %s: %w", jobID, err)
	}
	return mapState(info.State), nil
}

// Close releases the client and inspector connections.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

func mapState(state asynq.TaskState) crawler.JobState {
	switch state {
	case asynq.TaskStateActive:
		return crawler.JobStateStarted
	case asynq.TaskStateRetry:
		return crawler.JobStateRetried
	case asynq.TaskStateCompleted:
		return crawler.JobStateSucceeded
	case asynq.TaskStateArchived:
		return crawler.JobStateFailed
	default:
		return crawler.JobStatePending
	}
}
