// Package worker executes fetch tasks inside a task engine and persists their
// terminal result payloads.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/clock/system"
	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/fetcher"
	"github.com/softK1T/crawler-api/internal/proxypool"
	"github.com/softK1T/crawler-api/internal/telemetry"
)

// Fetcher runs one logical fetch with retries.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// PoolStats exposes proxy pool counters for the gauges.
type PoolStats interface {
	Stats() proxypool.Stats
}

// Config controls Worker behavior.
type Config struct {
	// DefaultTimeout applies when a task carries no timeout.
	DefaultTimeout time.Duration
	// SaveTimeout bounds the result write, which runs detached from the task
	// context so a canceled or timed-out task still stores its payload.
	SaveTimeout time.Duration
}

const defaultSaveTimeout = 5 * time.Second

// Worker implements crawler.TaskHandler.
type Worker struct {
	fetcher Fetcher
	store   crawler.ResultStore
	clock   crawler.Clock
	pool    PoolStats
	cfg     Config
	logger  *zap.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the clock used for timing and completed_at.
func WithClock(clock crawler.Clock) Option {
	return func(w *Worker) { w.clock = clock }
}

// WithPoolStats publishes pool gauges after every task.
func WithPoolStats(pool PoolStats) Option {
	return func(w *Worker) { w.pool = pool }
}

// New constructs a Worker.
func New(f Fetcher, store crawler.ResultStore, cfg Config, logger *zap.Logger, opts ...Option) (*Worker, error) {
	if f == nil {
		return nil, errors.New("fetcher is required")
	}
	if store == nil {
		return nil, errors.New("result store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	w := &Worker{
		fetcher: f,
		store:   store,
		clock:   system.New(),
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Handle fetches task.URL and writes exactly one result payload. A failed
// fetch is stored and also returned so the engine records the job as failed.
func (w *Worker) Handle(ctx context.Context, task crawler.FetchTask) error {
	logger := w.logger.With(zap.String("job_id", task.JobID), zap.String("url", task.URL))
	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}

	start := w.clock.Now()
	resp, fetchErr := w.fetcher.Fetch(ctx, fetcher.Request{
		URL:     task.URL,
		Headers: task.Headers,
		Timeout: timeout,
	})
	completed := w.clock.Now()
	elapsed := completed.Sub(start)
	defer w.publishPoolStats()

	payload := crawler.ResultPayload{
		JobID:          task.JobID,
		URL:            task.URL,
		ResponseTimeMs: elapsed.Milliseconds(),
		CompletedAt:    completed,
	}
	if task.BatchID != "" {
		batchID := task.BatchID
		payload.BatchID = &batchID
	}

	if fetchErr == nil {
		fetchErr = fillSuccess(&payload, resp)
	}
	if fetchErr != nil {
		fillFailure(&payload, fetchErr)
		telemetry.ObserveFetch(task.URL, string(*payload.ErrorKind), 0, elapsed)
		logger.Warn("fetch failed",
			zap.String("kind", string(*payload.ErrorKind)),
			zap.Int("attempts", payload.Attempts),
			zap.Error(fetchErr),
		)
		if err := w.save(ctx, payload); err != nil {
			return errors.Join(fmt.Errorf("fetch %s: %w", task.URL, fetchErr), fmt.Errorf("save result: %w", err))
		}
		return fmt.Errorf("fetch %s: %w", task.URL, fetchErr)
	}

	telemetry.ObserveFetch(task.URL, "success", len(resp.Body), elapsed)
	if err := w.save(ctx, payload); err != nil {
		logger.Error("save result failed", zap.Error(err))
		return fmt.Errorf("save result: %w", err)
	}
	logger.Info("fetch succeeded",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Int("attempts", resp.Attempts),
		zap.Int64("response_time_ms", payload.ResponseTimeMs),
	)
	return nil
}

func (w *Worker) save(ctx context.Context, payload crawler.ResultPayload) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SaveTimeout)
	defer cancel()
	return w.store.SaveResult(saveCtx, payload)
}

func fillSuccess(payload *crawler.ResultPayload, resp fetcher.Response) error {
	body, err := crawler.EncodeBody(resp.Body)
	if err != nil {
		return &fetcher.FetchError{
			Kind:       crawler.ErrorKindInvalidContent,
			StatusCode: resp.StatusCode,
			Attempts:   resp.Attempts,
			Message:    err.Error(),
			Err:        err,
		}
	}
	status := resp.StatusCode
	encoding := crawler.BodyEncodingBase64Gzip
	payload.StatusCode = &status
	payload.Attempts = resp.Attempts
	payload.Headers = fetcher.TruncateHeaders(resp.RequestHeaders)
	payload.BodyEncoding = &encoding
	payload.Body = &body
	if ct := resp.ContentType(); ct != "" {
		payload.ContentType = &ct
	}
	return nil
}

func fillFailure(payload *crawler.ResultPayload, err error) {
	kind := crawler.ErrorKindTransport
	msg := err.Error()
	var fe *fetcher.FetchError
	if errors.As(err, &fe) {
		kind = fe.Kind
		payload.Attempts = fe.Attempts
	}
	*payload = crawler.ResultPayload{
		JobID:          payload.JobID,
		BatchID:        payload.BatchID,
		URL:            payload.URL,
		ResponseTimeMs: payload.ResponseTimeMs,
		Attempts:       payload.Attempts,
		Headers:        map[string]string{},
		ErrorKind:      &kind,
		ErrorMessage:   &msg,
		CompletedAt:    payload.CompletedAt,
	}
}

func (w *Worker) publishPoolStats() {
	if w.pool == nil {
		return
	}
	s := w.pool.Stats()
	telemetry.SetProxyPool(s.Total, s.Available, s.Blocked, s.Bad)
}
