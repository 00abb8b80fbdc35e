// Package orchestrator maps client-facing jobs and batches onto the task
// engine and the result store. Batch views are computed on every call by
// fanning out over member jobs; nothing is cached.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/telemetry"
)

const defaultFanout = 16

// Config controls fan-out concurrency.
type Config struct {
	// Fanout bounds concurrent engine/store calls per batch operation.
	Fanout int
}

// JobRequest is a single URL submission.
type JobRequest struct {
	URL            string
	Headers        map[string]string
	TimeoutSeconds int
}

// BatchRequest submits one job per URL with shared options.
type BatchRequest struct {
	URLs           []string
	Headers        map[string]string
	TimeoutSeconds int
}

// JobStatus is the state view of one job.
type JobStatus struct {
	JobID string           `json:"job_id"`
	State crawler.JobState `json:"state"`
}

// BatchStatus aggregates member job states.
type BatchStatus struct {
	BatchID   string      `json:"batch_id"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Progress  float64     `json:"progress"`
	Jobs      []JobStatus `json:"jobs"`
}

// BatchResults aggregates stored payloads. Members without a payload are omitted.
type BatchResults struct {
	BatchID    string                  `json:"batch_id"`
	Total      int                     `json:"total"`
	Successful int                     `json:"successful"`
	Failed     int                     `json:"failed"`
	Results    []crawler.ResultPayload `json:"results"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	engine crawler.TaskEngine
	store  crawler.ResultStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	fanout int
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(
	engine crawler.TaskEngine,
	store crawler.ResultStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if engine == nil {
		return nil, errors.New("task engine is required")
	}
	if store == nil {
		return nil, errors.New("result store is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = defaultFanout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		engine: engine,
		store:  store,
		ids:    ids,
		clock:  clock,
		fanout: cfg.Fanout,
		logger: logger,
	}, nil
}

// SubmitJob hands one URL to the engine and returns the engine's job id.
func (o *Orchestrator) SubmitJob(ctx context.Context, req JobRequest) (string, error) {
	id, err := o.engine.Submit(ctx, crawler.FetchTask{
		URL:            req.URL,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		telemetry.ObserveSubmission("job", "error", 1)
		return "", fmt.Errorf("%w: %w", crawler.ErrSubmission, err)
	}
	telemetry.ObserveSubmission("job", "accepted", 1)
	o.logger.Info("job submitted", zap.String("job_id", id), zap.String("url", req.URL))
	return id, nil
}

// JobStatus returns the live engine state. Once the engine has forgotten the
// job, a stored payload still answers with its terminal state.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	state, err := o.state(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{JobID: jobID, State: state}, nil
}

// JobResult returns the stored payload or crawler.ErrNotFound.
func (o *Orchestrator) JobResult(ctx context.Context, jobID string) (crawler.ResultPayload, error) {
	payload, ok, err := o.store.GetResult(ctx, jobID)
	if err != nil {
		return crawler.ResultPayload{}, fmt.Errorf("get result %s: %w", jobID, err)
	}
	if !ok {
		return crawler.ResultPayload{}, fmt.Errorf("result %s: %w", jobID, crawler.ErrNotFound)
	}
	return payload, nil
}

// SubmitBatch submits one job per URL in order and persists the batch once
// every submission succeeded. Any rejection aborts the batch and nothing is
// persisted; jobs already handed to the engine still run.
func (o *Orchestrator) SubmitBatch(ctx context.Context, req BatchRequest) (crawler.BatchInfo, error) {
	batchID, err := o.ids.NewID()
	if err != nil {
		return crawler.BatchInfo{}, fmt.Errorf("generate batch id: %w", err)
	}
	logger := o.logger.With(zap.String("batch_id", batchID))

	jobIDs := make([]string, 0, len(req.URLs))
	for i, u := range req.URLs {
		id, err := o.engine.Submit(ctx, crawler.FetchTask{
			URL:            u,
			Headers:        req.Headers,
			TimeoutSeconds: req.TimeoutSeconds,
			BatchID:        batchID,
		})
		if err != nil {
			telemetry.ObserveSubmission("batch", "error", 1)
			logger.Warn("batch submission rejected",
				zap.Int("index", i),
				zap.Int("submitted", len(jobIDs)),
				zap.Error(err),
			)
			return crawler.BatchInfo{}, fmt.Errorf("%w: url %d (%s): %w", crawler.ErrSubmission, i, u, err)
		}
		jobIDs = append(jobIDs, id)
	}

	batch := crawler.BatchInfo{
		BatchID:    batchID,
		JobIDs:     jobIDs,
		CreatedAt:  o.clock.Now(),
		TotalCount: len(req.URLs),
	}
	if err := o.store.SaveBatch(ctx, batch); err != nil {
		return crawler.BatchInfo{}, fmt.Errorf("save batch %s: %w", batchID, err)
	}
	telemetry.ObserveSubmission("batch", "accepted", len(jobIDs))
	logger.Info("batch submitted", zap.Int("total", batch.TotalCount))
	return batch, nil
}

// BatchStatus reads every member's state. Completed counts succeeded and failed jobs.
func (o *Orchestrator) BatchStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	batch, err := o.batch(ctx, batchID)
	if err != nil {
		return BatchStatus{}, err
	}

	jobs := make([]JobStatus, len(batch.JobIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout)
	for i, id := range batch.JobIDs {
		g.Go(func() error {
			state, err := o.state(gctx, id)
			if errors.Is(err, crawler.ErrNotFound) {
				state, err = crawler.JobStatePending, nil
			}
			if err != nil {
				return err
			}
			jobs[i] = JobStatus{JobID: id, State: state}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchStatus{}, err
	}

	completed := 0
	for _, j := range jobs {
		if j.State.Terminal() {
			completed++
		}
	}
	total := len(batch.JobIDs)
	return BatchStatus{
		BatchID:   batchID,
		Total:     total,
		Completed: completed,
		Progress:  progress(completed, total),
		Jobs:      jobs,
	}, nil
}

// BatchResults reads every member's payload, keeping member order.
func (o *Orchestrator) BatchResults(ctx context.Context, batchID string) (BatchResults, error) {
	batch, err := o.batch(ctx, batchID)
	if err != nil {
		return BatchResults{}, err
	}

	found := make([]*crawler.ResultPayload, len(batch.JobIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout)
	for i, id := range batch.JobIDs {
		g.Go(func() error {
			payload, ok, err := o.store.GetResult(gctx, id)
			if err != nil {
				return fmt.Errorf("get result %s: %w", id, err)
			}
			if ok {
				found[i] = &payload
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResults{}, err
	}

	out := BatchResults{
		BatchID: batchID,
		Total:   len(batch.JobIDs),
		Results: make([]crawler.ResultPayload, 0, len(found)),
	}
	for _, p := range found {
		if p == nil {
			continue
		}
		if p.Successful() {
			out.Successful++
		} else {
			out.Failed++
		}
		out.Results = append(out.Results, *p)
	}
	return out, nil
}

func (o *Orchestrator) batch(ctx context.Context, batchID string) (crawler.BatchInfo, error) {
	batch, ok, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return crawler.BatchInfo{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	if !ok {
		return crawler.BatchInfo{}, fmt.Errorf("batch %s: %w", batchID, crawler.ErrNotFound)
	}
	return batch, nil
}

func (o *Orchestrator) state(ctx context.Context, jobID string) (crawler.JobState, error) {
	state, err := o.engine.State(ctx, jobID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return "", fmt.Errorf("job state %s: %w", jobID, err)
	}
	payload, ok, serr := o.store.GetResult(ctx, jobID)
	if serr != nil {
		return "", fmt.Errorf("get result %s: %w", jobID, serr)
	}
	if !ok {
		return "", err
	}
	if payload.Successful() {
		return crawler.JobStateSucceeded, nil
	}
	return crawler.JobStateFailed, nil
}

func progress(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}
