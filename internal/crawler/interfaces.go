package crawler

import (
	"context"
	"time"
)

// TaskEngine submits fetch tasks for asynchronous execution and reports their state.
type TaskEngine interface {
	// Submit hands the task to the engine and returns the engine-assigned job id.
	Submit(ctx context.Context, task FetchTask) (string, error)
	// State returns the live state for jobID, or ErrNotFound.
	State(ctx context.Context, jobID string) (JobState, error)
}

// TaskHandler executes one fetch task inside an engine worker.
type TaskHandler interface {
	Handle(ctx context.Context, task FetchTask) error
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task FetchTask) error

// Handle calls f.
func (f TaskHandlerFunc) Handle(ctx context.Context, task FetchTask) error {
	return f(ctx, task)
}

// ResultStore persists result payloads and batch metadata with a TTL.
// A missing key is reported through the boolean, not an error.
type ResultStore interface {
	SaveResult(ctx context.Context, payload ResultPayload) error
	GetResult(ctx context.Context, jobID string) (ResultPayload, bool, error)
	SaveBatch(ctx context.Context, batch BatchInfo) error
	GetBatch(ctx context.Context, batchID string) (BatchInfo, bool, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
