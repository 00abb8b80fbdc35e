// Package memory provides an in-process ResultStore for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/softK1T/crawler-api/internal/crawler"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// ResultStore keeps payloads and batch metadata in maps with a TTL.
type ResultStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	results map[string]entry[crawler.ResultPayload]
	batches map[string]entry[crawler.BatchInfo]
}

// NewResultStore constructs a ResultStore. A zero ttl keeps entries forever.
func NewResultStore(ttl time.Duration, now func() time.Time) *ResultStore {
	if now == nil {
		now = time.Now
	}
	return &ResultStore{
		ttl:     ttl,
		now:     now,
		results: make(map[string]entry[crawler.ResultPayload]),
		batches: make(map[string]entry[crawler.BatchInfo]),
	}
}

// SaveResult stores the payload under its job id.
func (s *ResultStore) SaveResult(_ context.Context, payload crawler.ResultPayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[payload.JobID] = entry[crawler.ResultPayload]{value: clonePayload(payload), expiresAt: s.expiry()}
	return nil
}

// GetResult returns the payload for jobID, if present and not expired.
func (s *ResultStore) GetResult(_ context.Context, jobID string) (crawler.ResultPayload, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.results[jobID]
	if !ok || e.expired(s.now()) {
		return crawler.ResultPayload{}, false, nil
	}
	return clonePayload(e.value), true, nil
}

// SaveBatch writes batch metadata once.
func (s *ResultStore) SaveBatch(_ context.Context, batch crawler.BatchInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.batches[batch.BatchID]; ok && !e.expired(s.now()) {
		return fmt.Errorf("save batch %s: %w", batch.BatchID, crawler.ErrBatchExists)
	}
	batch.JobIDs = append([]string(nil), batch.JobIDs...)
	s.batches[batch.BatchID] = entry[crawler.BatchInfo]{value: batch, expiresAt: s.expiry()}
	return nil
}

// GetBatch returns batch metadata, if present and not expired.
func (s *ResultStore) GetBatch(_ context.Context, batchID string) (crawler.BatchInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.batches[batchID]
	if !ok || e.expired(s.now()) {
		return crawler.BatchInfo{}, false, nil
	}
	out := e.value
	out.JobIDs = append([]string(nil), out.JobIDs...)
	return out, true, nil
}

// Ping always succeeds.
func (s *ResultStore) Ping(context.Context) error {
	return nil
}

func (s *ResultStore) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}

func clonePayload(p crawler.ResultPayload) crawler.ResultPayload {
	if p.Headers != nil {
		headers := make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		p.Headers = headers
	}
	return p
}
