// Package redis provides the Redis-backed ResultStore shared by API and workers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/softK1T/crawler-api/internal/crawler"
)

const (
	resultKeyPrefix = "result:"
	batchKeyPrefix  = "batch:"
)

// ResultKey returns the key holding the payload for jobID.
func ResultKey(jobID string) string { return resultKeyPrefix + jobID }

// BatchKey returns the key holding metadata for batchID.
func BatchKey(batchID string) string { return batchKeyPrefix + batchID }

// ResultStore stores JSON documents with a fixed TTL.
type ResultStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewResultStore wraps an existing client. A zero ttl stores keys without expiry.
func NewResultStore(client goredis.UniversalClient, ttl time.Duration) (*ResultStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return &ResultStore{client: client, ttl: ttl}, nil
}

// Dial parses a redis:// URL and returns a connected ResultStore.
func Dial(ctx context.Context, rawURL string, ttl time.Duration) (*ResultStore, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // best effort on a failed dial
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewResultStore(client, ttl)
}

// SaveResult writes the payload under result:{job_id}, replacing any previous value.
func (s *ResultStore) SaveResult(ctx context.Context, payload crawler.ResultPayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", payload.JobID, err)
	}
	if err := s.client.Set(ctx, ResultKey(payload.JobID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save result %s: %w", payload.JobID, err)
	}
	return nil
}

// GetResult reads result:{job_id}.
func (s *ResultStore) GetResult(ctx context.Context, jobID string) (crawler.ResultPayload, bool, error) {
	var payload crawler.ResultPayload
	ok, err := s.getJSON(ctx, ResultKey(jobID), &payload)
	if err != nil || !ok {
		return crawler.ResultPayload{}, false, err
	}
	return payload, true, nil
}

// SaveBatch writes batch:{batch_id} only if it does not exist yet.
func (s *ResultStore) SaveBatch(ctx context.Context, batch crawler.BatchInfo) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", batch.BatchID, err)
	}
	created, err := s.client.SetNX(ctx, BatchKey(batch.BatchID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save batch %s: %w", batch.BatchID, err)
	}
	if !created {
		return fmt.Errorf("save batch %s: %w", batch.BatchID, crawler.ErrBatchExists)
	}
	return nil
}

// GetBatch reads batch:{batch_id}.
func (s *ResultStore) GetBatch(ctx context.Context, batchID string) (crawler.BatchInfo, bool, error) {
	var batch crawler.BatchInfo
	ok, err := s.getJSON(ctx, BatchKey(batchID), &batch)
	if err != nil || !ok {
		return crawler.BatchInfo{}, false, err
	}
	return batch, true, nil
}

// Ping checks connectivity.
func (s *ResultStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *ResultStore) Close() error {
	return s.client.Close()
}

func (s *ResultStore) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
