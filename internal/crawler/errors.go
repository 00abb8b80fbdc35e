package crawler

import "errors"

var (
	// ErrNotFound is returned when a job or batch id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrNoProxyAvailable is returned when the proxy pool has no usable proxy.
	ErrNoProxyAvailable = errors.New("no proxy available")
	// ErrSubmission is returned when the task engine rejects a submission.
	ErrSubmission = errors.New("submission rejected")
	// ErrBatchExists is returned when batch metadata is written twice.
	ErrBatchExists = errors.New("batch already exists")
	// ErrInvalidPayload is returned for result payloads that break the body/error rule.
	ErrInvalidPayload = errors.New("invalid result payload")
)
