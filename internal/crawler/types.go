package crawler

import (
	"fmt"
	"time"
)

// JobState enumerates the lifecycle states reported by a task engine.
type JobState string

const (
	// JobStatePending indicates the job is accepted but not yet picked up.
	JobStatePending JobState = "pending"
	// JobStateStarted indicates a worker is executing the job.
	JobStateStarted JobState = "started"
	// JobStateSucceeded indicates the job finished and stored a body.
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed indicates the job finished and stored an error.
	JobStateFailed JobState = "failed"
	// JobStateRetried indicates the engine scheduled the job again.
	JobStateRetried JobState = "retried"
	// JobStateRevoked indicates the engine dropped the job.
	JobStateRevoked JobState = "revoked"
)

// Terminal reports whether no further transitions follow this state.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// ErrorKind is the closed set of failure classifications stored with a result.
type ErrorKind string

const (
	// ErrorKindTransport indicates a network, TLS, or timeout failure, or a canceled fetch.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindUpstreamStatus indicates the target answered with a non-2xx status.
	ErrorKindUpstreamStatus ErrorKind = "upstream_status"
	// ErrorKindBlocked indicates a 2xx body recognized as an anti-bot or block page.
	ErrorKindBlocked ErrorKind = "blocked"
	// ErrorKindInvalidContent indicates a 2xx body that failed the validity checks.
	ErrorKindInvalidContent ErrorKind = "invalid_content"
	// ErrorKindExhausted indicates no proxy was available for the next attempt.
	ErrorKindExhausted ErrorKind = "exhausted"
	// ErrorKindSubmission indicates the task engine rejected the job.
	ErrorKindSubmission ErrorKind = "submission"
)

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindTransport, ErrorKindUpstreamStatus, ErrorKindBlocked,
		ErrorKindInvalidContent, ErrorKindExhausted, ErrorKindSubmission:
		return true
	default:
		return false
	}
}

// FetchTask is the unit of work handed to the task engine.
type FetchTask struct {
	JobID          string            `json:"job_id,omitempty"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	BatchID        string            `json:"batch_id,omitempty"`
}

// Timeout converts TimeoutSeconds into a duration.
func (t FetchTask) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// BodyEncodingBase64Gzip marks bodies compressed with gzip and then base64 encoded.
const BodyEncodingBase64Gzip = "base64+gzip"

// ResultPayload is the terminal record stored for every job. All fields are
// always serialized; optional ones are null.
type ResultPayload struct {
	JobID          string            `json:"job_id"`
	BatchID        *string           `json:"batch_id"`
	URL            string            `json:"url"`
	StatusCode     *int              `json:"status_code"`
	ContentType    *string           `json:"content_type"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	Attempts       int               `json:"attempts"`
	Headers        map[string]string `json:"headers_trunc"`
	BodyEncoding   *string           `json:"body_encoding"`
	Body           *string           `json:"body"`
	ErrorKind      *ErrorKind        `json:"error_kind"`
	ErrorMessage   *string           `json:"error_message"`
	CompletedAt    time.Time         `json:"completed_at"`
}

// Successful reports whether the payload carries no error classification.
func (p ResultPayload) Successful() bool {
	return p.ErrorKind == nil
}

// Validate checks that exactly one of body or error is present.
func (p ResultPayload) Validate() error {
	hasBody := p.Body != nil
	hasErr := p.ErrorKind != nil
	switch {
	case p.JobID == "":
		return fmt.Errorf("%w: missing job id", ErrInvalidPayload)
	case hasBody && hasErr:
		return fmt.Errorf("%w: both body and error set", ErrInvalidPayload)
	case !hasBody && !hasErr:
		return fmt.Errorf("%w: neither body nor error set", ErrInvalidPayload)
	case hasErr && !p.ErrorKind.Valid():
		return fmt.Errorf("%w: unknown error kind %q", ErrInvalidPayload, *p.ErrorKind)
	default:
		return nil
	}
}

// BatchInfo is the immutable metadata written once per batch.
type BatchInfo struct {
	BatchID    string    `json:"batch_id"`
	JobIDs     []string  `json:"job_ids"`
	CreatedAt  time.Time `json:"created_at"`
	TotalCount int       `json:"total_count"`
}
