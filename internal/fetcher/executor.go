// Package fetcher runs one logical fetch to completion: it picks proxies from
// the pool, issues the request, classifies the outcome, feeds the result back
// to the pool, and retries with backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/proxypool"
	"github.com/softK1T/crawler-api/internal/telemetry"
)

// ProxyPicker is the slice of the proxy pool the executor needs.
type ProxyPicker interface {
	Pick() (proxypool.Proxy, bool)
	Report(proxy proxypool.Proxy, outcome proxypool.Outcome)
	Len() int
}

// Limiter throttles attempts per target host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Transport performs a single HTTP GET attempt. Non-2xx responses are returned
// as a Reply; only transport-level failures return an error.
type Transport interface {
	Do(ctx context.Context, attempt Attempt) (Reply, error)
}

// Timeouts bounds the phases of one attempt.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// Total is the overall budget of one attempt.
func (t Timeouts) Total() time.Duration {
	return t.Connect + t.Read + t.Write + t.Pool
}

// Attempt describes one request issued by the transport.
type Attempt struct {
	URL       string
	Proxy     *url.URL
	ProxyID   string
	Header    http.Header
	UserAgent string
	Timeouts  Timeouts
}

// Reply is the raw outcome of an attempt that reached the upstream.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}

// Config controls retry and request behavior.
type Config struct {
	MaxRetries     int
	Delay          time.Duration
	Timeouts       Timeouts
	AllowDirect    bool
	DefaultHeaders map[string]string
	UserAgents     []string
}

// Request is one logical fetch.
type Request struct {
	URL     string
	Headers map[string]string
	// Timeout overrides the read timeout when set.
	Timeout time.Duration
}

// Response is a successful fetch.
type Response struct {
	StatusCode     int
	Header         http.Header
	Body           []byte
	FinalURL       string
	Attempts       int
	Proxy          string
	RequestHeaders http.Header
}

// ContentType returns the response media type header, if any.
func (r Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// FetchError is returned when a fetch ends without valid content.
type FetchError struct {
	Kind       crawler.ErrorKind
	StatusCode int
	Attempts   int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Stats are running counters for introspection.
type Stats struct {
	Total      int64 `json:"total_requests"`
	Successful int64 `json:"successful_requests"`
	Blocked    int64 `json:"blocked_requests"`
	NoProxy    int64 `json:"no_proxy"`
}

// Executor is safe for concurrent use; all shared state lives in the pool.
type Executor struct {
	pool       ProxyPicker
	transport  Transport
	classifier *Classifier
	cfg        Config
	agents     *userAgentPool
	limiter    Limiter
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger

	total      atomic.Int64
	successful atomic.Int64
	blocked    atomic.Int64
	noProxy    atomic.Int64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// WithLimiter throttles every attempt through limiter.
func WithLimiter(limiter Limiter) Option {
	return func(e *Executor) { e.limiter = limiter }
}

// NewExecutor wires an Executor.
func NewExecutor(
	pool ProxyPicker,
	transport Transport,
	classifier *Classifier,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Executor, error) {
	if pool == nil {
		return nil, errors.New("proxy pool is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("max retries must be > 0")
	}
	if cfg.DefaultHeaders == nil {
		cfg.DefaultHeaders = DefaultHeaders
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		pool:       pool,
		transport:  transport,
		classifier: classifier,
		cfg:        cfg,
		agents:     newUserAgentPool(cfg.UserAgents),
		sleep:      sleepContext,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Stats returns a snapshot of the running counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Total:      e.total.Load(),
		Successful: e.successful.Load(),
		Blocked:    e.blocked.Load(),
		NoProxy:    e.noProxy.Load(),
	}
}

// Fetch retrieves req.URL, retrying up to MaxRetries attempts.
func (e *Executor) Fetch(ctx context.Context, req Request) (Response, error) {
	timeouts := e.cfg.Timeouts
	if req.Timeout > 0 {
		timeouts.Read = req.Timeout
	}
	header := mergeHeaders(e.cfg.DefaultHeaders, req.Headers)
	callerAgent := header.Get("User-Agent")
	logger := e.logger.With(zap.String("url", req.URL))

	var last *FetchError
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, canceled(err, attempt-1)
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, req.URL); err != nil {
				return Response{}, canceled(err, attempt-1)
			}
		}

		proxy, direct, ok := e.pickProxy()
		if !ok {
			e.noProxy.Add(1)
			telemetry.ObserveFetchAttempt(string(crawler.ErrorKindExhausted))
			logger.Warn("no proxy available", zap.Int("attempt", attempt))
			return Response{}, &FetchError{
				Kind:     crawler.ErrorKindExhausted,
				Attempts: attempt - 1,
				Message:  "no proxy available",
				Err:      crawler.ErrNoProxyAvailable,
			}
		}

		agent := callerAgent
		if agent == "" {
			agent = e.agents.pick()
		}
		sent := header.Clone()
		sent.Set("User-Agent", agent)

		e.total.Add(1)
		reply, err := e.transport.Do(ctx, Attempt{
			URL:       req.URL,
			Proxy:     proxy.URL,
			ProxyID:   proxy.ID,
			Header:    sent,
			UserAgent: agent,
			Timeouts:  timeouts,
		})

		failure, verdict := e.classify(reply, err)
		if failure == nil {
			e.successful.Add(1)
			e.report(proxy, direct, proxypool.Outcome{Success: true})
			telemetry.ObserveFetchAttempt("success")
			return Response{
				StatusCode:     reply.StatusCode,
				Header:         reply.Header,
				Body:           reply.Body,
				FinalURL:       reply.FinalURL,
				Attempts:       attempt,
				Proxy:          proxy.Redacted(),
				RequestHeaders: sent,
			}, nil
		}

		failure.Attempts = attempt
		last = failure
		telemetry.ObserveFetchAttempt(string(failure.Kind))
		if verdict == VerdictBlocked {
			e.blocked.Add(1)
			e.report(proxy, direct, proxypool.Outcome{Blocked: true})
		} else {
			e.report(proxy, direct, proxypool.Outcome{Success: false})
		}
		logger.Debug("fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.String("proxy", proxy.Redacted()),
			zap.String("kind", string(failure.Kind)),
			zap.String("reason", failure.Message),
		)

		if attempt == e.cfg.MaxRetries {
			break
		}
		if err := e.sleep(ctx, e.backoff(attempt, verdict)); err != nil {
			return Response{}, canceled(err, attempt)
		}
	}

	last.Message = fmt.Sprintf("failed after %d attempts: %s", last.Attempts, last.Message)
	return Response{}, last
}

// pickProxy returns direct=true when the pool is empty and direct fetching is allowed.
func (e *Executor) pickProxy() (proxypool.Proxy, bool, bool) {
	if e.cfg.AllowDirect && e.pool.Len() == 0 {
		return proxypool.Proxy{}, true, true
	}
	proxy, ok := e.pool.Pick()
	return proxy, false, ok
}

func (e *Executor) report(proxy proxypool.Proxy, direct bool, outcome proxypool.Outcome) {
	if direct {
		return
	}
	e.pool.Report(proxy, outcome)
}

// classify applies the outcome priority: transport error, non-2xx, block, invalid.
func (e *Executor) classify(reply Reply, err error) (*FetchError, Verdict) {
	if err != nil {
		return &FetchError{Kind: crawler.ErrorKindTransport, Message: err.Error(), Err: err}, VerdictInvalid
	}
	if reply.StatusCode < 200 || reply.StatusCode > 299 {
		return &FetchError{
			Kind:       crawler.ErrorKindUpstreamStatus,
			StatusCode: reply.StatusCode,
			Message:    fmt.Sprintf("upstream status %d", reply.StatusCode),
		}, VerdictInvalid
	}
	switch verdict, reason := e.classifier.Classify(reply.Body); verdict {
	case VerdictBlocked:
		return &FetchError{Kind: crawler.ErrorKindBlocked, StatusCode: reply.StatusCode, Message: reason}, verdict
	case VerdictInvalid:
		return &FetchError{Kind: crawler.ErrorKindInvalidContent, StatusCode: reply.StatusCode, Message: reason}, verdict
	default:
		return nil, VerdictValid
	}
}

// backoff is delay*min(attempt,3) for ordinary failures and delay*3 for blocks.
func (e *Executor) backoff(attempt int, verdict Verdict) time.Duration {
	if verdict == VerdictBlocked {
		return e.cfg.Delay * 3
	}
	return e.cfg.Delay * time.Duration(min(attempt, 3))
}

func canceled(err error, attempts int) *FetchError {
	return &FetchError{
		Kind:     crawler.ErrorKindTransport,
		Attempts: attempts,
		Message:  fmt.Sprintf("fetch canceled: %v", err),
		Err:      err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
