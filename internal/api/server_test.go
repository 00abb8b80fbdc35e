package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/config"
	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/fetcher"
	"github.com/softK1T/crawler-api/internal/orchestrator"
	"github.com/softK1T/crawler-api/internal/proxypool"
	queueMemory "github.com/softK1T/crawler-api/internal/queue/memory"
	storeMemory "github.com/softK1T/crawler-api/internal/storage/memory"
)

type seqIDs struct {
	prefix string
	n      atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1)), nil
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type testEnv struct {
	server *Server
	store  *storeMemory.ResultStore
	engine *queueMemory.Engine
}

func testConfig() config.Config {
	return config.Config{
		API: config.APIConfig{DefaultTimeoutSeconds: 15, MaxTimeoutSeconds: 300, MaxBatchURLs: 3},
	}
}

func newTestEnv(t *testing.T, cfg config.Config, deps Deps) testEnv {
	t.Helper()
	store := storeMemory.NewResultStore(time.Hour, nil)
	engine, err := queueMemory.NewEngine(queueMemory.Config{QueueDepth: 16, Concurrency: 1}, &seqIDs{prefix: "job"}, nil)
	require.NoError(t, err)
	orch, err := orchestrator.New(engine, store, &seqIDs{prefix: "batch"}, fakeClock{now: time.Unix(100, 0)}, orchestrator.Config{}, nil)
	require.NoError(t, err)
	deps.Service = orch
	if deps.Ready == nil {
		deps.Ready = store
	}
	return testEnv{server: NewServer(deps, cfg, zap.NewNop()), store: store, engine: engine}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitJobAndReadStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})

	rec := do(t, env.server, http.MethodPost, "/v1/jobs", `{"url":"https://example.com","headers":{"Accept":"text/html"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "job-1", decode[map[string]string](t, rec)["job_id"])

	rec = do(t, env.server, http.MethodGet, "/v1/jobs/job-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[orchestrator.JobStatus](t, rec)
	require.Equal(t, crawler.JobStatePending, status.State)

	rec = do(t, env.server, http.MethodGet, "/v1/jobs/job-404/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})
	cases := map[string]string{
		"invalid json":    `{invalid`,
		"missing url":     `{}`,
		"relative url":    `{"url":"/path"}`,
		"ftp url":         `{"url":"ftp://example.com/file"}`,
		"timeout zero":    `{"url":"https://example.com","timeout":0}`,
		"timeout too big": `{"url":"https://example.com","timeout":301}`,
	}
	for name, body := range cases {
		rec := do(t, env.server, http.MethodPost, "/v1/jobs", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestJobResultEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})

	rec := do(t, env.server, http.MethodGet, "/v1/jobs/job-1/result", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, env.server, http.MethodGet, "/v1/jobs/job-1/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"exists":false,"payload":null}`, rec.Body.String())

	kind := crawler.ErrorKindBlocked
	msg := "failed after 3 attempts: block phrase \"captcha\""
	require.NoError(t, env.store.SaveResult(context.Background(), crawler.ResultPayload{
		JobID: "job-1", URL: "https://example.com", Attempts: 3, ErrorKind: &kind, ErrorMessage: &msg,
	}))

	rec = do(t, env.server, http.MethodGet, "/v1/jobs/job-1/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[crawler.ResultPayload](t, rec)
	require.Equal(t, crawler.ErrorKindBlocked, *payload.ErrorKind)

	rec = do(t, env.server, http.MethodGet, "/v1/jobs/job-1/results", "")
	env1 := decode[resultEnvelope](t, rec)
	require.True(t, env1.Exists)
	require.Equal(t, "job-1", env1.Payload.JobID)
}

func TestBatchLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})

	rec := do(t, env.server, http.MethodPost, "/v1/batches", `{"urls":["https://a.example","https://b.example"],"timeout":30}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	batch := decode[batchResponse](t, rec)
	require.Equal(t, "batch-1", batch.BatchID)
	require.Equal(t, []string{"job-1", "job-2"}, batch.JobIDs)
	require.Equal(t, 2, batch.TotalCount)

	body := "done"
	require.NoError(t, env.store.SaveResult(context.Background(), crawler.ResultPayload{JobID: "job-2", Body: &body}))

	rec = do(t, env.server, http.MethodGet, "/v1/batches/batch-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[orchestrator.BatchStatus](t, rec)
	require.Equal(t, 2, status.Total)
	require.Len(t, status.Jobs, 2)

	rec = do(t, env.server, http.MethodGet, "/v1/batches/batch-1/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[orchestrator.BatchResults](t, rec)
	require.Equal(t, 2, results.Total)
	require.Equal(t, 1, results.Successful)
	require.Len(t, results.Results, 1)

	rec = do(t, env.server, http.MethodGet, "/v1/batches/batch-404/results", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitBatchValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})
	cases := map[string]string{
		"empty":       `{"urls":[]}`,
		"too many":    `{"urls":["https://a.example","https://b.example","https://c.example","https://d.example"]}`,
		"invalid url": `{"urls":["https://a.example","not a url"]}`,
		"bad timeout": `{"urls":["https://a.example"],"timeout":-1}`,
	}
	for name, body := range cases {
		rec := do(t, env.server, http.MethodPost, "/v1/batches", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	rec := do(t, env.server, http.MethodPost, "/v1/batches", `{"urls":["https://a.example","not a url"]}`)
	require.Contains(t, rec.Body.String(), "urls[1]")
}

type failingService struct {
	Service
	err error
}

func (f failingService) SubmitJob(context.Context, orchestrator.JobRequest) (string, error) {
	return "", f.err
}

func (f failingService) SubmitBatch(context.Context, orchestrator.BatchRequest) (crawler.BatchInfo, error) {
	return crawler.BatchInfo{}, f.err
}

func (f failingService) BatchStatus(context.Context, string) (orchestrator.BatchStatus, error) {
	return orchestrator.BatchStatus{}, f.err
}

func TestServiceErrorMapping(t *testing.T) {
	t.Parallel()

	submission := fmt.Errorf("%w: broker unavailable", crawler.ErrSubmission)
	s := NewServer(Deps{Service: failingService{err: submission}}, testConfig(), zap.NewNop())

	rec := do(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/batches", `{"urls":["https://example.com"]}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	s = NewServer(Deps{Service: failingService{err: errors.New("redis down")}}, testConfig(), zap.NewNop())
	rec = do(t, s, http.MethodGet, "/v1/batches/b-1/status", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "redis down")
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})
	rec := do(t, env.server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, env.server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestEnv(t, testConfig(), Deps{Ready: pingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	})})
	rec = do(t, down.server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})
	do(t, env.server, http.MethodGet, "/healthz", "")
	rec := do(t, env.server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
}

type staticPool struct{}

func (staticPool) Stats() proxypool.Stats {
	return proxypool.Stats{Total: 4, Available: 3, Blocked: 1}
}

type staticExecutor struct{}

func (staticExecutor) Stats() fetcher.Stats {
	return fetcher.Stats{Total: 10, Successful: 7, Blocked: 2, NoProxy: 1}
}

func TestProxyStatsRoute(t *testing.T) {
	t.Parallel()

	apiOnly := newTestEnv(t, testConfig(), Deps{})
	rec := do(t, apiOnly.server, http.MethodGet, "/v1/proxies/stats", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	worker := newTestEnv(t, testConfig(), Deps{Pool: staticPool{}, Executor: staticExecutor{}})
	rec = do(t, worker.server, http.MethodGet, "/v1/proxies/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]map[string]any](t, rec)
	require.EqualValues(t, 3, body["pool"]["available"])
	require.EqualValues(t, 7, body["executor"]["successful_requests"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	env := newTestEnv(t, cfg, Deps{})

	rec := do(t, env.server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")

	rec = do(t, env.server, http.MethodPost, "/v1/jobs", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"url":"https://example.com"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), Deps{})
	rec := do(t, env.server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
