// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server validates job and batch requests and hands them to the orchestrator, which
//     submits one task per URL to the task engine and persists batch membership in the result store.
//   - Task engine: asynq over Redis in production; an in-process channel engine for local runs
//     (engine.backend=memory, role all only). The engine owns job ids and live job state.
//   - Fetch pipeline: workers run the fetch executor, which picks a sticky proxy from the pool, issues the GET
//     through a colly collector, classifies the reply as blocked, invalid, or valid, reports the outcome back to the
//     pool, and retries with linear backoff.
//   - Persistence: each task writes exactly one result payload (gzip+base64 body on success) under result:{job_id};
//     batches live under batch:{batch_id}. Both keys expire after redis.result_ttl_seconds.
//   - Configuration & plumbing: Viper populates config from .env, an optional file, and CRAWLER_* env vars; zap
//     provides structured logging; Prometheus metrics are exported on /metrics.
//
// Roles:
//   - api: HTTP API only; submits tasks and reads state.
//   - worker: consumes tasks; serves /healthz and /metrics only.
//   - all: both in one process.
//
// Quick checklist:
//   - Run locally: go run ./cmd/crawler -config config.yaml
//   - Proxies: one per line in proxy.file (ip:port or ip:port:user:pass); set fetch.allow_direct=true to fetch
//     without proxies when the list is empty.
//   - Shutdown: SIGINT/SIGTERM drains HTTP and in-flight tasks within server.shutdown_timeout_seconds.
package main
