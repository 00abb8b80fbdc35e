// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/batches for submission.
//   - GET /v1/jobs/{job_id}/... and /v1/batches/{batch_id}/... for status and results.
//   - GET /v1/proxies/stats when the process also runs workers.
package api
