// Package telemetry exposes the Prometheus collectors for the fetch service.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetch_attempts_total",
			Help: "Fetch attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Completed logical fetches, labeled by site and result.",
		},
		[]string{"site", "result"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Wall time of logical fetches including retries.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)

	fetchedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	proxyPoolProxies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_proxy_pool_proxies",
			Help: "Proxies in the pool, labeled by state.",
		},
		[]string{"state"},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-host rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"site"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_total",
			Help: "Task lifecycle transitions observed by workers, labeled by state.",
		},
		[]string{"state"},
	)

	activeTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_tasks",
			Help: "Number of tasks currently executing.",
		},
	)

	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_submissions_total",
			Help: "Submitted jobs, labeled by kind (job, batch) and result.",
		},
		[]string{"kind", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the lowercase hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetchAttempt counts one attempt outcome ("success" or an error kind).
func ObserveFetchAttempt(outcome string) {
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a finished logical fetch.
func ObserveFetch(site, result string, bytesFetched int, duration time.Duration) {
	sanitized := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitized, result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchedBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// SetProxyPool publishes proxy pool gauges.
func SetProxyPool(total, available, blocked, bad int) {
	proxyPoolProxies.WithLabelValues("total").Set(float64(total))
	proxyPoolProxies.WithLabelValues("available").Set(float64(available))
	proxyPoolProxies.WithLabelValues("blocked").Set(float64(blocked))
	proxyPoolProxies.WithLabelValues("bad").Set(float64(bad))
}

// ObserveRateLimitDelay records time spent blocked on the per-host limiter.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// ObserveTask records a task lifecycle transition.
func ObserveTask(state string) {
	tasksTotal.WithLabelValues(state).Inc()
}

// IncActiveTasks increments the active task gauge.
func IncActiveTasks() {
	activeTasks.Inc()
}

// DecActiveTasks decrements the active task gauge.
func DecActiveTasks() {
	activeTasks.Dec()
}

// ObserveSubmission counts n submitted jobs of kind with result.
func ObserveSubmission(kind, result string, n int) {
	submissionsTotal.WithLabelValues(kind, result).Add(float64(n))
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
