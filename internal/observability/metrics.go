package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the BFF. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        prometheus.Counter

	// Query cache metrics
	QueryCacheHitsTotal      *prometheus.CounterVec
	QueryCacheMissesTotal    *prometheus.CounterVec
	QueryInvalidationsTotal  *prometheus.CounterVec
	QueryStaleDiscardedTotal *prometheus.CounterVec
	NormalizeSkippedTotal    *prometheus.CounterVec

	// Access metrics
	GuardDecisionsTotal *prometheus.CounterVec
	SessionEventsTotal  *prometheus.CounterVec
	PolicyReloadsTotal  *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_backend_requests_total",
			Help: "Total number of fleet backend requests.",
		}, []string{"endpoint", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_backend_request_duration_seconds",
			Help:    "Fleet backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"endpoint"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_backend_retries_total",
			Help: "Total number of backend request retries.",
		}),

		// Query cache
		QueryCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_query_cache_hits_total",
			Help: "Total query cache hits.",
		}, []string{"resource"}),
		QueryCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_query_cache_misses_total",
			Help: "Total query cache misses.",
		}, []string{"resource"}),
		QueryInvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_query_invalidations_total",
			Help: "Total resource invalidations.",
		}, []string{"resource"}),
		QueryStaleDiscardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_query_stale_discarded_total",
			Help: "Fetch results not cached because the resource was invalidated mid-flight.",
		}, []string{"resource"}),
		NormalizeSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_normalize_skipped_records_total",
			Help: "Backend records left out of a collection because they could not be mapped.",
		}, []string{"resource"}),

		// Access
		GuardDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_guard_decisions_total",
			Help: "Route guard decisions by outcome.",
		}, []string{"outcome"}),
		SessionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_session_events_total",
			Help: "Session lifecycle events (login, login_failed, logout, expired).",
		}, []string{"event"}),
		PolicyReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_policy_reloads_total",
			Help: "Capability policy file reloads.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Query cache
		m.QueryCacheHitsTotal,
		m.QueryCacheMissesTotal,
		m.QueryInvalidationsTotal,
		m.QueryStaleDiscardedTotal,
		m.NormalizeSkippedTotal,
		// Access
		m.GuardDecisionsTotal,
		m.SessionEventsTotal,
		m.PolicyReloadsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordBackendRequest records a fleet backend request. status is 0 when no
// response was received.
func (m *Metrics) RecordBackendRequest(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry() {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.Inc()
}

// RecordQueryHit records a query cache hit.
func (m *Metrics) RecordQueryHit(resource string) {
	if m == nil {
		return
	}
	m.QueryCacheHitsTotal.WithLabelValues(resource).Inc()
}

// RecordQueryMiss records a query cache miss.
func (m *Metrics) RecordQueryMiss(resource string) {
	if m == nil {
		return
	}
	m.QueryCacheMissesTotal.WithLabelValues(resource).Inc()
}

// RecordQueryInvalidation records a resource invalidation.
func (m *Metrics) RecordQueryInvalidation(resource string) {
	if m == nil {
		return
	}
	m.QueryInvalidationsTotal.WithLabelValues(resource).Inc()
}

// RecordQueryStaleDiscard records a fetch result that was not cached.
func (m *Metrics) RecordQueryStaleDiscard(resource string) {
	if m == nil {
		return
	}
	m.QueryStaleDiscardedTotal.WithLabelValues(resource).Inc()
}

// RecordNormalizeSkipped records records dropped from a collection.
func (m *Metrics) RecordNormalizeSkipped(resource string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.NormalizeSkippedTotal.WithLabelValues(resource).Add(float64(n))
}

// RecordGuardDecision records a route guard outcome.
func (m *Metrics) RecordGuardDecision(outcome string) {
	if m == nil {
		return
	}
	m.GuardDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionEvent records a session lifecycle event.
func (m *Metrics) RecordSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEventsTotal.WithLabelValues(event).Inc()
}

// RecordPolicyReload records a policy file reload.
func (m *Metrics) RecordPolicyReload(status string) {
	if m == nil {
		return
	}
	m.PolicyReloadsTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
