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

var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
	patchSizeBuckets       = []float64{1, 2, 3, 5, 8, 13, 21}
)

// Save outcomes used as the "outcome" label.
const (
	SaveOutcomeSaved    = "saved"
	SaveOutcomeSkipped  = "skipped"
	SaveOutcomeRejected = "rejected"
	SaveOutcomeFailed   = "failed"
	SaveOutcomeReplayed = "replayed"
)

// Metrics holds all Prometheus instruments of the service.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Edit sessions
	SessionsOpenedTotal  *prometheus.CounterVec
	SessionsActive       prometheus.Gauge
	SessionsExpiredTotal prometheus.Counter
	FieldUpdatesTotal    *prometheus.CounterVec
	SavesTotal           *prometheus.CounterVec
	SaveDuration         *prometheus.HistogramVec
	PatchFields          *prometheus.HistogramVec
	ReloadsTotal         *prometheus.CounterVec

	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	DefinitionsLoaded        prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all instruments on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealdesk_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealdesk_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		SessionsOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_sessions_opened_total",
			Help: "Total number of edit sessions opened.",
		}, []string{"entity_type"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealdesk_sessions_active",
			Help: "Number of edit sessions opened by this process and not yet closed.",
		}),
		SessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_sessions_expired_total",
			Help: "Total number of idle edit sessions removed by the sweeper.",
		}),
		FieldUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_field_updates_total",
			Help: "Total number of field edits applied to sessions.",
		}, []string{"entity_type"}),
		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_saves_total",
			Help: "Total number of save attempts by outcome.",
		}, []string{"entity_type", "outcome"}),
		SaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealdesk_save_duration_seconds",
			Help:    "Save duration in seconds, including the backend round trip.",
			Buckets: backendDurationBuckets,
		}, []string{"entity_type"}),
		PatchFields: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealdesk_patch_fields",
			Help:    "Number of fields carried by each submitted patch.",
			Buckets: patchSizeBuckets,
		}, []string{"entity_type"}),
		ReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_reloads_total",
			Help: "Total number of session reloads by status.",
		}, []string{"entity_type", "status"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service_id", "operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dealdesk_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealdesk_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealdesk_definitions_loaded",
			Help: "Number of loaded entity definitions.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dealdesk_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.SessionsOpenedTotal,
		m.SessionsActive,
		m.SessionsExpiredTotal,
		m.FieldUpdatesTotal,
		m.SavesTotal,
		m.SaveDuration,
		m.PatchFields,
		m.ReloadsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.DefinitionsLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSessionOpened counts a new session and raises the active gauge.
func (m *Metrics) RecordSessionOpened(entityType string) {
	m.SessionsOpenedTotal.WithLabelValues(entityType).Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed lowers the active gauge.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordSessionsExpired counts sessions removed by the idle sweeper.
func (m *Metrics) RecordSessionsExpired(n int) {
	m.SessionsExpiredTotal.Add(float64(n))
	m.SessionsActive.Sub(float64(n))
}

// RecordFieldUpdates counts applied field edits.
func (m *Metrics) RecordFieldUpdates(entityType string, n int) {
	m.FieldUpdatesTotal.WithLabelValues(entityType).Add(float64(n))
}

// RecordSave records one save attempt. patchFields is ignored for skipped
// and replayed saves.
func (m *Metrics) RecordSave(entityType, outcome string, patchFields int, duration time.Duration) {
	m.SavesTotal.WithLabelValues(entityType, outcome).Inc()
	if outcome == SaveOutcomeSkipped || outcome == SaveOutcomeReplayed {
		return
	}
	m.SaveDuration.WithLabelValues(entityType).Observe(duration.Seconds())
	m.PatchFields.WithLabelValues(entityType).Observe(float64(patchFields))
}

// RecordReload records a session reload.
func (m *Metrics) RecordReload(entityType, status string) {
	m.ReloadsTotal.WithLabelValues(entityType, status).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordCapabilityCache records a capability cache lookup.
func (m *Metrics) RecordCapabilityCache(hit bool) {
	if hit {
		m.CapabilityCacheHitsTotal.Inc()
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// SetDefinitionsLoaded sets the number of loaded entity definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled with chi's route
// pattern, so session IDs never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns chi's matched route pattern, or the raw path for
// unrouted requests.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter captures status and body size.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
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
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
