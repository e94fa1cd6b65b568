// Package middleware provides metrics for gateway operations.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricGatewayActionsTotal   = "gateway_actions_total"
	MetricKeyDecryptsTotal      = "gateway_key_decrypts_total"
	MetricMemoryViolationsTotal = "gateway_memory_violations_total"
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitStoreErrors  = "rate_limit_store_errors_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricUpstreamRequestsTotal = "wallet_api_requests_total"
	MetricUpstreamErrorsTotal   = "wallet_api_errors_total"
)

// Metrics contains Prometheus metrics for gateway operations.
// All operations are thread-safe.
type Metrics struct {
	gatewayActions      *prometheus.CounterVec
	keyDecrypts         *prometheus.CounterVec
	memoryViolations    prometheus.Counter
	rateLimitRequests   *prometheus.CounterVec
	rateLimitBlocked    *prometheus.CounterVec
	rateLimitStoreErrs  prometheus.Counter
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	upstreamRequests    *prometheus.CounterVec
	upstreamErrors      *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		gatewayActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricGatewayActionsTotal,
				Help: "Total number of dispatched gateway actions by action, scope and outcome",
			},
			[]string{"action", "scope", "outcome"},
		),
		keyDecrypts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricKeyDecryptsTotal,
				Help: "Total number of wallet credential decrypts by operation kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
		memoryViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricMemoryViolationsTotal,
				Help: "Total number of detected unreleased-secret violations",
			},
		),
		rateLimitRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitRequests,
				Help: "Total number of rate limit checks by scope",
			},
			[]string{"scope"},
		),
		rateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Total number of rate limit violations (blocked requests) by scope",
			},
			[]string{"scope"},
		),
		rateLimitStoreErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitStoreErrors,
				Help: "Total number of rate limit store errors (fail-open/fail-closed events)",
			},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUpstreamRequestsTotal,
				Help: "Total number of wallet management API calls by operation",
			},
			[]string{"operation"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUpstreamErrorsTotal,
				Help: "Total number of wallet management API failures by operation",
			},
			[]string{"operation"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if any metric fails to register.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.gatewayActions,
		m.keyDecrypts,
		m.memoryViolations,
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitStoreErrs,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.upstreamRequests,
		m.upstreamErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveGatewayAction records a dispatched gateway action.
func (m *Metrics) ObserveGatewayAction(action, scope, outcome string) {
	m.gatewayActions.WithLabelValues(action, scope, outcome).Inc()
}

// ObserveKeyDecrypt records a wallet credential decrypt.
func (m *Metrics) ObserveKeyDecrypt(operation, outcome string) {
	m.keyDecrypts.WithLabelValues(operation, outcome).Inc()
}

// ObserveMemoryViolation records a detected unreleased-secret violation.
func (m *Metrics) ObserveMemoryViolation() {
	m.memoryViolations.Inc()
}

// ObserveRateLimit records a rate limit check and whether it blocked.
func (m *Metrics) ObserveRateLimit(scope string, blocked bool) {
	m.rateLimitRequests.WithLabelValues(scope).Inc()
	if blocked {
		m.rateLimitBlocked.WithLabelValues(scope).Inc()
	}
}

// ObserveRateLimitStoreError records a rate limit store failure.
func (m *Metrics) ObserveRateLimitStoreError() {
	m.rateLimitStoreErrs.Inc()
}

// ObserveUpstream records a wallet management API call.
func (m *Metrics) ObserveUpstream(operation string, err error) {
	m.upstreamRequests.WithLabelValues(operation).Inc()
	if err != nil {
		m.upstreamErrors.WithLabelValues(operation).Inc()
	}
}

// ObserveHTTPRequest records duration and count for a completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, seconds float64) {
	m.httpRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// Instrument is a middleware that records request duration and counts.
// The route set is small and static, so the raw path is a safe label.
func Instrument(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)
			m.ObserveHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode), time.Since(start).Seconds())
		})
	}
}
