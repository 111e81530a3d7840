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

const metricsNamespace = "solicitudes"

var (
	latencyBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	payloadBuckets  = []float64{128, 1 << 10, 8 << 10, 64 << 10, 512 << 10, 1 << 20}
	approvalBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds the service's Prometheus instruments. All recording methods
// are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec
	HTTPInFlight          prometheus.Gauge

	ApprovalsTotal          *prometheus.CounterVec
	ApprovalDuration        *prometheus.HistogramVec
	ApprovalNoopsTotal      prometheus.Counter
	ApprovalFailuresTotal   *prometheus.CounterVec
	RequestsCreatedTotal    prometheus.Counter
	CounterAllocationsTotal *prometheus.CounterVec

	NotificationFailuresTotal *prometheus.CounterVec
	NotificationsSentTotal    *prometheus.CounterVec
	IdempotentReplaysTotal    prometheus.Counter
	BlockedDayTogglesTotal    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

// NewMetrics creates the instruments and registers them with reg. When reg is
// also a Gatherer (as a *prometheus.Registry is), Handler serves from it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: counterVec("http", "requests_total",
			"HTTP requests served.", "method", "path_pattern", "status"),
		HTTPRequestDuration: histogramVec("http", "request_duration_seconds",
			"HTTP request latency.", latencyBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes: histogramVec("http", "request_size_bytes",
			"HTTP request body size.", payloadBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogramVec("http", "response_size_bytes",
			"HTTP response body size.", payloadBuckets, "method", "path_pattern"),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),

		ApprovalsTotal: counterVec("", "approvals_total",
			"Persisted approval transitions.", "role", "action", "new_state"),
		ApprovalDuration: histogramVec("", "approval_duration_seconds",
			"Approval submission latency by acting role.", approvalBuckets, "role"),
		ApprovalNoopsTotal: counter("", "approval_noops_total",
			"Approval submissions that changed nothing."),
		ApprovalFailuresTotal: counterVec("", "approval_failures_total",
			"Failed approval submissions by error code.", "code"),
		RequestsCreatedTotal: counter("", "requests_created_total",
			"Work requests created."),
		CounterAllocationsTotal: counterVec("", "counter_allocations_total",
			"Values drawn from named counters.", "counter"),

		NotificationFailuresTotal: counterVec("", "notification_failures_total",
			"Notifications that could not be dispatched.", "kind"),
		NotificationsSentTotal: counterVec("", "notifications_sent_total",
			"Notifications dispatched.", "kind"),
		IdempotentReplaysTotal: counter("", "idempotent_replays_total",
			"Approval submissions answered from the idempotency store."),
		BlockedDayTogglesTotal: counterVec("", "blocked_day_toggles_total",
			"Calendar day block toggles by resulting state.", "blocked"),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPRequestSizeBytes, m.HTTPResponseSizeBytes, m.HTTPInFlight,
		m.ApprovalsTotal, m.ApprovalDuration, m.ApprovalNoopsTotal, m.ApprovalFailuresTotal,
		m.RequestsCreatedTotal, m.CounterAllocationsTotal,
		m.NotificationFailuresTotal, m.NotificationsSentTotal, m.IdempotentReplaysTotal, m.BlockedDayTogglesTotal,
	)
	return m
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordApproval records a persisted transition.
func (m *Metrics) RecordApproval(role int, action string, newState int, duration time.Duration) {
	if m == nil {
		return
	}
	r := strconv.Itoa(role)
	m.ApprovalsTotal.WithLabelValues(r, action, strconv.Itoa(newState)).Inc()
	m.ApprovalDuration.WithLabelValues(r).Observe(duration.Seconds())
}

func (m *Metrics) RecordApprovalNoop() {
	if m != nil {
		m.ApprovalNoopsTotal.Inc()
	}
}

func (m *Metrics) RecordApprovalFailure(code string) {
	if m != nil {
		m.ApprovalFailuresTotal.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) RecordRequestCreated() {
	if m != nil {
		m.RequestsCreatedTotal.Inc()
	}
}

func (m *Metrics) RecordCounterAllocation(name string) {
	if m != nil {
		m.CounterAllocationsTotal.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) RecordNotificationFailure(kind string) {
	if m != nil {
		m.NotificationFailuresTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordNotificationSent(kind string) {
	if m != nil {
		m.NotificationsSentTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordIdempotentReplay() {
	if m != nil {
		m.IdempotentReplaysTotal.Inc()
	}
}

// RecordBlockedDayToggle records a toggle labelled with the day's new state.
func (m *Metrics) RecordBlockedDayToggle(blocked bool) {
	if m != nil {
		m.BlockedDayTogglesTotal.WithLabelValues(strconv.FormatBool(blocked)).Inc()
	}
}

// MetricsMiddleware records request metrics labelled with chi's route pattern
// rather than the raw path, keeping label cardinality bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		reqSize := max(int(r.ContentLength), 0)
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.statusCode(), time.Since(start), reqSize, sw.bytes)
	})
}

// Handler serves the registry the metrics were registered with, or the
// default registry when that registry cannot be gathered.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// routePattern returns chi's matched route pattern, or the raw path outside a
// chi router.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*"); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
