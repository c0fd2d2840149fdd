// Package obs holds the Prometheus collectors of the service.
package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fieldaudit_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldaudit_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldaudit_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldaudit_inspection_transitions_total",
			Help: "Inspection status transitions by target status and outcome.",
		},
		[]string{"to", "outcome"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldaudit_escalations_total",
			Help: "Escalation lifecycle changes by resulting status.",
		},
		[]string{"status"},
	)

	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldaudit_conflicts_total",
			Help: "Conflicts detected by type, and resolutions.",
		},
		[]string{"type", "status"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldaudit_audit_dropped_total",
		Help: "Audit events that could not be recorded.",
	})

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldaudit_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result.",
		},
		[]string{"result"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			transitionsTotal, escalationsTotal, conflictsTotal, auditDropped, webhookDeliveries)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge. The route
// label is the chi pattern so path parameters do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func ObserveTransition(to, outcome string) {
	transitionsTotal.WithLabelValues(to, outcome).Inc()
}

func ObserveEscalation(status string) {
	escalationsTotal.WithLabelValues(status).Inc()
}

func ObserveConflict(conflictType, status string) {
	conflictsTotal.WithLabelValues(conflictType, status).Inc()
}

func AuditDropped() {
	auditDropped.Inc()
}

func ObserveWebhookDelivery(result string) {
	webhookDeliveries.WithLabelValues(result).Inc()
}
