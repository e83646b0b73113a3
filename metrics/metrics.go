// Package metrics exposes prometheus counters for the engine and the HTTP
// boundary. Metrics implements generic.Observer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "restaurant"

type Metrics struct {
	registry  *prometheus.Registry
	conflicts *prometheus.CounterVec
	retries   *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	requests  *prometheus.CounterVec
	latencyMS *prometheus.HistogramVec
}

// New registers every collector on a private registry, so tests can build
// as many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Guarded commits that lost an optimistic-concurrency race.",
		}, []string{"entity"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Attempts made after a conflict, per operation.",
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_outcomes_total",
			Help:      "Final outcome of each engine operation.",
		}, []string{"operation", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		latencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.conflicts, m.retries, m.outcomes, m.requests, m.latencyMS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// =============================================================================
// generic.Observer
// =============================================================================

func (m *Metrics) Conflict(entityType string) { m.conflicts.WithLabelValues(entityType).Inc() }

func (m *Metrics) Retry(operation string) { m.retries.WithLabelValues(operation).Inc() }

func (m *Metrics) Outcome(operation, outcome string) {
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by chi route pattern, not raw path, to keep
// label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.latencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}
