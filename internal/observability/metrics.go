// Package observability exposes Prometheus collectors for retrieval, batch, and judge activity.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hybridrag"

// Metrics owns a private registry. All methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	retrievalTotal    *prometheus.CounterVec
	retrievalDuration *prometheus.HistogramVec
	sourceErrors      *prometheus.CounterVec
	batchRecords      *prometheus.CounterVec
	judgeVerdicts     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Retrievals by mode and outcome.",
		},
		[]string{"mode", "status"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Wall-clock retrieval latency by mode.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"mode"},
	)
	sourceErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "source_errors_total",
			Help:      "Candidate source failures by source and reason.",
		},
		[]string{"source", "reason"},
	)
	batchRecords := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "records_total",
			Help:      "Batch run records by status and reason.",
		},
		[]string{"status", "reason"},
	)
	judgeVerdicts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "judge",
			Name:      "verdicts_total",
			Help:      "LLM judge verdicts.",
		},
		[]string{"verdict"},
	)
	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route, and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(retrievalTotal, retrievalDuration, sourceErrors, batchRecords, judgeVerdicts, httpRequests, httpDuration)

	return &Metrics{
		registry:          registry,
		retrievalTotal:    retrievalTotal,
		retrievalDuration: retrievalDuration,
		sourceErrors:      sourceErrors,
		batchRecords:      batchRecords,
		judgeVerdicts:     judgeVerdicts,
		httpRequests:      httpRequests,
		httpDuration:      httpDuration,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRetrieval records one orchestrated retrieval.
func (m *Metrics) ObserveRetrieval(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.retrievalTotal.WithLabelValues(mode, status).Inc()
	m.retrievalDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SourceError counts a failed candidate source call.
func (m *Metrics) SourceError(source, reason string) {
	if m == nil {
		return
	}
	m.sourceErrors.WithLabelValues(source, reason).Inc()
}

// BatchRecord counts one finished batch record.
func (m *Metrics) BatchRecord(status, reason string) {
	if m == nil {
		return
	}
	m.batchRecords.WithLabelValues(status, reason).Inc()
}

// JudgeVerdict counts one judge outcome.
func (m *Metrics) JudgeVerdict(verdict string) {
	if m == nil {
		return
	}
	m.judgeVerdicts.WithLabelValues(verdict).Inc()
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
