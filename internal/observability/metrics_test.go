package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.ObserveRetrieval("hybrid", 20*time.Millisecond, nil)
	m.ObserveRetrieval("hybrid", 5*time.Millisecond, errors.New("down"))
	m.SourceError("vector", "timeout")
	m.BatchRecord("failed", "timeout")
	m.JudgeVerdict("pass")

	if got := testutil.ToFloat64(m.retrievalTotal.WithLabelValues("hybrid", "ok")); got != 1 {
		t.Errorf("ok retrievals = %v", got)
	}
	if got := testutil.ToFloat64(m.retrievalTotal.WithLabelValues("hybrid", "error")); got != 1 {
		t.Errorf("failed retrievals = %v", got)
	}
	if got := testutil.ToFloat64(m.sourceErrors.WithLabelValues("vector", "timeout")); got != 1 {
		t.Errorf("source errors = %v", got)
	}
	if got := testutil.ToFloat64(m.judgeVerdicts.WithLabelValues("pass")); got != 1 {
		t.Errorf("verdicts = %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRetrieval("vector", time.Millisecond, nil)
	m.SourceError("keyword", "error")
	m.BatchRecord("ok", "")
	m.JudgeVerdict("fail")
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := NewMetrics()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/documents/abc", nil))
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/documents/{id}", "404")); got != 1 {
		t.Errorf("route-labelled requests = %v", got)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "hybridrag_http_requests_total") {
		t.Error("metrics endpoint should expose http counters")
	}
}
