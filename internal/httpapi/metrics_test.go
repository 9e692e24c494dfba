package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	svc := newFakeService()
	h := NewMux(svc)
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/admin/sessions/{id}", http.MethodDelete, "204"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/admin/sessions/abc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/admin/sessions/def", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/admin/sessions/{id}", http.MethodDelete, "204"))
	if after-before != 2 {
		t.Fatalf("counter delta=%v want 2", after-before)
	}
}

func TestMetricsEndpointExposesHTTPMetrics(t *testing.T) {
	h := NewMux(newFakeService())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !bytes.Contains(rec.Body.Bytes(), []byte("runnerd_http_requests_total")) {
		t.Fatalf("runnerd_http_requests_total not exported")
	}
}

func TestBackpressureCounted(t *testing.T) {
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); got-before != 1 {
		t.Fatalf("delta=%v", got-before)
	}
}

func TestStatusRecorderFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusAccepted)
	sr.WriteHeader(http.StatusTeapot)
	sr.Flush()
	if sr.status != http.StatusAccepted || !rec.Flushed {
		t.Fatalf("status=%d flushed=%v", sr.status, rec.Flushed)
	}
}
