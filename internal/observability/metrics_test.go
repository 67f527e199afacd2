package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/rentwise/rentwise/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jm := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jm.Track("notification:push").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "rentwise_jobs_total") {
		t.Fatalf("expected body to contain rentwise_jobs_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "rentwise_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "rentwise_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestRecordPaymentEvent(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordPaymentEvent("gateway_invoice", "applied")
	metrics.RecordPaymentEvent("gateway_invoice", "duplicate")
	metrics.RecordPaymentEvent("gateway_invoice", "duplicate")

	body := scrape(t, metrics)
	if !strings.Contains(body, "rentwise_payment_events_total{channel=\"gateway_invoice\",outcome=\"duplicate\"} 2") {
		t.Fatalf("expected duplicate outcomes to be counted, got: %s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordPaymentEvent("tenant", "applied")
}
