package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-wms/internal/stock"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("stock:reconcile").End(nil)
	metrics.Jobs().SetDivergences([]string{"ledger_balance"}, map[string]int{"ledger_balance": 2})

	body := scrape(t, metrics)
	if !strings.Contains(body, `odyssey_jobs_total{job="stock:reconcile",status="success"} 1`) {
		t.Fatalf("expected body to contain odyssey_jobs_total, got: %s", body)
	}
	if !strings.Contains(body, `odyssey_stock_divergences{kind="ledger_balance"} 2`) {
		t.Fatalf("expected divergence gauge, got: %s", body)
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
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestObserveAdjustLabels(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveAdjust(stock.ReasonPick, stock.OutcomeInsufficient, 3*time.Millisecond)
	metrics.ObserveAdjust(stock.Reason("garbage"), stock.OutcomeInvalid, time.Millisecond)

	body := scrape(t, metrics)
	if !strings.Contains(body, `odyssey_stock_adjust_total{outcome="insufficient",reason="PICK"} 1`) {
		t.Fatalf("expected adjust counter, got: %s", body)
	}
	if !strings.Contains(body, `odyssey_stock_adjust_total{outcome="invalid",reason="invalid"} 1`) {
		t.Fatalf("expected invalid reasons to collapse, got: %s", body)
	}
	if !strings.Contains(body, `odyssey_stock_adjust_duration_seconds_count{outcome="insufficient"} 1`) {
		t.Fatalf("expected adjust histogram, got: %s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveAdjust(stock.ReasonPick, stock.OutcomeOK, time.Millisecond)
}
