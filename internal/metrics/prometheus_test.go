package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusCountersExposed(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.SignalsReceived.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	prom.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "tv_connector_signals_received_total 1") {
		t.Fatalf("missing signals counter in output:\n%s", body)
	}
	if !strings.Contains(body, "tv_connector_orders_placed_total 2") {
		t.Fatalf("missing orders counter in output:\n%s", body)
	}
}
