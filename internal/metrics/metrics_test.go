package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.GuardRejected("rate_limit", "RATE_LIMITED")
	m.GuardRejected("rate_limit", "RATE_LIMITED")
	m.MarketplaceCall("api-1", "success")
	m.StoreDegraded("ratelimit")
	m.UpstreamRequest("WORKSPACE", "ok", 10*time.Millisecond)

	if got := counterValue(t, m, "gateway_guard_rejections_total"); got != 2 {
		t.Errorf("guard rejections = %v, want 2", got)
	}
	if got := counterValue(t, m, "gateway_marketplace_calls_total"); got != 1 {
		t.Errorf("marketplace calls = %v, want 1", got)
	}
	if got := counterValue(t, m, "gateway_upstream_requests_total"); got != 1 {
		t.Errorf("upstream requests = %v, want 1", got)
	}
}

// counterValue sums every series of the named counter.
func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.StoreDegraded("idempotency")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `gateway_store_degraded_total{component="idempotency"} 1`) {
		t.Errorf("expected degraded counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.GuardRejected("csrf", "CSRF_FORBIDDEN")
	m.UpstreamRequest("x", "ok", time.Second)
	m.MarketplaceCall("a", "error")
	m.StoreDegraded("x")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}
