package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.CyclesCompleted.Inc()
	prom.Metrics.CyclesAbandoned.Inc()
	prom.Metrics.EmergencyUnwinds.Inc()
	prom.Metrics.DriftCorrections.Inc()
	prom.Metrics.StreamReconnects.Inc()

	assertCounter(t, prom.ordersPlaced, 2)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.cyclesCompleted, 1)
	assertCounter(t, prom.cyclesAbandoned, 1)
	assertCounter(t, prom.emergencyUnwinds, 1)
	assertCounter(t, prom.driftCorrections, 1)
	assertCounter(t, prom.streamReconnects, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.NetDelta.Set(-0.25)
	prom.Metrics.CumulativePnL.Set(12.5)
	if got := testutil.ToFloat64(prom.netDelta); got != -0.25 {
		t.Fatalf("expected net delta -0.25, got %v", got)
	}
	if got := testutil.ToFloat64(prom.cumulativePnL); got != 12.5 {
		t.Fatalf("expected pnl 12.5, got %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "dn_hedge_bot_orders_placed_total 1") {
		t.Fatalf("expected counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestNoop(t *testing.T) {
	m := OrNoop(nil)
	m.OrdersPlaced.Inc()
	m.NetDelta.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
