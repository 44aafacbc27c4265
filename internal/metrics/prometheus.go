package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_hedge_bot"

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	cyclesCompleted  prometheus.Counter
	cyclesAbandoned  prometheus.Counter
	emergencyUnwinds prometheus.Counter
	driftCorrections prometheus.Counter
	streamReconnects prometheus.Counter
	netDelta         prometheus.Gauge
	cumulativePnL    prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:         prometheus.NewRegistry(),
		ordersPlaced:     newCounter("orders_placed_total", "Total number of orders accepted by a venue."),
		ordersFailed:     newCounter("orders_failed_total", "Total number of order placement failures."),
		cyclesCompleted:  newCounter("cycles_completed_total", "Total number of hedged cycles completed."),
		cyclesAbandoned:  newCounter("cycles_abandoned_total", "Total number of cycles abandoned before a primary fill."),
		emergencyUnwinds: newCounter("emergency_unwinds_total", "Total number of emergency unwinds."),
		driftCorrections: newCounter("drift_corrections_total", "Total number of position drift corrections from REST."),
		streamReconnects: newCounter("stream_reconnects_total", "Total number of stream reconnections."),
		netDelta:         newGauge("net_delta", "Combined signed position across both venues."),
		cumulativePnL:    newGauge("cumulative_pnl", "Cumulative realized cycle PnL in quote units."),
	}
	p.registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.cyclesCompleted, p.cyclesAbandoned,
		p.emergencyUnwinds, p.driftCorrections, p.streamReconnects, p.netDelta, p.cumulativePnL,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:     p.ordersPlaced,
		OrdersFailed:     p.ordersFailed,
		CyclesCompleted:  p.cyclesCompleted,
		CyclesAbandoned:  p.cyclesAbandoned,
		EmergencyUnwinds: p.emergencyUnwinds,
		DriftCorrections: p.driftCorrections,
		StreamReconnects: p.streamReconnects,
		NetDelta:         p.netDelta,
		CumulativePnL:    p.cumulativePnL,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
