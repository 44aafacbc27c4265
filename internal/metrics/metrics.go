package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	CyclesCompleted  Counter
	CyclesAbandoned  Counter
	EmergencyUnwinds Counter
	DriftCorrections Counter
	StreamReconnects Counter

	NetDelta      Gauge
	CumulativePnL Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		CyclesCompleted:  n,
		CyclesAbandoned:  n,
		EmergencyUnwinds: n,
		DriftCorrections: n,
		StreamReconnects: n,
		NetDelta:         g,
		CumulativePnL:    g,
	}
}

// OrNoop returns m, or a no-op set when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
