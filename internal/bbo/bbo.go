// Package bbo classifies best-bid/offer flow into discrete spread and momentum states.
package bbo

import (
	"sync"
	"time"
)

type Tick struct {
	ProductID int64
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
	Time      time.Time
}

// Valid requires both sides priced and not crossed.
func (t Tick) Valid() bool {
	return t.BidPrice > 0 && t.AskPrice > 0 && t.AskPrice >= t.BidPrice
}

func (t Tick) Mid() float64 {
	return (t.BidPrice + t.AskPrice) / 2
}

type SpreadState string

const (
	SpreadWidening  SpreadState = "WIDENING"
	SpreadNarrowing SpreadState = "NARROWING"
	SpreadStable    SpreadState = "STABLE"
)

type MomentumState string

const (
	MomentumBullish MomentumState = "BULLISH"
	MomentumBearish MomentumState = "BEARISH"
	MomentumNeutral MomentumState = "NEUTRAL"
)

type Settings struct {
	SpreadWindow       int
	SpreadMinSamples   int
	WideningMultiple   float64
	NarrowingMultiple  float64
	MomentumWindow     int
	MomentumLookback   int
	MomentumMinSamples int
	// MomentumThreshold is a fractional price move, e.g. 0.0001 for 1 bp.
	MomentumThreshold float64
}

func DefaultSettings() Settings {
	return Settings{
		SpreadWindow:       100,
		SpreadMinSamples:   10,
		WideningMultiple:   1.5,
		NarrowingMultiple:  0.5,
		MomentumWindow:     50,
		MomentumLookback:   5,
		MomentumMinSamples: 5,
		MomentumThreshold:  0.0001,
	}
}

// Analyzer owns its rolling windows. OnTick is the only mutator; the state
// getters return the classification cached by the last tick.
type Analyzer struct {
	settings Settings

	mu       sync.RWMutex
	spreads  []float64
	bids     []float64
	asks     []float64
	last     Tick
	spread   SpreadState
	momentum MomentumState
	ticks    uint64
}

func NewAnalyzer(settings Settings) *Analyzer {
	def := DefaultSettings()
	if settings.SpreadWindow <= 0 {
		settings.SpreadWindow = def.SpreadWindow
	}
	if settings.SpreadMinSamples <= 0 {
		settings.SpreadMinSamples = def.SpreadMinSamples
	}
	if settings.WideningMultiple <= 0 {
		settings.WideningMultiple = def.WideningMultiple
	}
	if settings.NarrowingMultiple <= 0 {
		settings.NarrowingMultiple = def.NarrowingMultiple
	}
	if settings.MomentumWindow <= 0 {
		settings.MomentumWindow = def.MomentumWindow
	}
	if settings.MomentumLookback <= 1 {
		settings.MomentumLookback = def.MomentumLookback
	}
	if settings.MomentumMinSamples <= 0 {
		settings.MomentumMinSamples = def.MomentumMinSamples
	}
	if settings.MomentumThreshold <= 0 {
		settings.MomentumThreshold = def.MomentumThreshold
	}
	return &Analyzer{settings: settings, spread: SpreadStable, momentum: MomentumNeutral}
}

// OnTick appends a valid tick to the rolling windows and recomputes both
// classifications. Invalid ticks are dropped and reported as false.
func (a *Analyzer) OnTick(t Tick) bool {
	if !t.Valid() {
		return false
	}
	mid := t.Mid()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spreads = appendWindow(a.spreads, (t.AskPrice-t.BidPrice)/mid, a.settings.SpreadWindow)
	a.bids = appendWindow(a.bids, t.BidPrice, a.settings.MomentumWindow)
	a.asks = appendWindow(a.asks, t.AskPrice, a.settings.MomentumWindow)
	a.last = t
	a.ticks++
	a.spread = classifySpread(a.spreads, a.settings)
	a.momentum = classifyMomentum(a.bids, a.asks, a.settings)
	return true
}

func (a *Analyzer) SpreadState() SpreadState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.spread
}

func (a *Analyzer) MomentumState() MomentumState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.momentum
}

// Last returns the most recent valid tick.
func (a *Analyzer) Last() (Tick, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.ticks > 0
}

func classifySpread(spreads []float64, s Settings) SpreadState {
	if len(spreads) < s.SpreadMinSamples {
		return SpreadStable
	}
	var sum float64
	for _, v := range spreads {
		sum += v
	}
	mean := sum / float64(len(spreads))
	if mean <= 0 {
		return SpreadStable
	}
	ratio := spreads[len(spreads)-1] / mean
	switch {
	case ratio > s.WideningMultiple:
		return SpreadWidening
	case ratio < s.NarrowingMultiple:
		return SpreadNarrowing
	default:
		return SpreadStable
	}
}

func classifyMomentum(bids, asks []float64, s Settings) MomentumState {
	if len(bids) < s.MomentumMinSamples || len(asks) < s.MomentumMinSamples {
		return MomentumNeutral
	}
	bidSlope := slope(tail(bids, s.MomentumLookback))
	askSlope := slope(tail(asks, s.MomentumLookback))
	switch {
	case bidSlope > s.MomentumThreshold && askSlope > s.MomentumThreshold:
		return MomentumBullish
	case bidSlope < -s.MomentumThreshold && askSlope < -s.MomentumThreshold:
		return MomentumBearish
	default:
		return MomentumNeutral
	}
}

// slope is the fractional change from first to last sample.
func slope(values []float64) float64 {
	if len(values) < 2 || values[0] == 0 {
		return 0
	}
	return (values[len(values)-1] - values[0]) / values[0]
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func appendWindow(values []float64, v float64, size int) []float64 {
	values = append(values, v)
	if len(values) > size {
		values = append(values[:0], values[len(values)-size:]...)
	}
	return values
}
