package hedge

import (
	"errors"
	"fmt"
	"math"

	"dn-hedge-bot/internal/venue"
)

var (
	ErrHalted        = errors.New("orchestrator halted")
	ErrImbalance     = errors.New("net delta imbalance")
	ErrEntryFailed   = errors.New("primary entry failed")
	ErrHedgeFailed   = errors.New("hedge leg failed")
	ErrNoSignal      = errors.New("no entry signal")
	ErrCycleInFlight = errors.New("hedge cycle already in flight")
)

// CheckImbalance fails when |net| exceeds multiple x orderQty.
func CheckImbalance(net, orderQty, multiple float64) error {
	limit := multiple * orderQty
	if math.Abs(net) > limit {
		return fmt.Errorf("|net delta| %.6f exceeds %.6f: %w", math.Abs(net), limit, ErrImbalance)
	}
	return nil
}

// spreadBps is the quoted spread relative to mid.
func spreadBps(bid, ask float64) float64 {
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// edgeBps is what the pair of entry prices earns for a primary leg on side,
// before fees: buying primary at entry and selling the hedge at its bid, or the
// mirror for a sell.
func edgeBps(primarySide venue.Side, entry, hedgeBid, hedgeAsk float64) float64 {
	if entry <= 0 {
		return 0
	}
	if primarySide == venue.Buy {
		return (hedgeBid - entry) / entry * 10000
	}
	return (entry - hedgeAsk) / entry * 10000
}

func almostZero(v, qty float64) bool {
	return math.Abs(v) <= math.Max(qty*1e-6, 1e-12)
}
