// Package book keeps a local price-level order book rebuilt from a snapshot plus
// incremental deltas and answers execution-cost questions against it.
package book

import (
	"math"
	"sort"
	"sync"
	"time"
)

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

type Level struct {
	Price    float64
	Quantity float64
}

// InsufficientLiquidity is returned by EstimateSlippageBps when the book cannot
// fill the requested quantity.
var InsufficientLiquidity = math.Inf(1)

func IsInsufficient(bps float64) bool {
	return math.IsInf(bps, 1)
}

const exitSearchIterations = 30

// Book is single-writer: only the market receive loop for its product mutates it.
// Readers get copies.
type Book struct {
	productID int64

	mu      sync.RWMutex
	bids    map[float64]float64
	asks    map[float64]float64
	updated time.Time
}

// Delta is one level change; quantity 0 removes the level.
type Delta struct {
	Side     Side
	Price    float64
	Quantity float64
}

func New(productID int64) *Book {
	return &Book{
		productID: productID,
		bids:      make(map[float64]float64),
		asks:      make(map[float64]float64),
	}
}

func (b *Book) ProductID() int64 {
	return b.productID
}

// ApplySnapshot replaces every level.
func (b *Book) ApplySnapshot(bids, asks []Level) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = levelsMap(bids)
	b.asks = levelsMap(asks)
	b.updated = time.Now()
}

// ApplyDelta inserts, replaces or deletes a single level.
func (b *Book) ApplyDelta(side Side, price, quantity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(Delta{Side: side, Price: price, Quantity: quantity})
	b.updated = time.Now()
}

// ApplyDeltas applies a batch under one lock so a concurrent snapshot or reader
// never observes a half-applied frame.
func (b *Book) ApplyDeltas(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range deltas {
		b.applyLocked(d)
	}
	b.updated = time.Now()
}

func (b *Book) applyLocked(d Delta) {
	if d.Price <= 0 || math.IsNaN(d.Quantity) {
		return
	}
	levels := b.asks
	if d.Side == Bid {
		levels = b.bids
	}
	if d.Quantity <= 0 {
		delete(levels, d.Price)
		return
	}
	levels[d.Price] = d.Quantity
}

func (b *Book) BestBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.bids, true)
}

func (b *Book) BestAsk() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.asks, false)
}

func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Levels returns a sorted copy of one side: bids descending, asks ascending.
// maxDepth <= 0 returns every level.
func (b *Book) Levels(side Side, maxDepth int) []Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levelsLocked(side, maxDepth)
}

func (b *Book) levelsLocked(side Side, maxDepth int) []Level {
	src := b.asks
	if side == Bid {
		src = b.bids
	}
	out := make([]Level, 0, len(src))
	for price, qty := range src {
		out = append(out, Level{Price: price, Quantity: qty})
	}
	if side == Bid {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	if maxDepth > 0 && len(out) > maxDepth {
		out = out[:maxDepth]
	}
	return out
}

// TotalLiquidity sums quantity across the first maxDepth levels of side.
func (b *Book) TotalLiquidity(side Side, maxDepth int) float64 {
	var total float64
	for _, lvl := range b.Levels(side, maxDepth) {
		total += lvl.Quantity
	}
	return total
}

// EstimateSlippageBps walks the side a taker order would consume (asks for buys,
// bids for sells) and returns the VWAP distance from the top of book in basis
// points, or InsufficientLiquidity when depth runs out.
func (b *Book) EstimateSlippageBps(isBuy bool, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	side := Bid
	if isBuy {
		side = Ask
	}
	return slippageBps(b.Levels(side, 0), quantity)
}

func slippageBps(levels []Level, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	if len(levels) == 0 {
		return InsufficientLiquidity
	}
	top := levels[0].Price
	remaining := quantity
	var notional float64
	for _, lvl := range levels {
		take := math.Min(remaining, lvl.Quantity)
		notional += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 1e-12 {
		return InsufficientLiquidity
	}
	vwap := notional / quantity
	return math.Abs(vwap-top) / top * 10000
}

// EstimateExitCapacity reports whether the whole position can be closed within
// maxSlippageBps, and the largest closable quantity. A long position exits into
// bids, a short one into asks.
func (b *Book) EstimateExitCapacity(position, maxSlippageBps float64) (bool, float64) {
	size := math.Abs(position)
	if size == 0 {
		return true, 0
	}
	side := Bid
	if position < 0 {
		side = Ask
	}
	levels := b.Levels(side, 0)
	if len(levels) == 0 {
		return false, 0
	}
	if slippageBps(levels, size) <= maxSlippageBps {
		return true, size
	}
	lo, hi := 0.0, size
	for i := 0; i < exitSearchIterations; i++ {
		mid := (lo + hi) / 2
		if slippageBps(levels, mid) <= maxSlippageBps {
			lo = mid
		} else {
			hi = mid
		}
	}
	return false, lo
}

// Mid returns the midpoint of the best levels.
func (b *Book) Mid() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

func best(levels map[float64]float64, highest bool) (Level, bool) {
	var out Level
	found := false
	for price, qty := range levels {
		if !found || (highest && price > out.Price) || (!highest && price < out.Price) {
			out = Level{Price: price, Quantity: qty}
			found = true
		}
	}
	return out, found
}

func levelsMap(levels []Level) map[float64]float64 {
	out := make(map[float64]float64, len(levels))
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Quantity <= 0 {
			continue
		}
		out[lvl.Price] = lvl.Quantity
	}
	return out
}
