package book

import (
	"math"
	"math/rand"
	"sync"
	"testing"
)

func TestSlippageSingleLevel(t *testing.T) {
	b := New(1)
	b.ApplySnapshot(nil, []Level{{Price: 3000, Quantity: 10}})
	if got := b.EstimateSlippageBps(true, 1); got != 0 {
		t.Fatalf("expected 0 bps, got %v", got)
	}
	if got := b.EstimateSlippageBps(true, 15); !IsInsufficient(got) {
		t.Fatalf("expected insufficient liquidity sentinel, got %v", got)
	}
}

func TestSlippageWalksLevels(t *testing.T) {
	b := New(1)
	b.ApplySnapshot(nil, []Level{{Price: 3002, Quantity: 3}, {Price: 3000, Quantity: 1}, {Price: 3001, Quantity: 2}})
	got := b.EstimateSlippageBps(true, 4)
	want := (3001.0 - 3000.0) / 3000.0 * 10000
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %.6f bps, got %.6f", want, got)
	}
	if math.Abs(got-3.3333) > 1e-3 {
		t.Fatalf("expected ~3.33 bps, got %v", got)
	}
}

func TestSlippageZeroQuantity(t *testing.T) {
	b := New(1)
	b.ApplySnapshot([]Level{{Price: 99, Quantity: 1}}, []Level{{Price: 101, Quantity: 1}})
	if got := b.EstimateSlippageBps(true, 0); got != 0 {
		t.Fatalf("expected 0 for zero quantity, got %v", got)
	}
	if got := b.EstimateSlippageBps(false, 0); got != 0 {
		t.Fatalf("expected 0 for zero quantity, got %v", got)
	}
}

func TestSlippageEmptyBookIsSentinel(t *testing.T) {
	b := New(1)
	if got := b.EstimateSlippageBps(false, 1); !IsInsufficient(got) {
		t.Fatalf("expected sentinel for empty book, got %v", got)
	}
	if _, ok := b.BestBid(); ok {
		t.Fatalf("expected no data for empty bid side")
	}
	if _, ok := b.BestAsk(); ok {
		t.Fatalf("expected no data for empty ask side")
	}
}

func TestSlippageMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := New(1)
	var bids []Level
	for i := 0; i < 25; i++ {
		bids = append(bids, Level{Price: 100 - float64(i)*0.1, Quantity: 0.1 + rng.Float64()})
	}
	b.ApplySnapshot(bids, nil)
	total := b.TotalLiquidity(Bid, 0)
	prev := 0.0
	for q := 0.0; q <= total*1.1; q += total / 97 {
		got := b.EstimateSlippageBps(false, q)
		if got+1e-9 < prev {
			t.Fatalf("slippage decreased at q=%v: %v < %v", q, got, prev)
		}
		if q > total+1e-9 && !IsInsufficient(got) {
			t.Fatalf("expected sentinel beyond depth at q=%v, got %v", q, got)
		}
		prev = got
	}
}

func TestDeltaInsertReplaceDelete(t *testing.T) {
	b := New(1)
	b.ApplyDelta(Bid, 100, 2)
	b.ApplyDelta(Bid, 101, 1)
	best, ok := b.BestBid()
	if !ok || best.Price != 101 {
		t.Fatalf("expected best bid 101, got %+v", best)
	}
	b.ApplyDelta(Bid, 101, 3)
	best, _ = b.BestBid()
	if best.Quantity != 3 {
		t.Fatalf("expected replaced quantity 3, got %v", best.Quantity)
	}
	b.ApplyDelta(Bid, 101, 0)
	best, _ = b.BestBid()
	if best.Price != 100 {
		t.Fatalf("expected level removed, best now %+v", best)
	}
}

func TestDeltaDeleteUnknownPriceIsNoop(t *testing.T) {
	b := New(1)
	b.ApplySnapshot([]Level{{Price: 100, Quantity: 1}}, []Level{{Price: 101, Quantity: 1}})
	before := b.Levels(Ask, 0)
	b.ApplyDelta(Ask, 105, 0)
	after := b.Levels(Ask, 0)
	if len(before) != len(after) || after[0] != before[0] {
		t.Fatalf("expected no-op, got %+v", after)
	}
}

func TestRandomDeltasNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New(1)
	var deltas []Delta
	for i := 0; i < 2000; i++ {
		side := Bid
		if rng.Intn(2) == 0 {
			side = Ask
		}
		qty := rng.Float64()*2 - 0.5
		if rng.Intn(4) == 0 {
			qty = 0
		}
		deltas = append(deltas, Delta{Side: side, Price: float64(90 + rng.Intn(20)), Quantity: qty})
	}
	b.ApplyDeltas(deltas)
	for _, side := range []Side{Bid, Ask} {
		for _, lvl := range b.Levels(side, 0) {
			if lvl.Quantity <= 0 {
				t.Fatalf("found non-positive level %+v on %s", lvl, side)
			}
		}
	}
}

func TestLevelsSortedAndDepthLimited(t *testing.T) {
	b := New(1)
	b.ApplySnapshot(
		[]Level{{Price: 98, Quantity: 1}, {Price: 99, Quantity: 2}, {Price: 97, Quantity: 3}},
		[]Level{{Price: 103, Quantity: 1}, {Price: 101, Quantity: 2}, {Price: 102, Quantity: 3}},
	)
	bids := b.Levels(Bid, 2)
	if len(bids) != 2 || bids[0].Price != 99 || bids[1].Price != 98 {
		t.Fatalf("unexpected bid levels %+v", bids)
	}
	asks := b.Levels(Ask, 0)
	if asks[0].Price != 101 || asks[2].Price != 103 {
		t.Fatalf("unexpected ask levels %+v", asks)
	}
	if got := b.TotalLiquidity(Ask, 2); got != 5 {
		t.Fatalf("expected depth-2 ask liquidity 5, got %v", got)
	}
	if mid, ok := b.Mid(); !ok || mid != 100 {
		t.Fatalf("expected mid 100, got %v", mid)
	}
}

func TestExitCapacity(t *testing.T) {
	b := New(1)
	b.ApplySnapshot([]Level{{Price: 100, Quantity: 1}, {Price: 99, Quantity: 5}}, []Level{{Price: 101, Quantity: 10}})
	ok, qty := b.EstimateExitCapacity(0.5, 10)
	if !ok || qty != 0.5 {
		t.Fatalf("expected full exit of 0.5, got ok=%v qty=%v", ok, qty)
	}
	// 2 units into bids: vwap 99.5 -> 50 bps; budget of 20 bps caps well below 2.
	ok, qty = b.EstimateExitCapacity(2, 20)
	if ok {
		t.Fatalf("expected partial exit only")
	}
	if qty < 1 || qty >= 2 {
		t.Fatalf("expected capacity in [1,2), got %v", qty)
	}
	if got := b.EstimateSlippageBps(false, qty); got > 20+1e-6 {
		t.Fatalf("capacity %v breaches budget: %v bps", qty, got)
	}
	ok, qty = b.EstimateExitCapacity(-3, 0)
	if !ok || qty != 3 {
		t.Fatalf("expected short exit into asks, got ok=%v qty=%v", ok, qty)
	}
	ok, qty = b.EstimateExitCapacity(0, 5)
	if !ok || qty != 0 {
		t.Fatalf("expected flat position to be trivially exitable")
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	b := New(1)
	b.ApplySnapshot([]Level{{Price: 100, Quantity: 1}}, []Level{{Price: 101, Quantity: 1}})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.ApplyDeltas([]Delta{{Side: Bid, Price: 100, Quantity: float64(i%3 + 1)}, {Side: Ask, Price: 101, Quantity: 1}})
		}
	}()
	for i := 0; i < 500; i++ {
		if got := b.EstimateSlippageBps(true, 0.5); got != 0 {
			t.Fatalf("expected 0 bps, got %v", got)
		}
	}
	wg.Wait()
}
