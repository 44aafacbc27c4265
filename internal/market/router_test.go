package market

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/bbo"
	"dn-hedge-bot/internal/book"
	"dn-hedge-bot/internal/nado/stream"
)

type fakeSubscriber struct {
	mu      sync.Mutex
	subs    []stream.Subscription
	routes  map[stream.StreamType]chan<- stream.Frame
	connect func(context.Context) error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, sub stream.Subscription, out chan<- stream.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.routes == nil {
		f.routes = make(map[stream.StreamType]chan<- stream.Frame)
	}
	f.subs = append(f.subs, sub)
	f.routes[sub.Type] = out
	return nil
}

func (f *fakeSubscriber) OnConnect(fn func(context.Context) error) {
	f.connect = fn
}

func (f *fakeSubscriber) send(t *testing.T, typ stream.StreamType, payload string) {
	t.Helper()
	f.mu.Lock()
	out := f.routes[typ]
	f.mu.Unlock()
	if out == nil {
		t.Fatalf("no route for %s", typ)
	}
	out <- stream.Frame{Type: typ, ProductID: 2, Received: time.Now(), Raw: json.RawMessage(payload)}
}

type fakeSnapshot struct {
	mu    sync.Mutex
	calls int
	bids  []book.Level
	asks  []book.Level
}

func (f *fakeSnapshot) MarketLiquidity(context.Context, int64, int) ([]book.Level, []book.Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.bids, f.asks, nil
}

func (f *fakeSnapshot) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	fills   []stream.FillFrame
	updates []stream.OrderUpdateFrame
	deltas  []float64
	abs     []float64
}

func (s *recordingSink) OnFill(f stream.FillFrame) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

func (s *recordingSink) OnOrderUpdate(u stream.OrderUpdateFrame) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *recordingSink) ApplyStreamFill(_ string, delta float64) {
	s.mu.Lock()
	s.deltas = append(s.deltas, delta)
	s.mu.Unlock()
}

func (s *recordingSink) SetStream(_ string, qty float64) {
	s.mu.Lock()
	s.abs = append(s.abs, qty)
	s.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newTestRouter(sub *fakeSubscriber, snap *fakeSnapshot, sink *recordingSink, subaccount string) *Router {
	cfg := Config{VenueName: "nado", ProductID: 2, Subaccount: subaccount}
	return NewRouter(cfg, sub, snap, book.New(2), bbo.NewAnalyzer(bbo.DefaultSettings()), sink, sink, zap.NewNop())
}

const x18 = "000000000000000000"

func TestStartSubscribesPublicAndPrivate(t *testing.T) {
	sub := &fakeSubscriber{}
	r := newTestRouter(sub, &fakeSnapshot{}, &recordingSink{}, "0xabc")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(sub.subs) != 5 {
		t.Fatalf("expected 5 subscriptions, got %d", len(sub.subs))
	}
	for _, s := range sub.subs {
		if s.Type.Private() && s.Subaccount != "0xabc" {
			t.Fatalf("private subscription without subaccount: %+v", s)
		}
	}

	sub = &fakeSubscriber{}
	r = newTestRouter(sub, &fakeSnapshot{}, &recordingSink{}, "")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(sub.subs) != 2 {
		t.Fatalf("expected public subscriptions only, got %d", len(sub.subs))
	}
}

func TestDepthAppliesAfterSnapshotAndResyncsOnGap(t *testing.T) {
	sub := &fakeSubscriber{}
	snap := &fakeSnapshot{
		bids: []book.Level{{Price: 2999, Quantity: 1}},
		asks: []book.Level{{Price: 3001, Quantity: 2}},
	}
	r := newTestRouter(sub, snap, &recordingSink{}, "")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	sub.send(t, stream.StreamBookDepth, `{"type":"book_depth","product_id":2,"min_timestamp":"1","max_timestamp":"10","last_max_timestamp":"0",`+
		`"bids":[["3000`+x18+`","3`+x18+`"]],"asks":[["3001`+x18+`","0"]]}`)
	waitFor(t, func() bool {
		bid, ok := r.Book().BestBid()
		return ok && bid.Price == 3000
	})
	if snap.count() != 1 {
		t.Fatalf("expected initial snapshot, got %d", snap.count())
	}
	if _, ok := r.Book().BestAsk(); ok {
		t.Fatalf("expected zero-quantity delta to remove the only ask")
	}

	// contiguous frame: no resync
	sub.send(t, stream.StreamBookDepth, `{"type":"book_depth","product_id":2,"max_timestamp":"20","last_max_timestamp":"10","bids":[],"asks":[["3002`+x18+`","1`+x18+`"]]}`)
	waitFor(t, func() bool { _, ok := r.Book().BestAsk(); return ok })
	if snap.count() != 1 {
		t.Fatalf("unexpected resync on contiguous frame")
	}

	// gap: last_max 25 != 20
	sub.send(t, stream.StreamBookDepth, `{"type":"book_depth","product_id":2,"max_timestamp":"30","last_max_timestamp":"25","bids":[],"asks":[]}`)
	waitFor(t, func() bool { return snap.count() == 2 })
	waitFor(t, func() bool {
		bid, ok := r.Book().BestBid()
		return ok && bid.Price == 2999
	})
}

func TestReconnectHookForcesSnapshot(t *testing.T) {
	sub := &fakeSubscriber{}
	snap := &fakeSnapshot{bids: []book.Level{{Price: 100, Quantity: 1}}}
	r := newTestRouter(sub, snap, &recordingSink{}, "")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if err := sub.connect(context.Background()); err != nil {
		t.Fatalf("hook: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	sub.send(t, stream.StreamBookDepth, `{"type":"book_depth","product_id":2,"max_timestamp":"5","bids":[],"asks":[]}`)
	waitFor(t, func() bool { return snap.count() == 2 })
}

func TestBBOFeedsAnalyzer(t *testing.T) {
	sub := &fakeSubscriber{}
	r := newTestRouter(sub, &fakeSnapshot{}, &recordingSink{}, "")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	sub.send(t, stream.StreamBBO, `{"type":"best_bid_offer","product_id":2,"timestamp":"1700000000000000000",`+
		`"bid_price":"3000`+x18+`","bid_qty":"1`+x18+`","ask_price":"3001`+x18+`","ask_qty":"2`+x18+`"}`)
	waitFor(t, func() bool { _, ok := r.Analyzer().Last(); return ok })
	last, _ := r.Analyzer().Last()
	if last.BidPrice != 3000 || last.AskPrice != 3001 || last.Time.UnixNano() != 1700000000000000000 {
		t.Fatalf("unexpected tick %+v", last)
	}
}

func TestPrivateFramesReachSinks(t *testing.T) {
	sub := &fakeSubscriber{}
	sink := &recordingSink{}
	r := newTestRouter(sub, &fakeSnapshot{}, sink, "0xabc")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	sub.send(t, stream.StreamFill, `{"type":"fill","product_id":2,"order_digest":"0x01","filled_qty":"250000000000000000","price":"3000`+x18+`","is_bid":false}`)
	sub.send(t, stream.StreamPositionChange, `{"type":"position_change","product_id":2,"amount":"-250000000000000000"}`)
	sub.send(t, stream.StreamOrderUpdate, `{"type":"order_update","product_id":2,"digest":"0x01","amount":"0","reason":"filled"}`)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.fills) == 1 && len(sink.abs) == 1 && len(sink.updates) == 1
	})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.deltas) != 1 || sink.deltas[0] != -0.25 {
		t.Fatalf("expected sell fill of -0.25, got %v", sink.deltas)
	}
	if sink.abs[0] != -0.25 {
		t.Fatalf("expected absolute position -0.25, got %v", sink.abs)
	}
}
