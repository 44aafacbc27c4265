// Package market runs the receive loops that turn stream frames into local
// book, analyzer, order and position state.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/bbo"
	"dn-hedge-bot/internal/book"
	"dn-hedge-bot/internal/nado/stream"
)

const (
	defaultSnapshotDepth = 100
	defaultBuffer        = 1024
)

// Subscriber is the part of the stream transport the router drives.
type Subscriber interface {
	Subscribe(ctx context.Context, sub stream.Subscription, out chan<- stream.Frame) error
	OnConnect(fn func(context.Context) error)
}

// Snapshotter fetches a full depth snapshot over REST.
type Snapshotter interface {
	MarketLiquidity(ctx context.Context, productID int64, depth int) ([]book.Level, []book.Level, error)
}

// OrderSink receives private order events (the venue's order tracker).
type OrderSink interface {
	OnFill(f stream.FillFrame)
	OnOrderUpdate(u stream.OrderUpdateFrame)
}

// PositionSink receives stream-derived position changes (the reconciler).
type PositionSink interface {
	ApplyStreamFill(venueName string, delta float64)
	SetStream(venueName string, qty float64)
}

type Config struct {
	VenueName     string
	ProductID     int64
	Subaccount    string
	SnapshotDepth int
	Buffer        int
}

// Router owns the book for one product: depth frames and snapshots are applied
// by a single goroutine in arrival order.
type Router struct {
	cfg       Config
	sub       Subscriber
	snap      Snapshotter
	book      *book.Book
	analyzer  *bbo.Analyzer
	orders    OrderSink
	positions PositionSink
	log       *zap.Logger

	public  chan stream.Frame
	private chan stream.Frame

	resync  atomic.Bool
	lastMax stream.Nanos
}

func NewRouter(cfg Config, sub Subscriber, snap Snapshotter, b *book.Book, analyzer *bbo.Analyzer, orders OrderSink, positions PositionSink, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = defaultSnapshotDepth
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	r := &Router{
		cfg:       cfg,
		sub:       sub,
		snap:      snap,
		book:      b,
		analyzer:  analyzer,
		orders:    orders,
		positions: positions,
		log:       log,
		public:    make(chan stream.Frame, cfg.Buffer),
		private:   make(chan stream.Frame, cfg.Buffer),
	}
	r.resync.Store(true)
	return r
}

func (r *Router) Book() *book.Book {
	return r.book
}

func (r *Router) Analyzer() *bbo.Analyzer {
	return r.analyzer
}

// Start registers the resync hook and subscribes to every stream the router
// consumes. Private streams are skipped when no subaccount is configured.
func (r *Router) Start(ctx context.Context) error {
	r.sub.OnConnect(func(context.Context) error {
		// a fresh socket means deltas may have been missed
		r.resync.Store(true)
		return nil
	})
	pid := r.cfg.ProductID
	public := []stream.StreamType{stream.StreamBookDepth, stream.StreamBBO}
	for _, t := range public {
		if err := r.sub.Subscribe(ctx, stream.Subscription{Type: t, ProductID: pid}, r.public); err != nil {
			return err
		}
	}
	if r.cfg.Subaccount == "" {
		return nil
	}
	private := []stream.StreamType{stream.StreamFill, stream.StreamPositionChange, stream.StreamOrderUpdate}
	for _, t := range private {
		sub := stream.Subscription{Type: t, ProductID: pid, Subaccount: r.cfg.Subaccount}
		if err := r.sub.Subscribe(ctx, sub, r.private); err != nil {
			return err
		}
	}
	return nil
}

// Run drains both receive loops until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.runPrivate(ctx)
	}()
	r.runPublic(ctx)
	<-done
	return nil
}

func (r *Router) runPublic(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-r.public:
			r.handlePublic(ctx, frame)
		}
	}
}

func (r *Router) runPrivate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-r.private:
			r.handlePrivate(frame)
		}
	}
}

func (r *Router) handlePublic(ctx context.Context, frame stream.Frame) {
	switch frame.Type {
	case stream.StreamBookDepth:
		var depth stream.BookDepthFrame
		if err := json.Unmarshal(frame.Raw, &depth); err != nil {
			r.log.Debug("book_depth decode failed", zap.Error(err))
			return
		}
		r.applyDepth(ctx, depth)
	case stream.StreamBBO:
		var quote stream.BBOFrame
		if err := json.Unmarshal(frame.Raw, &quote); err != nil {
			r.log.Debug("best_bid_offer decode failed", zap.Error(err))
			return
		}
		tick := bbo.Tick{
			ProductID: quote.ProductID,
			BidPrice:  quote.BidPrice.Float(),
			BidQty:    quote.BidQty.Float(),
			AskPrice:  quote.AskPrice.Float(),
			AskQty:    quote.AskQty.Float(),
			Time:      quote.Timestamp.Time(),
		}
		if tick.Time.IsZero() {
			tick.Time = frame.Received
		}
		if r.analyzer != nil && !r.analyzer.OnTick(tick) {
			r.log.Debug("invalid bbo tick ignored",
				zap.Float64("bid", tick.BidPrice),
				zap.Float64("ask", tick.AskPrice),
			)
		}
	}
}

func (r *Router) applyDepth(ctx context.Context, depth stream.BookDepthFrame) {
	if depth.LastMaxTimestamp != 0 && r.lastMax != 0 && depth.LastMaxTimestamp != r.lastMax {
		r.log.Warn("book_depth sequence gap, resyncing",
			zap.Int64("product_id", r.cfg.ProductID),
			zap.Int64("expected", int64(r.lastMax)),
			zap.Int64("got", int64(depth.LastMaxTimestamp)),
		)
		r.resync.Store(true)
	}
	if r.resync.Load() {
		if err := r.Resync(ctx); err != nil {
			r.log.Warn("book snapshot failed", zap.Error(err))
		}
	}
	deltas := make([]book.Delta, 0, len(depth.Bids)+len(depth.Asks))
	for _, l := range depth.Bids {
		deltas = append(deltas, book.Delta{Side: book.Bid, Price: l.Price(), Quantity: l.Quantity()})
	}
	for _, l := range depth.Asks {
		deltas = append(deltas, book.Delta{Side: book.Ask, Price: l.Price(), Quantity: l.Quantity()})
	}
	r.book.ApplyDeltas(deltas)
	if depth.MaxTimestamp != 0 {
		r.lastMax = depth.MaxTimestamp
	}
}

// Resync replaces the book with a REST snapshot. Only the public receive loop
// and startup call it.
func (r *Router) Resync(ctx context.Context) error {
	if r.snap == nil {
		return errors.New("no snapshot source")
	}
	bids, asks, err := r.snap.MarketLiquidity(ctx, r.cfg.ProductID, r.cfg.SnapshotDepth)
	if err != nil {
		return err
	}
	r.book.ApplySnapshot(bids, asks)
	r.resync.Store(false)
	r.log.Debug("book snapshot applied",
		zap.Int64("product_id", r.cfg.ProductID),
		zap.Int("bids", len(bids)),
		zap.Int("asks", len(asks)),
	)
	return nil
}

func (r *Router) handlePrivate(frame stream.Frame) {
	switch frame.Type {
	case stream.StreamFill:
		var fill stream.FillFrame
		if err := json.Unmarshal(frame.Raw, &fill); err != nil {
			r.log.Debug("fill decode failed", zap.Error(err))
			return
		}
		if r.orders != nil {
			r.orders.OnFill(fill)
		}
		qty := math.Abs(fill.FilledQty.Float())
		if !fill.IsBid {
			qty = -qty
		}
		if r.positions != nil {
			r.positions.ApplyStreamFill(r.cfg.VenueName, qty)
		}
	case stream.StreamPositionChange:
		var change stream.PositionChangeFrame
		if err := json.Unmarshal(frame.Raw, &change); err != nil {
			r.log.Debug("position_change decode failed", zap.Error(err))
			return
		}
		if r.positions != nil {
			r.positions.SetStream(r.cfg.VenueName, change.Amount.Float())
		}
	case stream.StreamOrderUpdate:
		var update stream.OrderUpdateFrame
		if err := json.Unmarshal(frame.Raw, &update); err != nil {
			r.log.Debug("order_update decode failed", zap.Error(err))
			return
		}
		if r.orders != nil {
			r.orders.OnOrderUpdate(update)
		}
	}
}
