// Package account tracks per-venue positions from two sources and reconciles them.
package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/metrics"
)

type Source string

const (
	SourceStream     Source = "STREAM"
	SourceREST       Source = "REST"
	SourceReconciled Source = "RECONCILED"
)

type Position struct {
	Venue     string
	Quantity  float64
	Source    Source
	UpdatedAt time.Time
}

// Poller is the part of venue.Exchange the reconciler needs.
type Poller interface {
	Name() string
	PollPosition(ctx context.Context, contractID string) (float64, error)
}

var ErrUnknownVenue = errors.New("unknown venue")

type leg struct {
	poller    Poller
	contract  string
	streamFed bool

	stream     float64
	rest       float64
	reconciled float64
	seeded     bool
	updatedAt  time.Time
	restAt     time.Time

	// inflight counts open orders on an order-fed leg; fillSeq advances on
	// every applied fill so a poll that raced a fill is not folded in.
	inflight int
	fillSeq  uint64
}

// Reconciler is the single writer of position values. The stream-derived value
// moves with fills between polls; the REST value wins whenever it is read and
// the two differ by more than DriftFraction of the order size.
type Reconciler struct {
	orderQty      float64
	driftFraction float64
	log           *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	mu    sync.RWMutex
	legs  map[string]*leg
	order []string
}

func NewReconciler(orderQty, driftFraction float64, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		orderQty:      orderQty,
		driftFraction: driftFraction,
		log:           log,
		metrics:       metrics.OrNoop(m),
		now:           time.Now,
		legs:          make(map[string]*leg),
	}
}

// Register adds a venue leg. streamFed legs receive fills from a private
// stream; the others are fed by the orchestrator from order status polls.
func (r *Reconciler) Register(p Poller, contractID string, streamFed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.legs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.legs[name] = &leg{poller: p, contract: contractID, streamFed: streamFed}
}

// Threshold is the absolute drift above which REST overwrites the stream value.
func (r *Reconciler) Threshold() float64 {
	return r.driftFraction * r.orderQty
}

// ApplyStreamFill moves the stream-derived position by a signed fill quantity.
func (r *Reconciler) ApplyStreamFill(venueName string, delta float64) {
	r.apply(venueName, delta)
}

// BeginOrder marks an order in flight on venueName and returns the func that
// settles it with the order's signed fill. Settle must be called exactly once,
// with 0 when nothing filled. While an order-fed leg has an order in flight a
// REST poll is recorded but not folded into the stream or reconciled values,
// since the poll may already include a fill the orchestrator has not applied.
// Stream-fed legs see their fills on the stream, so settle is a no-op there.
func (r *Reconciler) BeginOrder(venueName string) func(delta float64) {
	r.mu.Lock()
	l, ok := r.legs[venueName]
	if !ok || l.streamFed {
		r.mu.Unlock()
		return func(float64) {}
	}
	l.inflight++
	r.mu.Unlock()

	var once sync.Once
	return func(delta float64) {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			l.inflight--
			r.applyLocked(l, delta)
		})
	}
}

func (r *Reconciler) apply(venueName string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.legs[venueName]; ok {
		r.applyLocked(l, delta)
	}
}

func (r *Reconciler) applyLocked(l *leg, delta float64) {
	if delta == 0 {
		return
	}
	l.stream += delta
	l.reconciled += delta
	l.fillSeq++
	l.updatedAt = r.now()
}

// SetStream replaces the stream-derived position with an absolute value, as
// reported by a position_change frame.
func (r *Reconciler) SetStream(venueName string, qty float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.legs[venueName]
	if !ok {
		return
	}
	l.reconciled += qty - l.stream
	l.stream = qty
	l.fillSeq++
	l.updatedAt = r.now()
}

// Reconcile polls the authoritative position for one venue and folds it in.
func (r *Reconciler) Reconcile(ctx context.Context, venueName string) (Position, error) {
	r.mu.RLock()
	l, ok := r.legs[venueName]
	var seq uint64
	if ok {
		seq = l.fillSeq
	}
	r.mu.RUnlock()
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownVenue, venueName)
	}
	restQty, err := l.poller.PollPosition(ctx, l.contract)
	if err != nil {
		return Position{}, fmt.Errorf("poll %s position: %w", venueName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	l.rest = restQty
	l.restAt = now
	if l.inflight > 0 || l.fillSeq != seq {
		return Position{Venue: venueName, Quantity: restQty, Source: SourceREST, UpdatedAt: now}, nil
	}
	if !l.seeded {
		l.stream = restQty
		l.seeded = true
	}
	drift := math.Abs(l.stream - restQty)
	if drift > r.Threshold() {
		r.log.Warn("position drift, using REST value",
			zap.String("venue", venueName),
			zap.Float64("stream", l.stream),
			zap.Float64("rest", restQty),
			zap.Float64("drift", drift),
			zap.Float64("threshold", r.Threshold()),
		)
		r.metrics.DriftCorrections.Inc()
		l.stream = restQty
	}
	l.reconciled = restQty
	l.updatedAt = now
	return Position{Venue: venueName, Quantity: restQty, Source: SourceReconciled, UpdatedAt: now}, nil
}

// ReconcileAll reconciles every registered leg and returns the net delta.
func (r *Reconciler) ReconcileAll(ctx context.Context) (float64, error) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	for _, name := range names {
		if _, err := r.Reconcile(ctx, name); err != nil {
			return r.NetDelta(), err
		}
	}
	net := r.NetDelta()
	r.metrics.NetDelta.Set(net)
	return net, nil
}

// Position is the value trading decisions use.
func (r *Reconciler) Position(venueName string) Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.legs[venueName]
	if !ok {
		return Position{Venue: venueName}
	}
	return Position{Venue: venueName, Quantity: l.reconciled, Source: SourceReconciled, UpdatedAt: l.updatedAt}
}

func (r *Reconciler) StreamPosition(venueName string) Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.legs[venueName]
	if !ok {
		return Position{Venue: venueName}
	}
	return Position{Venue: venueName, Quantity: l.stream, Source: SourceStream, UpdatedAt: l.updatedAt}
}

func (r *Reconciler) RESTPosition(venueName string) Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.legs[venueName]
	if !ok {
		return Position{Venue: venueName}
	}
	return Position{Venue: venueName, Quantity: l.rest, Source: SourceREST, UpdatedAt: l.restAt}
}

// NetDelta sums reconciled positions across venues.
func (r *Reconciler) NetDelta() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var net float64
	for _, l := range r.legs {
		net += l.reconciled
	}
	return net
}

// Run reconciles on a fixed interval until ctx is done. onNetDelta, when set,
// receives the net delta after every successful pass.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, onNetDelta func(float64)) error {
	if interval <= 0 {
		return errors.New("reconcile interval must be > 0")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, interval)
			net, err := r.ReconcileAll(pollCtx)
			cancel()
			if err != nil {
				r.log.Debug("reconcile failed", zap.Error(err))
				continue
			}
			if onNetDelta != nil {
				onNetDelta(net)
			}
		}
	}
}
