package hedge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/venue"
)

type Deps struct {
	Primary   venue.Exchange
	Hedge     venue.Exchange
	Positions Positions
	Signals   Signals
	Book      ExitBook
	Recorder  Recorder
	Notifier  Notifier
	Store     state.Store
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Orchestrator owns the active hedge cycle and is the only caller of the
// venues' trading methods.
type Orchestrator struct {
	cfg       Config
	primary   venue.Exchange
	hedge     venue.Exchange
	positions Positions
	signals   Signals
	book      ExitBook
	recorder  Recorder
	notifier  Notifier
	store     state.Store
	metrics   *metrics.Metrics
	log       *zap.Logger
	sm        *StateMachine
	now       func() time.Time
	newID     func() string

	cycleMu  sync.Mutex
	halted   atomic.Bool
	stopping atomic.Bool
	breached atomic.Bool
	breachCh chan struct{}

	mu          sync.Mutex
	stats       Stats
	cancelCycle context.CancelFunc
	activeOrder string
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Primary == nil || deps.Hedge == nil {
		return nil, errors.New("primary and hedge venues are required")
	}
	if deps.Positions == nil {
		return nil, errors.New("positions are required")
	}
	if cfg.OrderQty <= 0 {
		return nil, errors.New("order qty must be > 0")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		primary:   deps.Primary,
		hedge:     deps.Hedge,
		positions: deps.Positions,
		signals:   deps.Signals,
		book:      deps.Book,
		recorder:  deps.Recorder,
		notifier:  deps.Notifier,
		store:     deps.Store,
		metrics:   metrics.OrNoop(deps.Metrics),
		log:       log,
		sm:        NewStateMachine(),
		now:       time.Now,
		newID:     uuid.NewString,
		breachCh:  make(chan struct{}, 1),
		stats:     Stats{Phase: PhaseBuild},
	}, nil
}

func (o *Orchestrator) State() State {
	return o.sm.State()
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Halted = o.halted.Load()
	return s
}

// Restore loads counters persisted by a previous run.
func (o *Orchestrator) Restore(ctx context.Context) error {
	snap, ok, err := state.LoadCycleSnapshot(ctx, o.store)
	if err != nil || !ok {
		return err
	}
	o.mu.Lock()
	o.stats.Sequence = snap.Sequence
	o.stats.Iteration = snap.Iteration
	o.stats.CumulativePnL = snap.CumulativePnL
	o.stats.CumulativeVolume = snap.CumulativeVol
	o.stats.CyclesCompleted = snap.CyclesCompleted
	if snap.Phase == string(PhaseUnwind) {
		o.stats.Phase = PhaseUnwind
	}
	pnl := o.stats.CumulativePnL
	o.mu.Unlock()
	o.metrics.CumulativePnL.Set(pnl)
	o.log.Info("hedge state restored",
		zap.Int64("sequence", snap.Sequence),
		zap.Int("iteration", snap.Iteration),
		zap.String("phase", snap.Phase),
		zap.Float64("cumulative_pnl", snap.CumulativePnL),
	)
	return nil
}

// Run drives cycles every entry interval until ctx is done, the configured
// iterations are complete, or an imbalance halts the orchestrator.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Restore(ctx); err != nil {
		o.log.Warn("hedge state restore failed", zap.Error(err))
	}
	net, err := o.positions.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	if err := CheckImbalance(net, o.cfg.OrderQty, o.cfg.ImbalanceMultiple); err != nil {
		o.halted.Store(true)
		o.log.Error("refusing to start with open imbalance", zap.Float64("net_delta", net), zap.Error(err))
		o.alert(fmt.Sprintf("refusing to start: net delta %.6f", net))
		return err
	}
	ticker := time.NewTicker(o.cfg.EntryInterval)
	defer ticker.Stop()
	for {
		if o.breached.Load() {
			return o.handleBreach()
		}
		if o.halted.Load() {
			return ErrHalted
		}
		if o.stopping.Load() || ctx.Err() != nil {
			return nil
		}
		if o.iterationsDone() {
			o.log.Info("configured iterations complete", zap.Int("iterations", o.cfg.Iterations))
			return nil
		}
		if err := o.TryCycle(ctx); err != nil && ctx.Err() == nil {
			switch {
			case errors.Is(err, ErrNoSignal):
				o.log.Debug("no entry", zap.Error(err))
			case errors.Is(err, ErrHalted), errors.Is(err, ErrCycleInFlight):
			default:
				o.log.Warn("hedge cycle failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-o.breachCh:
		case <-ticker.C:
		}
	}
}

// CheckNetDelta is called after every reconciliation pass. A breach cancels
// the in-flight cycle and wakes Run, which force-closes both legs.
func (o *Orchestrator) CheckNetDelta(net float64) {
	err := CheckImbalance(net, o.cfg.OrderQty, o.cfg.ImbalanceMultiple)
	if err == nil {
		return
	}
	if o.breached.Swap(true) {
		return
	}
	o.log.Error("net delta imbalance breached", zap.Float64("net_delta", net), zap.Error(err))
	o.cancelActiveCycle()
	select {
	case o.breachCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) handleBreach() error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	o.halted.Store(true)
	ctx, cancel := o.cleanupContext()
	defer cancel()
	o.sm.Apply(EventEmergency)
	err := o.emergencyUnwind(ctx, "net delta imbalance", true)
	o.sm.Apply(EventUnwound)
	o.saveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: unwind: %v", ErrImbalance, err)
	}
	return ErrImbalance
}

// TryCycle runs one hedge cycle. Signals arriving while a cycle is in flight
// are ignored with ErrCycleInFlight.
func (o *Orchestrator) TryCycle(ctx context.Context) error {
	if !o.cycleMu.TryLock() {
		o.log.Debug("entry signal ignored, cycle in flight")
		return ErrCycleInFlight
	}
	defer o.cycleMu.Unlock()
	if o.halted.Load() || o.stopping.Load() || o.breached.Load() {
		return ErrHalted
	}

	cycle, err := o.plan(ctx)
	if err != nil {
		return err
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	o.setCancel(cancel)
	defer func() {
		o.setCancel(nil)
		cancel()
	}()

	o.sm.Apply(EventSignal)
	o.log.Info("hedge cycle started",
		zap.String("cycle_id", cycle.ID),
		zap.Int64("seq", cycle.Seq),
		zap.String("phase", string(cycle.Phase)),
		zap.String("side", string(cycle.Side)),
		zap.Float64("qty", cycle.Qty),
		zap.String("pricing", cycle.Mode),
	)

	if err := o.enter(cycleCtx, cycle); err != nil {
		o.sm.Apply(EventAbandon)
		o.metrics.CyclesAbandoned.Inc()
		o.recordCycle(ctx, cycle, 0, 0, OutcomeAbandoned)
		return err
	}
	o.sm.Apply(EventPrimaryFilled)

	hedgePx, hedged, err := o.hedgeLeg(cycleCtx, cycle)
	if err != nil {
		if cycleCtx.Err() != nil {
			// shutdown or breach handling owns the exposure now
			o.sm.Apply(EventAbandon)
			o.metrics.CyclesAbandoned.Inc()
			o.recordCycle(ctx, cycle, hedgePx, hedged, OutcomeAbandoned)
			return err
		}
		o.sm.Apply(EventEmergency)
		o.halted.Store(true)
		cleanup, cancelCleanup := o.cleanupContext()
		uerr := o.emergencyUnwind(cleanup, "hedge leg failed", false)
		cancelCleanup()
		o.sm.Apply(EventUnwound)
		o.metrics.CyclesAbandoned.Inc()
		o.recordCycle(ctx, cycle, hedgePx, hedged, OutcomeEmergency)
		if uerr != nil {
			return fmt.Errorf("%w; unwind: %v", err, uerr)
		}
		return err
	}
	o.sm.Apply(EventHedgeFilled)
	o.complete(ctx, cycle, hedgePx, hedged)
	o.sm.Apply(EventDone)
	return nil
}

// plan picks the phase, side and size of the next cycle and applies the entry
// gates. It returns ErrNoSignal when no cycle should start.
func (o *Orchestrator) plan(ctx context.Context) (*Cycle, error) {
	primaryName := o.primary.Name()
	pos := o.positions.Position(primaryName).Quantity
	qty := o.cfg.OrderQty

	o.mu.Lock()
	phase := o.stats.Phase
	o.mu.Unlock()

	if phase == PhaseUnwind && almostZero(pos, qty) {
		o.mu.Lock()
		o.stats.Iteration++
		iteration := o.stats.Iteration
		o.stats.Phase = PhaseBuild
		o.mu.Unlock()
		o.log.Info("iteration complete", zap.Int("iteration", iteration))
		if o.iterationsDone() {
			return nil, fmt.Errorf("%w: iterations complete", ErrNoSignal)
		}
		phase = PhaseBuild
	}
	if phase == PhaseBuild {
		next := math.Abs(pos) + qty
		if next > o.cfg.MaxPosition+qty*1e-6 {
			phase = PhaseUnwind
		} else if o.book != nil {
			if ok, capacity := o.book.EstimateExitCapacity(next, o.cfg.MaxExitSlippageBps); !ok {
				o.log.Info("exit capacity insufficient, unwinding",
					zap.Float64("target_position", next),
					zap.Float64("exit_capacity", capacity),
				)
				phase = PhaseUnwind
			}
		}
		if phase == PhaseUnwind && almostZero(pos, qty) {
			return nil, fmt.Errorf("%w: no room to build", ErrNoSignal)
		}
		o.mu.Lock()
		o.stats.Phase = phase
		o.mu.Unlock()
	}

	side := venue.Buy
	if o.cfg.Direction == config.DirectionShort {
		side = venue.Sell
	}
	if phase == PhaseUnwind {
		side = venue.SideFor(-pos)
		qty = math.Min(qty, math.Abs(pos))
	}

	mode := o.cfg.PrimaryPricing
	if o.signals != nil {
		var ok bool
		mode, ok = adjustForSignals(mode, side, o.signals.SpreadState(), o.signals.MomentumState())
		if !ok {
			return nil, fmt.Errorf("%w: spread widening", ErrNoSignal)
		}
	}

	if o.cfg.MinSpreadBps > 0 && phase == PhaseBuild {
		bid, ask, err := o.primary.FetchBBO(ctx, o.cfg.PrimaryContract)
		if err != nil {
			return nil, fmt.Errorf("primary bbo: %w", err)
		}
		hbid, hask, err := o.hedge.FetchBBO(ctx, o.cfg.HedgeContract)
		if err != nil {
			return nil, fmt.Errorf("hedge bbo: %w", err)
		}
		entry := takerRef(side, bid, ask)
		if !taker(mode) {
			entry = makerPrice(mode, side, bid, ask, o.cfg.PriceTick)
		}
		if edge := edgeBps(side, entry, hbid, hask); edge < o.cfg.MinSpreadBps {
			return nil, fmt.Errorf("%w: edge %.2f bps below %.2f (primary spread %.2f bps)",
				ErrNoSignal, edge, o.cfg.MinSpreadBps, spreadBps(bid, ask))
		}
	}

	o.mu.Lock()
	o.stats.Sequence++
	seq := o.stats.Sequence
	o.mu.Unlock()
	return &Cycle{
		ID:      o.newID(),
		Seq:     seq,
		Phase:   phase,
		Side:    side,
		Qty:     qty,
		Mode:    mode,
		Started: o.now(),
	}, nil
}

// enter places the primary order, repricing stale or rejected orders, until a
// fill (full, or partial on a cancelled order) is confirmed.
func (o *Orchestrator) enter(ctx context.Context, cycle *Cycle) error {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxEntryRetries; attempt++ {
		bid, ask, err := o.primary.FetchBBO(ctx, o.cfg.PrimaryContract)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		settle := o.positions.BeginOrder(o.primary.Name())
		order, err := o.place(ctx, o.primary, o.cfg.PrimaryContract, cycle.Qty, cycle.Side, cycle.Mode, bid, ask)
		if err != nil {
			settle(0)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			o.log.Debug("primary placement failed, repricing", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		o.setActiveOrder(order.ID)
		var stale func(context.Context, venue.Order) bool
		if !taker(cycle.Mode) {
			stale = o.primaryStale
		}
		final, err := o.awaitFill(ctx, o.primary, order, stale, nil)
		o.setActiveOrder("")
		settle(cycle.Side.Sign() * final.Filled)
		if final.Filled > 0 {
			cycle.Primary = final
			cycle.Qty = final.Filled
			o.recordFill(ctx, cycle, o.primary.Name(), cycle.Side, final, OrderTypePrimary, cycle.Mode)
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fmt.Errorf("order %s ended %s unfilled", final.ID, final.Status)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrEntryFailed, o.cfg.MaxEntryRetries, lastErr)
}

// hedgeLeg offsets the primary fill on the hedge venue: configured pricing on
// the first attempt, market on every retry. It returns the hedge VWAP and the
// hedged quantity.
func (o *Orchestrator) hedgeLeg(ctx context.Context, cycle *Cycle) (float64, float64, error) {
	target := cycle.Qty
	side := cycle.Side.Opposite()
	name := o.hedge.Name()
	var filled, notional float64
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxHedgeRetries; attempt++ {
		remaining := target - filled
		if remaining <= target*(1-o.cfg.FillConfirmRatio) {
			break
		}
		mode := o.cfg.HedgePricing
		if attempt > 1 {
			mode = config.PricingMarket
		}
		bid, ask, err := o.hedge.FetchBBO(ctx, o.cfg.HedgeContract)
		if err != nil {
			if ctx.Err() != nil {
				return vwap(notional, filled), filled, ctx.Err()
			}
			lastErr = err
			continue
		}
		if _, err := o.positions.Reconcile(ctx, name); err != nil {
			o.log.Debug("hedge baseline reconcile failed", zap.Error(err))
		}
		base := positionBaseline{
			stream: o.positions.StreamPosition(name).Quantity,
			rest:   o.positions.RESTPosition(name).Quantity,
		}
		settle := o.positions.BeginOrder(name)
		order, err := o.place(ctx, o.hedge, o.cfg.HedgeContract, remaining, side, mode, bid, ask)
		if err != nil {
			settle(0)
			if ctx.Err() != nil {
				return vwap(notional, filled), filled, ctx.Err()
			}
			lastErr = err
			o.log.Warn("hedge placement failed", zap.Int("attempt", attempt), zap.String("pricing", mode), zap.Error(err))
			continue
		}
		confirm := func(ctx context.Context, order venue.Order) (float64, bool) {
			return o.confirmByPosition(ctx, name, side, order.Quantity, base)
		}
		final, err := o.awaitFill(ctx, o.hedge, order, nil, confirm)
		settle(side.Sign() * final.Filled)
		if final.Filled > 0 {
			filled += final.Filled
			notional += final.Filled * fillPrice(final)
			o.recordFill(ctx, cycle, name, side, final, OrderTypeHedge, mode)
		}
		cycle.Hedge = final
		if err != nil && ctx.Err() != nil {
			return vwap(notional, filled), filled, ctx.Err()
		}
		if final.Filled < final.Quantity {
			lastErr = fmt.Errorf("hedge order %s filled %.6f of %.6f", final.ID, final.Filled, final.Quantity)
			o.log.Warn("hedge fill incomplete, escalating",
				zap.Int("attempt", attempt),
				zap.String("pricing", mode),
				zap.Float64("filled", filled),
				zap.Float64("target", target),
			)
		}
	}
	if filled >= target*o.cfg.FillConfirmRatio {
		return vwap(notional, filled), filled, nil
	}
	return vwap(notional, filled), filled, fmt.Errorf("%w: hedged %.6f of %.6f after %d attempts: %v",
		ErrHedgeFailed, filled, target, o.cfg.MaxHedgeRetries, lastErr)
}

type positionBaseline struct {
	stream float64
	rest   float64
}

// confirmByPosition accepts a fill when either the stream-derived or the
// REST-derived position moved by at least FillConfirmRatio of the order.
func (o *Orchestrator) confirmByPosition(ctx context.Context, name string, side venue.Side, qty float64, base positionBaseline) (float64, bool) {
	need := qty * o.cfg.FillConfirmRatio
	streamMove := (o.positions.StreamPosition(name).Quantity - base.stream) * side.Sign()
	if streamMove >= need {
		return math.Min(streamMove, qty), true
	}
	pos, err := o.positions.Reconcile(ctx, name)
	if err != nil {
		return 0, false
	}
	restMove := (pos.Quantity - base.rest) * side.Sign()
	if restMove >= need {
		return math.Min(restMove, qty), true
	}
	return 0, false
}

func (o *Orchestrator) place(ctx context.Context, ex venue.Exchange, contract string, qty float64, side venue.Side, mode string, bid, ask float64) (venue.Order, error) {
	if taker(mode) {
		return ex.PlaceTakerOrder(ctx, contract, qty, takerRef(side, bid, ask), side)
	}
	return ex.PlaceMakerOrder(ctx, contract, qty, makerPrice(mode, side, bid, ask, o.cfg.PriceTick), side)
}

// awaitFill polls an order until it is FILLED, terminal, stale, or the fill
// timeout passes; in the last two cases it cancels and settles the order.
// confirm, when set, may declare the order filled from position movement.
func (o *Orchestrator) awaitFill(
	ctx context.Context,
	ex venue.Exchange,
	order venue.Order,
	stale func(context.Context, venue.Order) bool,
	confirm func(context.Context, venue.Order) (float64, bool),
) (venue.Order, error) {
	order = venue.NormalizeStatus(order)
	if order.Status.Terminal() {
		return order, nil
	}
	deadline := time.NewTimer(o.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			settled := o.cancelAndSettle(ex, order)
			return settled, ctx.Err()
		case <-deadline.C:
			o.log.Debug("fill timeout, cancelling", zap.String("venue", ex.Name()), zap.String("order_id", order.ID))
			return o.cancelAndSettle(ex, order), nil
		case <-ticker.C:
			cur, err := ex.PollOrderStatus(ctx, order.ID)
			if err == nil {
				order = cur
				if order.Status.Terminal() {
					return order, nil
				}
			} else {
				o.log.Debug("order status poll failed", zap.String("order_id", order.ID), zap.Error(err))
			}
			if confirm != nil {
				if qty, ok := confirm(ctx, order); ok {
					// the position already moved; pull whatever still rests
					settled := o.cancelAndSettle(ex, order)
					settled.Filled = math.Max(settled.Filled, qty)
					settled.Status = venue.StatusFilled
					return venue.NormalizeStatus(settled), nil
				}
			}
			if stale != nil && stale(ctx, order) {
				o.log.Debug("order stale against book, repricing", zap.String("order_id", order.ID), zap.Float64("price", order.Price))
				return o.cancelAndSettle(ex, order), nil
			}
		}
	}
}

// cancelAndSettle cancels order and reads its final fill. It runs on a
// detached context so cancellation still reaches the venue during shutdown.
func (o *Orchestrator) cancelAndSettle(ex venue.Exchange, order venue.Order) venue.Order {
	ctx, cancel := o.cleanupContext()
	defer cancel()
	if err := ex.CancelOrder(ctx, order.ID); err != nil {
		o.log.Warn("cancel failed", zap.String("venue", ex.Name()), zap.String("order_id", order.ID), zap.Error(err))
	}
	final, err := ex.PollOrderStatus(ctx, order.ID)
	if err != nil {
		if errors.Is(err, venue.ErrOrderNotFound) || order.Filled == 0 {
			order.Status = venue.StatusCanceled
		}
		return venue.NormalizeStatus(order)
	}
	if !final.Status.Terminal() {
		final.Status = venue.StatusCanceled
	}
	return venue.NormalizeStatus(final)
}

// primaryStale reports whether the book moved through a resting maker order,
// leaving it behind the best price on its side.
func (o *Orchestrator) primaryStale(ctx context.Context, order venue.Order) bool {
	if order.Price <= 0 {
		return false
	}
	bid, ask, err := o.primary.FetchBBO(ctx, o.cfg.PrimaryContract)
	if err != nil {
		return false
	}
	tick := o.cfg.PriceTick
	if tick <= 0 {
		tick = defaultTick((bid + ask) / 2)
	}
	if order.Side == venue.Buy {
		return bid-order.Price > tick/2
	}
	return order.Price-ask > tick/2
}

func (o *Orchestrator) complete(ctx context.Context, cycle *Cycle, hedgePx, hedged float64) {
	primaryPx := fillPrice(cycle.Primary)
	qty := math.Min(cycle.Qty, hedged)
	pnl := (hedgePx - primaryPx) * qty * cycle.Side.Sign()

	o.mu.Lock()
	o.stats.CumulativePnL += pnl
	o.stats.CumulativeVolume += qty * (primaryPx + hedgePx)
	o.stats.CyclesCompleted++
	cum := o.stats.CumulativePnL
	o.mu.Unlock()

	o.metrics.CyclesCompleted.Inc()
	o.metrics.CumulativePnL.Set(cum)
	o.log.Info("hedge cycle completed",
		zap.String("cycle_id", cycle.ID),
		zap.Int64("seq", cycle.Seq),
		zap.String("phase", string(cycle.Phase)),
		zap.Float64("qty", qty),
		zap.Float64("primary_px", primaryPx),
		zap.Float64("hedge_px", hedgePx),
		zap.Float64("pnl", pnl),
		zap.Float64("cumulative_pnl", cum),
	)
	o.recordCycle(ctx, cycle, hedgePx, hedged, OutcomeCompleted)
	o.saveSnapshot(ctx)
	o.alert(fmt.Sprintf("cycle %d %s %s %.6f: primary %.4f hedge %.4f pnl %.6f (cum %.6f)",
		cycle.Seq, cycle.Phase, cycle.Side, qty, primaryPx, hedgePx, pnl, cum))

	if net, err := o.positions.ReconcileAll(ctx); err == nil {
		o.CheckNetDelta(net)
	} else {
		o.log.Debug("post-cycle reconcile failed", zap.Error(err))
	}
}

// emergencyUnwind force-closes exposure with market orders. closeAll flattens
// both venues; otherwise only the net residual is closed on the primary venue.
func (o *Orchestrator) emergencyUnwind(ctx context.Context, reason string, closeAll bool) error {
	o.metrics.EmergencyUnwinds.Inc()
	o.log.Error("emergency unwind", zap.String("reason", reason), zap.Bool("close_all", closeAll))
	o.alert("EMERGENCY UNWIND: " + reason)

	if id := o.takeActiveOrder(); id != "" {
		if err := o.primary.CancelOrder(ctx, id); err != nil {
			o.log.Warn("cancel open primary order failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	if _, err := o.positions.ReconcileAll(ctx); err != nil {
		o.log.Error("emergency reconcile failed, using last known positions", zap.Error(err))
	}

	var errs []error
	if closeAll {
		legs := []struct {
			ex       venue.Exchange
			contract string
		}{
			{o.primary, o.cfg.PrimaryContract},
			{o.hedge, o.cfg.HedgeContract},
		}
		for _, leg := range legs {
			pos := o.positions.Position(leg.ex.Name()).Quantity
			if almostZero(pos, o.cfg.OrderQty) {
				continue
			}
			if err := o.forceClose(ctx, leg.ex, leg.contract, pos); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", leg.ex.Name(), err))
			}
		}
	} else if net := o.positions.NetDelta(); !almostZero(net, o.cfg.OrderQty) {
		if err := o.forceClose(ctx, o.primary, o.cfg.PrimaryContract, net); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.primary.Name(), err))
		}
	}

	net, err := o.positions.ReconcileAll(ctx)
	o.metrics.NetDelta.Set(net)
	residual := math.Abs(net)
	if closeAll {
		residual = math.Abs(o.positions.Position(o.primary.Name()).Quantity) +
			math.Abs(o.positions.Position(o.hedge.Name()).Quantity)
	}
	if err != nil || !almostZero(residual, o.cfg.OrderQty) || len(errs) > 0 {
		o.log.Error("emergency close unconfirmed",
			zap.Float64("net_delta", net),
			zap.Float64("residual", residual),
			zap.Errors("errors", errs),
			zap.NamedError("reconcile_error", err),
		)
		o.alert(fmt.Sprintf("EMERGENCY CLOSE UNCONFIRMED: residual %.6f net %.6f", residual, net))
		if err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			errs = append(errs, fmt.Errorf("residual %.6f after unwind", residual))
		}
		return errors.Join(errs...)
	}
	o.log.Warn("emergency unwind complete", zap.String("reason", reason))
	return nil
}

// forceClose flattens pos on ex with taker orders, retrying partial fills.
func (o *Orchestrator) forceClose(ctx context.Context, ex venue.Exchange, contract string, pos float64) error {
	side := venue.SideFor(-pos)
	remaining := math.Abs(pos)
	cycle := &Cycle{ID: o.newID(), Phase: PhaseUnwind}
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxHedgeRetries && !almostZero(remaining, o.cfg.OrderQty); attempt++ {
		bid, ask, err := ex.FetchBBO(ctx, contract)
		if err != nil {
			lastErr = err
			continue
		}
		settle := o.positions.BeginOrder(ex.Name())
		order, err := ex.PlaceTakerOrder(ctx, contract, remaining, takerRef(side, bid, ask), side)
		if err != nil {
			settle(0)
			lastErr = err
			o.log.Error("emergency close order failed", zap.String("venue", ex.Name()), zap.Error(err))
			continue
		}
		final, _ := o.awaitFill(ctx, ex, order, nil, nil)
		settle(side.Sign() * final.Filled)
		if final.Filled > 0 {
			remaining -= final.Filled
			o.recordFill(ctx, cycle, ex.Name(), side, final, OrderTypeEmergency, config.PricingMarket)
		}
	}
	if !almostZero(remaining, o.cfg.OrderQty) {
		if lastErr == nil {
			lastErr = fmt.Errorf("%.6f left open", remaining)
		}
		return lastErr
	}
	return nil
}

// Shutdown stops new entries, cancels the in-flight cycle and any open primary
// order, then closes unhedged exposure. Streams are closed by the caller after
// this returns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopping.Store(true)
	o.cancelActiveCycle()
	if err := o.lockCycle(ctx); err != nil {
		return err
	}
	defer o.cycleMu.Unlock()

	if id := o.takeActiveOrder(); id != "" {
		if err := o.primary.CancelOrder(ctx, id); err != nil {
			o.log.Warn("cancel open primary order failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	var result error
	net, err := o.positions.ReconcileAll(ctx)
	switch {
	case err != nil:
		o.log.Error("shutdown reconcile failed, exposure unknown", zap.Error(err))
		result = err
	case !almostZero(net, o.cfg.OrderQty):
		o.sm.Apply(EventEmergency)
		result = o.emergencyUnwind(ctx, fmt.Sprintf("shutdown with unhedged exposure %.6f", net), false)
		o.sm.Apply(EventUnwound)
	}
	o.saveSnapshot(ctx)
	return result
}

func (o *Orchestrator) lockCycle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !o.cycleMu.TryLock() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (o *Orchestrator) iterationsDone() bool {
	if o.cfg.Iterations <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.Iteration >= o.cfg.Iterations
}

func (o *Orchestrator) setCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancelCycle = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) cancelActiveCycle() {
	o.mu.Lock()
	cancel := o.cancelCycle
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) setActiveOrder(id string) {
	o.mu.Lock()
	o.activeOrder = id
	o.mu.Unlock()
}

func (o *Orchestrator) takeActiveOrder() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.activeOrder
	o.activeOrder = ""
	return id
}

func (o *Orchestrator) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
}

func (o *Orchestrator) recordFill(ctx context.Context, cycle *Cycle, venueName string, side venue.Side, order venue.Order, orderType, mode string) {
	if o.recorder == nil {
		return
	}
	o.recorder.RecordFill(ctx, FillRecord{
		CycleID:   cycle.ID,
		Venue:     venueName,
		Time:      o.now(),
		Side:      side,
		Price:     fillPrice(order),
		Quantity:  order.Filled,
		OrderType: orderType,
		Mode:      mode,
	})
}

func (o *Orchestrator) recordCycle(ctx context.Context, cycle *Cycle, hedgePx, hedged float64, outcome string) {
	if o.recorder == nil {
		return
	}
	primaryPx := fillPrice(cycle.Primary)
	qty := math.Min(cycle.Primary.Filled, hedged)
	var pnl float64
	if outcome == OutcomeCompleted {
		pnl = (hedgePx - primaryPx) * qty * cycle.Side.Sign()
	}
	o.mu.Lock()
	cum := o.stats.CumulativePnL
	o.mu.Unlock()
	o.recorder.RecordCycle(ctx, CycleRecord{
		ID:            cycle.ID,
		Seq:           cycle.Seq,
		Phase:         cycle.Phase,
		Side:          cycle.Side,
		PrimaryVenue:  o.primary.Name(),
		HedgeVenue:    o.hedge.Name(),
		Quantity:      qty,
		PrimaryPrice:  primaryPx,
		HedgePrice:    hedgePx,
		PnL:           pnl,
		CumulativePnL: cum,
		Outcome:       outcome,
		Started:       cycle.Started,
		Finished:      o.now(),
	})
}

func (o *Orchestrator) saveSnapshot(ctx context.Context) {
	if o.store == nil {
		return
	}
	stats := o.Stats()
	snap := state.CycleSnapshot{
		Sequence:        stats.Sequence,
		Iteration:       stats.Iteration,
		Phase:           string(stats.Phase),
		CumulativePnL:   stats.CumulativePnL,
		CumulativeVol:   stats.CumulativeVolume,
		CyclesCompleted: stats.CyclesCompleted,
		PrimaryPosition: o.positions.Position(o.primary.Name()).Quantity,
		HedgePosition:   o.positions.Position(o.hedge.Name()).Quantity,
		Halted:          stats.Halted,
		UpdatedAtMS:     o.now().UnixMilli(),
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = o.cleanupContext()
		defer cancel()
	}
	if err := state.SaveCycleSnapshot(ctx, o.store, snap); err != nil {
		o.log.Warn("save hedge snapshot failed", zap.Error(err))
	}
}

// alert runs on a detached context so emergency messages survive shutdown.
func (o *Orchestrator) alert(message string) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.notifier.Send(ctx, message); err != nil {
		o.log.Warn("alert send failed", zap.Error(err))
	}
}

func fillPrice(o venue.Order) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

func vwap(notional, qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	return notional / qty
}
