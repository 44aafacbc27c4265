// Package hedge drives one primary venue and one hedge venue through
// maker-entry, offset and confirmation cycles while holding net delta near zero.
package hedge

import (
	"context"
	"time"

	"dn-hedge-bot/internal/account"
	"dn-hedge-bot/internal/bbo"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/venue"
)

type Phase string

const (
	PhaseBuild  Phase = "BUILD"
	PhaseUnwind Phase = "UNWIND"
)

const (
	OrderTypePrimary   = "primary"
	OrderTypeHedge     = "hedge"
	OrderTypeEmergency = "emergency_close"
)

const (
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
	OutcomeEmergency = "emergency"
)

// Positions is the reconciler surface the orchestrator trades on.
type Positions interface {
	Reconcile(ctx context.Context, venueName string) (account.Position, error)
	ReconcileAll(ctx context.Context) (float64, error)
	Position(venueName string) account.Position
	StreamPosition(venueName string) account.Position
	RESTPosition(venueName string) account.Position
	BeginOrder(venueName string) func(delta float64)
	NetDelta() float64
}

type Signals interface {
	SpreadState() bbo.SpreadState
	MomentumState() bbo.MomentumState
}

type ExitBook interface {
	EstimateExitCapacity(position, maxSlippageBps float64) (bool, float64)
}

type Recorder interface {
	RecordFill(ctx context.Context, fill FillRecord)
	RecordCycle(ctx context.Context, cycle CycleRecord)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type FillRecord struct {
	CycleID   string
	Venue     string
	Time      time.Time
	Side      venue.Side
	Price     float64
	Quantity  float64
	OrderType string
	Mode      string
}

type CycleRecord struct {
	ID            string
	Seq           int64
	Phase         Phase
	Side          venue.Side
	PrimaryVenue  string
	HedgeVenue    string
	Quantity      float64
	PrimaryPrice  float64
	HedgePrice    float64
	PnL           float64
	CumulativePnL float64
	Outcome       string
	Started       time.Time
	Finished      time.Time
}

type Stats struct {
	Sequence         int64
	Iteration        int
	Phase            Phase
	CumulativePnL    float64
	CumulativeVolume float64
	CyclesCompleted  int64
	Halted           bool
}

// Cycle is the single in-flight hedge cycle.
type Cycle struct {
	ID      string
	Seq     int64
	Phase   Phase
	Side    venue.Side
	Qty     float64
	Mode    string
	Started time.Time
	Primary venue.Order
	Hedge   venue.Order
}

type Config struct {
	PrimaryContract    string
	HedgeContract      string
	OrderQty           float64
	MaxPosition        float64
	Direction          string
	PrimaryPricing     string
	HedgePricing       string
	PriceTick          float64
	MinSpreadBps       float64
	MaxExitSlippageBps float64
	FillTimeout        time.Duration
	PollInterval       time.Duration
	EntryInterval      time.Duration
	CleanupTimeout     time.Duration
	MaxEntryRetries    int
	MaxHedgeRetries    int
	Iterations         int
	ImbalanceMultiple  float64
	FillConfirmRatio   float64
}

// ConfigFrom maps the loaded strategy and risk sections onto the orchestrator.
func ConfigFrom(cfg *config.Config, primaryContract, hedgeContract string) Config {
	s := cfg.Strategy
	return Config{
		PrimaryContract:    primaryContract,
		HedgeContract:      hedgeContract,
		OrderQty:           s.OrderQty,
		MaxPosition:        s.MaxPosition,
		Direction:          s.Direction,
		PrimaryPricing:     s.PrimaryPricing,
		HedgePricing:       s.HedgePricing,
		PriceTick:          s.PriceTick,
		MinSpreadBps:       s.MinSpreadBps,
		MaxExitSlippageBps: s.MaxExitSlippageBps,
		FillTimeout:        s.FillTimeout,
		PollInterval:       s.PollInterval,
		EntryInterval:      s.EntryInterval,
		CleanupTimeout:     s.ShutdownTimeout,
		MaxEntryRetries:    s.MaxEntryRetries,
		MaxHedgeRetries:    s.MaxHedgeRetries,
		Iterations:         s.Iterations,
		ImbalanceMultiple:  cfg.Risk.ImbalanceMultiple,
		FillConfirmRatio:   cfg.Risk.FillConfirmRatio,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 10 * time.Second
	}
	if c.EntryInterval <= 0 {
		c.EntryInterval = time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 30 * time.Second
	}
	if c.MaxEntryRetries <= 0 {
		c.MaxEntryRetries = 1
	}
	if c.MaxHedgeRetries <= 0 {
		c.MaxHedgeRetries = 1
	}
	if c.ImbalanceMultiple <= 0 {
		c.ImbalanceMultiple = 2
	}
	if c.FillConfirmRatio <= 0 {
		c.FillConfirmRatio = 0.99
	}
	if c.MaxPosition < c.OrderQty {
		c.MaxPosition = c.OrderQty
	}
	if c.PrimaryPricing == "" {
		c.PrimaryPricing = config.PricingAtBid
	}
	if c.HedgePricing == "" {
		c.HedgePricing = config.PricingAggressive
	}
	return c
}
