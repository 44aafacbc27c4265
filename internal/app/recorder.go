package app

import (
	"context"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/hedge"
	"dn-hedge-bot/internal/timescale"
	"dn-hedge-bot/internal/tradelog"
)

// tradeRecorder fans hedge fills and cycles out to the CSV trade log and the
// timescale writer. Either sink may be nil.
type tradeRecorder struct {
	trades    *tradelog.Writer
	timescale *timescale.Writer
	log       *zap.Logger
}

func (r *tradeRecorder) RecordFill(_ context.Context, f hedge.FillRecord) {
	if err := r.trades.Append(tradelog.Row{
		Exchange:  f.Venue,
		Time:      f.Time,
		Side:      string(f.Side),
		Price:     f.Price,
		Quantity:  f.Quantity,
		OrderType: f.OrderType,
		Mode:      f.Mode,
	}); err != nil {
		r.log.Warn("trade log append failed", zap.String("venue", f.Venue), zap.Error(err))
	}
	r.timescale.EnqueueFill(timescale.Fill{
		Time:      f.Time.UTC(),
		CycleID:   f.CycleID,
		Venue:     f.Venue,
		Side:      string(f.Side),
		Price:     f.Price,
		Quantity:  f.Quantity,
		OrderType: f.OrderType,
		Mode:      f.Mode,
	})
}

func (r *tradeRecorder) RecordCycle(_ context.Context, c hedge.CycleRecord) {
	r.timescale.EnqueueCycle(timescale.Cycle{
		Started:       c.Started.UTC(),
		Finished:      c.Finished.UTC(),
		ID:            c.ID,
		Seq:           c.Seq,
		Phase:         string(c.Phase),
		Side:          string(c.Side),
		PrimaryVenue:  c.PrimaryVenue,
		HedgeVenue:    c.HedgeVenue,
		Quantity:      c.Quantity,
		PrimaryPrice:  c.PrimaryPrice,
		HedgePrice:    c.HedgePrice,
		PnL:           c.PnL,
		CumulativePnL: c.CumulativePnL,
		Outcome:       c.Outcome,
	})
}
