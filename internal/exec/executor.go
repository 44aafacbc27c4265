// Package exec wraps a venue with bounded retries for transient failures.
package exec

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/venue"
)

const (
	defaultAttempts = 5
	defaultBackoff  = 200 * time.Millisecond
)

// Executor implements venue.Exchange on top of another venue. Only errors
// marked venue.Transient are retried; rejections and not-found errors return
// immediately.
type Executor struct {
	ex       venue.Exchange
	log      *zap.Logger
	metrics  *metrics.Metrics
	attempts int
	backoff  time.Duration
}

type Option func(*Executor)

func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Executor) {
		if attempts > 0 {
			e.attempts = attempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = metrics.OrNoop(m)
	}
}

func New(ex venue.Exchange, log *zap.Logger, opts ...Option) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		ex:       ex,
		log:      log,
		metrics:  metrics.NewNoop(),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Name() string {
	return e.ex.Name()
}

func (e *Executor) FetchBBO(ctx context.Context, contractID string) (bid, ask float64, err error) {
	err = e.retry(ctx, "fetch_bbo", func() error {
		var err error
		bid, ask, err = e.ex.FetchBBO(ctx, contractID)
		return err
	})
	return bid, ask, err
}

func (e *Executor) PlaceMakerOrder(ctx context.Context, contractID string, qty, price float64, side venue.Side) (venue.Order, error) {
	return e.place(ctx, "place_maker", func() (venue.Order, error) {
		return e.ex.PlaceMakerOrder(ctx, contractID, qty, price, side)
	})
}

func (e *Executor) PlaceTakerOrder(ctx context.Context, contractID string, qty, refPrice float64, side venue.Side) (venue.Order, error) {
	return e.place(ctx, "place_taker", func() (venue.Order, error) {
		return e.ex.PlaceTakerOrder(ctx, contractID, qty, refPrice, side)
	})
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	return e.retry(ctx, "cancel", func() error {
		return e.ex.CancelOrder(ctx, orderID)
	})
}

func (e *Executor) PollOrderStatus(ctx context.Context, orderID string) (order venue.Order, err error) {
	err = e.retry(ctx, "order_status", func() error {
		var err error
		order, err = e.ex.PollOrderStatus(ctx, orderID)
		return err
	})
	return venue.NormalizeStatus(order), err
}

func (e *Executor) PollPosition(ctx context.Context, contractID string) (pos float64, err error) {
	err = e.retry(ctx, "position", func() error {
		var err error
		pos, err = e.ex.PollPosition(ctx, contractID)
		return err
	})
	return pos, err
}

func (e *Executor) place(ctx context.Context, op string, fn func() (venue.Order, error)) (venue.Order, error) {
	var order venue.Order
	err := e.retry(ctx, op, func() error {
		var err error
		order, err = fn()
		return err
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return venue.Order{}, err
	}
	e.metrics.OrdersPlaced.Inc()
	return venue.NormalizeStatus(order), nil
}

func (e *Executor) retry(ctx context.Context, op string, fn func() error) error {
	backoff := e.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !venue.IsTransient(err) {
			return err
		}
		if attempt >= e.attempts {
			return fmt.Errorf("%s on %s failed after %d attempts: %w", op, e.ex.Name(), attempt, err)
		}
		e.log.Warn("transient venue error, retrying",
			zap.String("venue", e.ex.Name()),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
