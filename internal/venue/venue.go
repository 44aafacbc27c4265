// Package venue defines the capability set the hedge engine needs from a trading venue
// and the canonical order vocabulary every venue maps onto.
package venue

import (
	"context"
	"math"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// SideFor returns the side that moves a position by delta.
func SideFor(delta float64) Side {
	if delta < 0 {
		return Sell
	}
	return Buy
}

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

type Order struct {
	ID         string
	ContractID string
	Side       Side
	// Price is zero for market orders.
	Price    float64
	Quantity float64
	Filled   float64
	AvgPrice float64
	Status   Status
}

// Remaining is the unfilled quantity, never negative.
func (o Order) Remaining() float64 {
	return math.Max(o.Quantity-o.Filled, 0)
}

// Exchange is implemented once per venue. Implementations hide signing,
// wire formats and status vocabularies behind this interface.
type Exchange interface {
	Name() string
	FetchBBO(ctx context.Context, contractID string) (bid, ask float64, err error)
	// PlaceMakerOrder rests a post-only order; the price is rounded away from the spread.
	PlaceMakerOrder(ctx context.Context, contractID string, qty, price float64, side Side) (Order, error)
	// PlaceTakerOrder crosses the spread for immediate execution. refPrice is the
	// opposite-side best price; the venue applies its own slippage allowance.
	PlaceTakerOrder(ctx context.Context, contractID string, qty, refPrice float64, side Side) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	PollOrderStatus(ctx context.Context, orderID string) (Order, error)
	// PollPosition returns the authoritative signed position (long positive).
	PollPosition(ctx context.Context, contractID string) (float64, error)
}

// NormalizeStatus folds a "cancelled with fills" outcome into FILLED and clamps the
// filled quantity to the order size.
func NormalizeStatus(o Order) Order {
	if o.Quantity > 0 && o.Filled > o.Quantity {
		o.Filled = o.Quantity
	}
	if o.Status == StatusCanceled && o.Filled > 0 {
		o.Status = StatusFilled
	}
	if o.Status == StatusOpen && o.Filled > 0 {
		o.Status = StatusPartiallyFilled
	}
	return o
}
