package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/nado/x18"
	"dn-hedge-bot/internal/venue"
)

const (
	makerTTL = 24 * time.Hour
	takerTTL = time.Minute
	// missingGrace is how long an order absent from the order query may wait for
	// its terminal stream event before it is treated as cancelled.
	missingGrace = 2 * time.Second
)

// Venue adapts the gateway client to venue.Exchange. Contract ids are product
// ids rendered in base 10.
type Venue struct {
	client           *Client
	tracker          *Tracker
	takerSlippageBps float64
	log              *zap.Logger

	mu    sync.Mutex
	books map[int64]BookInfo
	now   func() time.Time
}

func NewVenue(client *Client, tracker *Tracker, takerSlippageBps float64, log *zap.Logger) *Venue {
	if tracker == nil {
		tracker = NewTracker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{
		client:           client,
		tracker:          tracker,
		takerSlippageBps: takerSlippageBps,
		log:              log,
		books:            make(map[int64]BookInfo),
		now:              time.Now,
	}
}

func (v *Venue) Name() string {
	return config.VenueNado
}

func (v *Venue) Tracker() *Tracker {
	return v.tracker
}

func ContractID(productID int64) string {
	return strconv.FormatInt(productID, 10)
}

func ParseContractID(contractID string) (int64, error) {
	id, err := strconv.ParseInt(contractID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid product id %q", contractID)
	}
	return id, nil
}

func (v *Venue) FetchBBO(ctx context.Context, contractID string) (float64, float64, error) {
	pid, err := ParseContractID(contractID)
	if err != nil {
		return 0, 0, err
	}
	return v.client.MarketPrice(ctx, pid)
}

func (v *Venue) PlaceMakerOrder(ctx context.Context, contractID string, qty, price float64, side venue.Side) (venue.Order, error) {
	return v.place(ctx, contractID, qty, price, side, true)
}

func (v *Venue) PlaceTakerOrder(ctx context.Context, contractID string, qty, refPrice float64, side venue.Side) (venue.Order, error) {
	limit := venue.SlippagePrice(refPrice, v.takerSlippageBps, side)
	return v.place(ctx, contractID, qty, limit, side, false)
}

func (v *Venue) place(ctx context.Context, contractID string, qty, price float64, side venue.Side, maker bool) (venue.Order, error) {
	pid, err := ParseContractID(contractID)
	if err != nil {
		return venue.Order{}, err
	}
	if price <= 0 {
		return venue.Order{}, venue.Rejected("price must be positive")
	}
	info, err := v.bookInfo(ctx, pid)
	if err != nil {
		return venue.Order{}, err
	}
	price = venue.RoundToTick(price, info.PriceIncrement, side, maker)
	qty = venue.RoundQtyDown(qty, info.SizeIncrement)
	if qty <= 0 || qty < info.MinSize {
		return venue.Order{}, venue.Rejected(fmt.Sprintf("size %v below minimum %v", qty, info.MinSize))
	}
	amount := x18.FromFloat(qty)
	if side == venue.Sell {
		amount = new(big.Int).Neg(amount)
	}
	orderType, ttl, status := OrderPostOnly, makerTTL, venue.StatusOpen
	if !maker {
		orderType, ttl, status = OrderIOC, takerTTL, venue.StatusPending
	}
	digest, err := v.client.PlaceOrder(ctx, pid, x18.FromFloat(price), amount, orderType, ttl)
	if err != nil {
		return venue.Order{}, err
	}
	order := venue.Order{
		ID:         digest,
		ContractID: contractID,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Status:     status,
	}
	v.tracker.Track(order, pid)
	v.log.Debug("order placed",
		zap.String("venue", v.Name()),
		zap.String("order_id", digest),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.String("type", orderType.String()),
	)
	return order, nil
}

// CancelOrder treats an order that is already off the book as cancelled.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	_, pid, ok := v.tracker.Get(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", venue.ErrOrderNotFound, orderID)
	}
	err := v.client.CancelOrders(ctx, []int64{pid}, []string{orderID})
	if errors.Is(err, venue.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (v *Venue) PollOrderStatus(ctx context.Context, orderID string) (venue.Order, error) {
	tracked, pid, ok := v.tracker.Get(orderID)
	if !ok {
		return venue.Order{}, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, orderID)
	}
	if tracked.Status.Terminal() {
		return tracked, nil
	}
	info, err := v.client.Order(ctx, pid, orderID)
	switch {
	case err == nil:
		total := math.Abs(info.Amount.Float())
		filled := total - math.Abs(info.UnfilledAmount.Float())
		order, _ := v.tracker.resolve(orderID, func(o *venue.Order) {
			if filled > o.Filled {
				o.Filled = filled
			}
			if o.Status == venue.StatusPending {
				o.Status = venue.StatusOpen
			}
		})
		return order, nil
	case errors.Is(err, venue.ErrOrderNotFound):
		since := v.tracker.markMissing(orderID)
		if v.now().Sub(since) < missingGrace {
			return tracked, nil
		}
		order, _ := v.tracker.resolve(orderID, func(o *venue.Order) {
			if o.Status.Terminal() {
				return
			}
			if o.Quantity > 0 && o.Filled >= o.Quantity {
				o.Status = venue.StatusFilled
				return
			}
			o.Status = venue.StatusCanceled
		})
		return order, nil
	default:
		return venue.Order{}, err
	}
}

func (v *Venue) PollPosition(ctx context.Context, contractID string) (float64, error) {
	pid, err := ParseContractID(contractID)
	if err != nil {
		return 0, err
	}
	return v.client.Position(ctx, pid)
}

func (v *Venue) bookInfo(ctx context.Context, pid int64) (BookInfo, error) {
	v.mu.Lock()
	info, ok := v.books[pid]
	v.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := v.client.BookInfo(ctx, pid)
	if err != nil {
		return BookInfo{}, err
	}
	v.mu.Lock()
	v.books[pid] = info
	v.mu.Unlock()
	return info, nil
}
