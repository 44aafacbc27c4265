package exchange

import (
	"math"
	"strings"
	"sync"
	"time"

	"dn-hedge-bot/internal/nado/stream"
	"dn-hedge-bot/internal/venue"
)

const trackerRetention = time.Hour

type trackedOrder struct {
	order     venue.Order
	productID int64
	notional  float64
	streamQty float64
	missingAt time.Time
	updated   time.Time
}

// Tracker keeps the local view of orders placed through the adapter. The
// order query only sees resting orders, so fills and terminal states come
// from the authenticated fill and order_update streams.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*trackedOrder
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string]*trackedOrder), now: time.Now}
}

func (t *Tracker) Track(o venue.Order, productID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, tracked := range t.orders {
		if tracked.order.Status.Terminal() && now.Sub(tracked.updated) > trackerRetention {
			delete(t.orders, id)
		}
	}
	t.orders[normalizeDigest(o.ID)] = &trackedOrder{order: o, productID: productID, updated: now}
}

func (t *Tracker) Get(id string) (venue.Order, int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.orders[normalizeDigest(id)]
	if !ok {
		return venue.Order{}, 0, false
	}
	return tracked.order, tracked.productID, true
}

func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, normalizeDigest(id))
}

func (t *Tracker) OnFill(f stream.FillFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.orders[normalizeDigest(f.OrderDigest)]
	if !ok {
		return
	}
	qty := math.Abs(f.FilledQty.Float())
	if qty > 0 && f.Price.Float() > 0 {
		tracked.streamQty += qty
		tracked.notional += qty * f.Price.Float()
		tracked.order.AvgPrice = tracked.notional / tracked.streamQty
	}
	filled := tracked.streamQty
	if orig := math.Abs(f.OriginalQty.Float()); orig > 0 {
		filled = math.Max(filled, orig-math.Abs(f.RemainingQty.Float()))
	}
	if filled > tracked.order.Filled {
		tracked.order.Filled = filled
	}
	if tracked.order.Status == venue.StatusPending {
		tracked.order.Status = venue.StatusOpen
	}
	if tracked.order.Quantity > 0 && tracked.order.Filled >= tracked.order.Quantity {
		tracked.order.Status = venue.StatusFilled
	}
	tracked.order = venue.NormalizeStatus(tracked.order)
	tracked.updated = t.now()
}

// OnOrderUpdate applies a lifecycle event. Amount is the unfilled remainder.
func (t *Tracker) OnOrderUpdate(u stream.OrderUpdateFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.orders[normalizeDigest(u.Digest)]
	if !ok {
		return
	}
	if tracked.order.Status.Terminal() {
		return
	}
	remaining := math.Abs(u.Amount.Float())
	if filled := tracked.order.Quantity - remaining; filled > tracked.order.Filled {
		tracked.order.Filled = filled
	}
	switch strings.ToLower(u.Reason) {
	case "filled":
		tracked.order.Status = venue.StatusFilled
		tracked.order.Filled = tracked.order.Quantity
	case "cancelled", "canceled":
		tracked.order.Status = venue.StatusCanceled
	case "placed":
		tracked.order.Status = venue.StatusOpen
	}
	tracked.order = venue.NormalizeStatus(tracked.order)
	tracked.updated = t.now()
}

// markMissing records when the order query first stopped seeing the order and
// returns that time.
func (t *Tracker) markMissing(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.orders[normalizeDigest(id)]
	if !ok {
		return t.now()
	}
	if tracked.missingAt.IsZero() {
		tracked.missingAt = t.now()
	}
	return tracked.missingAt
}

// resolve merges an order-query observation into the tracked order.
func (t *Tracker) resolve(id string, fn func(*venue.Order)) (venue.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.orders[normalizeDigest(id)]
	if !ok {
		return venue.Order{}, false
	}
	fn(&tracked.order)
	tracked.order = venue.NormalizeStatus(tracked.order)
	tracked.updated = t.now()
	return tracked.order, true
}

func normalizeDigest(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
