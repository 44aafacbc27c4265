// Package hl adapts the hedge venue's info and exchange APIs to venue.Exchange.
package hl

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/hl/exchange"
	"dn-hedge-bot/internal/hl/rest"
	"dn-hedge-bot/internal/venue"
)

// Trader is the signed side of the venue.
type Trader interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (exchange.OrderResult, error)
	CancelOrder(ctx context.Context, asset int, orderID int64) error
}

type assetInfo struct {
	index      int
	szDecimals int
}

type orderRef struct {
	coin  string
	asset int
	order venue.Order
}

// Venue uses coin names ("ETH") as contract ids and order ids are the venue's
// numeric oids in base 10.
type Venue struct {
	info             *rest.Client
	trader           Trader
	user             string
	takerSlippageBps float64
	log              *zap.Logger

	mu     sync.Mutex
	assets map[string]assetInfo
	orders map[string]orderRef
}

func NewVenue(info *rest.Client, trader Trader, user string, takerSlippageBps float64, log *zap.Logger) *Venue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{
		info:             info,
		trader:           trader,
		user:             user,
		takerSlippageBps: takerSlippageBps,
		log:              log,
		assets:           make(map[string]assetInfo),
		orders:           make(map[string]orderRef),
	}
}

func (v *Venue) Name() string {
	return config.VenueHL
}

func (v *Venue) FetchBBO(ctx context.Context, coin string) (float64, float64, error) {
	book, err := v.info.L2Book(ctx, coin)
	if err != nil {
		return 0, 0, err
	}
	if len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return 0, 0, fmt.Errorf("%w: %s", venue.ErrNoMarketData, coin)
	}
	return float64(book.Levels[0][0].Px), float64(book.Levels[1][0].Px), nil
}

func (v *Venue) PlaceMakerOrder(ctx context.Context, coin string, qty, price float64, side venue.Side) (venue.Order, error) {
	return v.place(ctx, coin, qty, price, side, exchange.TifAlo)
}

func (v *Venue) PlaceTakerOrder(ctx context.Context, coin string, qty, refPrice float64, side venue.Side) (venue.Order, error) {
	return v.place(ctx, coin, qty, venue.SlippagePrice(refPrice, v.takerSlippageBps, side), side, exchange.TifIoc)
}

func (v *Venue) place(ctx context.Context, coin string, qty, price float64, side venue.Side, tif exchange.Tif) (venue.Order, error) {
	if price <= 0 {
		return venue.Order{}, venue.Rejected("price must be positive")
	}
	asset, err := v.asset(ctx, coin)
	if err != nil {
		return venue.Order{}, err
	}
	maker := tif == exchange.TifAlo
	price = venue.RoundToTick(price, exchange.PriceTick(price, asset.szDecimals), side, maker)
	qty = venue.RoundQtyDown(qty, exchange.SizeStep(asset.szDecimals))
	if qty <= 0 {
		return venue.Order{}, venue.Rejected("size rounds to zero")
	}
	wire, err := exchange.LimitOrderWire(asset.index, side == venue.Buy, qty, price, false, tif, newCloid())
	if err != nil {
		return venue.Order{}, err
	}
	res, err := v.trader.PlaceOrder(ctx, wire)
	if err != nil {
		return venue.Order{}, err
	}
	order := venue.Order{
		ID:         strconv.FormatInt(res.Oid, 10),
		ContractID: coin,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Status:     venue.StatusOpen,
	}
	if res.Filled {
		order.Filled = res.TotalSz
		order.AvgPrice = res.AvgPx
		order.Status = venue.StatusFilled
		if res.TotalSz < qty {
			// ioc remainder is cancelled by the venue
			order.Status = venue.StatusCanceled
		}
	}
	order = venue.NormalizeStatus(order)
	v.mu.Lock()
	v.orders[order.ID] = orderRef{coin: coin, asset: asset.index, order: order}
	v.mu.Unlock()
	v.log.Debug("order placed",
		zap.String("venue", v.Name()),
		zap.String("order_id", order.ID),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.String("tif", string(tif)),
	)
	return order, nil
}

// newCloid returns a 16 byte client order id in the 0x-prefixed hex form the
// exchange accepts.
func newCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// CancelOrder treats an order that is already filled or cancelled as done.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	ref, oid, err := v.lookup(orderID)
	if err != nil {
		return err
	}
	err = v.trader.CancelOrder(ctx, ref.asset, oid)
	if errors.Is(err, venue.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (v *Venue) PollOrderStatus(ctx context.Context, orderID string) (venue.Order, error) {
	ref, oid, err := v.lookup(orderID)
	if err != nil {
		return venue.Order{}, err
	}
	if ref.order.Status.Terminal() {
		return ref.order, nil
	}
	status, err := v.info.OrderStatus(ctx, v.user, oid)
	if err != nil {
		return venue.Order{}, err
	}
	if !status.Known() {
		return venue.Order{}, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, orderID)
	}
	detail := status.Order.Order
	order := ref.order
	order.Status = mapStatus(status.Order.Status)
	if orig := float64(detail.OrigSz); orig > 0 {
		order.Filled = math.Max(orig-float64(detail.Sz), 0)
	}
	if order.Filled > 0 && order.AvgPrice == 0 {
		order.AvgPrice = v.averageFillPrice(ctx, oid, order.Price)
	}
	order = venue.NormalizeStatus(order)
	v.mu.Lock()
	ref.order = order
	v.orders[orderID] = ref
	v.mu.Unlock()
	return order, nil
}

func (v *Venue) PollPosition(ctx context.Context, coin string) (float64, error) {
	state, err := v.info.ClearinghouseState(ctx, v.user)
	if err != nil {
		return 0, err
	}
	for _, ap := range state.AssetPositions {
		if strings.EqualFold(ap.Position.Coin, coin) {
			return float64(ap.Position.Szi), nil
		}
	}
	return 0, nil
}

func (v *Venue) averageFillPrice(ctx context.Context, oid int64, fallback float64) float64 {
	fills, err := v.info.UserFills(ctx, v.user)
	if err != nil {
		v.log.Debug("user fills unavailable", zap.Error(err))
		return fallback
	}
	var qty, notional float64
	for _, f := range fills {
		if f.Oid == oid {
			qty += float64(f.Sz)
			notional += float64(f.Sz) * float64(f.Px)
		}
	}
	if qty == 0 {
		return fallback
	}
	return notional / qty
}

func (v *Venue) lookup(orderID string) (orderRef, int64, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return orderRef{}, 0, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, orderID)
	}
	v.mu.Lock()
	ref, ok := v.orders[orderID]
	v.mu.Unlock()
	if !ok {
		return orderRef{}, 0, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, orderID)
	}
	return ref, oid, nil
}

func (v *Venue) asset(ctx context.Context, coin string) (assetInfo, error) {
	v.mu.Lock()
	info, ok := v.assets[coin]
	v.mu.Unlock()
	if ok {
		return info, nil
	}
	meta, err := v.info.Meta(ctx)
	if err != nil {
		return assetInfo{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, a := range meta.Universe {
		v.assets[a.Name] = assetInfo{index: i, szDecimals: a.SzDecimals}
	}
	info, ok = v.assets[coin]
	if !ok {
		return assetInfo{}, fmt.Errorf("unknown asset %q", coin)
	}
	return info, nil
}

func mapStatus(raw string) venue.Status {
	switch raw {
	case "open", "triggered":
		return venue.StatusOpen
	case "filled":
		return venue.StatusFilled
	case "rejected":
		return venue.StatusRejected
	default:
		// canceled, marginCanceled, reduceOnlyCanceled, selfTradeCanceled, ...
		if strings.HasSuffix(strings.ToLower(raw), "canceled") {
			return venue.StatusCanceled
		}
		return venue.StatusPending
	}
}
