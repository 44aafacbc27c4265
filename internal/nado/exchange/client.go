// Package exchange is the signed REST gateway client for the primary venue and
// its venue.Exchange adapter.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/book"
	"dn-hedge-bot/internal/nado/x18"
	"dn-hedge-bot/internal/venue"
)

const (
	nonceRecvWindow = 90 * time.Second
	notFoundMarker  = "could not be found"
)

type Client struct {
	baseURL   string
	http      *http.Client
	signer    *Signer
	log       *zap.Logger
	lastNonce atomic.Uint64
}

func NewClient(baseURL string, timeout time.Duration, signer *Signer) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		log:     zap.NewNop(),
	}, nil
}

func (c *Client) SetLogger(log *zap.Logger) {
	if log != nil {
		c.log = log
	}
}

func (c *Client) Signer() *Signer {
	return c.signer
}

// PlaceOrder signs and submits an order. amount is signed: positive buys.
// The returned digest identifies the order from then on.
func (c *Client) PlaceOrder(ctx context.Context, productID int64, priceX18, amountX18 *big.Int, orderType OrderType, ttl time.Duration) (string, error) {
	exp := Expiration(uint64(time.Now().Add(ttl).Unix()), orderType)
	tx := OrderTx{
		Sender:     c.signer.Sender(),
		PriceX18:   priceX18.String(),
		Amount:     amountX18.String(),
		Expiration: strconv.FormatUint(exp, 10),
		Nonce:      strconv.FormatUint(c.nextNonce(), 10),
	}
	sig, digest, err := c.signer.SignOrder(productID, tx)
	if err != nil {
		return "", err
	}
	req := placeOrderRequest{PlaceOrder: placeOrder{ProductID: productID, Order: tx, Signature: sig}}
	data, err := c.post(ctx, "/execute", req, true)
	if err != nil {
		return "", err
	}
	var placed placeOrderData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &placed); err != nil {
			return "", err
		}
	}
	if placed.Digest == "" {
		placed.Digest = digest
	}
	return placed.Digest, nil
}

func (c *Client) CancelOrders(ctx context.Context, productIDs []int64, digests []string) error {
	if len(productIDs) != len(digests) || len(digests) == 0 {
		return errors.New("cancel requires matching product ids and digests")
	}
	tx := CancelTx{
		Sender:     c.signer.Sender(),
		ProductIDs: productIDs,
		Digests:    digests,
		Nonce:      strconv.FormatUint(c.nextNonce(), 10),
	}
	sig, err := c.signer.SignCancellation(tx)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, "/execute", cancelOrdersRequest{CancelOrders: cancelOrders{Tx: tx, Signature: sig}}, true)
	return err
}

func (c *Client) MarketPrice(ctx context.Context, productID int64) (float64, float64, error) {
	data, err := c.query(ctx, map[string]any{"type": "market_price", "product_id": productID})
	if err != nil {
		return 0, 0, err
	}
	var px marketPriceData
	if err := json.Unmarshal(data, &px); err != nil {
		return 0, 0, err
	}
	if px.Bid <= 0 || px.Ask <= 0 {
		return 0, 0, venue.ErrNoMarketData
	}
	return px.Bid.Float(), px.Ask.Float(), nil
}

// MarketLiquidity returns up to depth aggregated levels per side.
func (c *Client) MarketLiquidity(ctx context.Context, productID int64, depth int) ([]book.Level, []book.Level, error) {
	data, err := c.query(ctx, map[string]any{"type": "market_liquidity", "product_id": productID, "depth": depth})
	if err != nil {
		return nil, nil, err
	}
	var liq liquidityData
	if err := json.Unmarshal(data, &liq); err != nil {
		return nil, nil, err
	}
	return toLevels(liq.Bids), toLevels(liq.Asks), nil
}

// Order returns an open order. Orders that are no longer on the book yield
// venue.ErrOrderNotFound.
func (c *Client) Order(ctx context.Context, productID int64, digest string) (OrderInfo, error) {
	data, err := c.query(ctx, map[string]any{"type": "order", "product_id": productID, "digest": digest})
	if err != nil {
		return OrderInfo{}, err
	}
	var info OrderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return OrderInfo{}, err
	}
	return info, nil
}

func (c *Client) Position(ctx context.Context, productID int64) (float64, error) {
	data, err := c.query(ctx, map[string]any{"type": "subaccount_info", "subaccount": c.signer.Sender()})
	if err != nil {
		return 0, err
	}
	var info subaccountInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return 0, err
	}
	for _, bal := range info.PerpBalances {
		if bal.ProductID == productID {
			return bal.Balance.Amount.Float(), nil
		}
	}
	return 0, nil
}

func (c *Client) BookInfo(ctx context.Context, productID int64) (BookInfo, error) {
	data, err := c.query(ctx, map[string]any{"type": "all_products"})
	if err != nil {
		return BookInfo{}, err
	}
	var products allProducts
	if err := json.Unmarshal(data, &products); err != nil {
		return BookInfo{}, err
	}
	for _, p := range products.PerpProducts {
		if p.ProductID == productID {
			return BookInfo{
				PriceIncrement: p.BookInfo.PriceIncrement.Float(),
				SizeIncrement:  p.BookInfo.SizeIncrement.Float(),
				MinSize:        p.BookInfo.MinSize.Float(),
			}, nil
		}
	}
	return BookInfo{}, fmt.Errorf("product %d not listed", productID)
}

// nextNonce is ((ms + recv window) << 20) + 20 random bits, kept strictly increasing.
func (c *Client) nextNonce() uint64 {
	base := uint64(time.Now().Add(nonceRecvWindow).UnixMilli()) << 20
	for {
		next := base + uint64(rand.Int63n(1<<20))
		prev := c.lastNonce.Load()
		if next <= prev {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (c *Client) query(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.post(ctx, "/query", body, false)
}

// post decodes the gateway envelope. Transport failures, 429 and 5xx are
// transient; a failure status on /execute is a rejection.
func (c *Client) post(ctx context.Context, path string, req any, execute bool) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, venue.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, venue.Transient(fmt.Errorf("http %d: %s", resp.StatusCode, string(payload)))
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("http %d", resp.StatusCode)
		}
		return nil, err
	}
	if out.Status != "success" {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %q code %d", out.Status, out.ErrorCode)
		}
		if strings.Contains(strings.ToLower(msg), notFoundMarker) {
			return nil, fmt.Errorf("%w: %s", venue.ErrOrderNotFound, msg)
		}
		if execute {
			return nil, venue.Rejected(msg)
		}
		return nil, fmt.Errorf("query failed: %s", msg)
	}
	return out.Data, nil
}

func toLevels(raw [][2]x18.Value) []book.Level {
	out := make([]book.Level, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, book.Level{Price: lvl[0].Float(), Quantity: lvl[1].Float()})
	}
	return out
}
