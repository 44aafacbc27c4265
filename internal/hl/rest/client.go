package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/venue"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Number decodes the info API's decimal strings.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

type BookLevel struct {
	Px Number `json:"px"`
	Sz Number `json:"sz"`
	N  int    `json:"n"`
}

type L2Book struct {
	Coin   string         `json:"coin"`
	Time   int64          `json:"time"`
	Levels [2][]BookLevel `json:"levels"`
}

type OrderDetail struct {
	Coin    string `json:"coin"`
	Side    string `json:"side"`
	LimitPx Number `json:"limitPx"`
	Sz      Number `json:"sz"`
	OrigSz  Number `json:"origSz"`
	Oid     int64  `json:"oid"`
}

type OrderStatus struct {
	Status string `json:"status"`
	Order  *struct {
		Order  OrderDetail `json:"order"`
		Status string      `json:"status"`
	} `json:"order"`
}

// Known reports whether the venue recognised the order id.
func (s OrderStatus) Known() bool {
	return s.Status == "order" && s.Order != nil
}

type AssetPosition struct {
	Position struct {
		Coin string `json:"coin"`
		Szi  Number `json:"szi"`
	} `json:"position"`
}

type ClearinghouseState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
}

type Asset struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

type Meta struct {
	Universe []Asset `json:"universe"`
}

type Fill struct {
	Coin string `json:"coin"`
	Px   Number `json:"px"`
	Sz   Number `json:"sz"`
	Side string `json:"side"`
	Oid  int64  `json:"oid"`
	Time int64  `json:"time"`
}

func (c *Client) L2Book(ctx context.Context, coin string) (L2Book, error) {
	var out L2Book
	err := c.Info(ctx, map[string]any{"type": "l2Book", "coin": coin}, &out)
	return out, err
}

func (c *Client) OrderStatus(ctx context.Context, user string, oid int64) (OrderStatus, error) {
	var out OrderStatus
	err := c.Info(ctx, map[string]any{"type": "orderStatus", "user": user, "oid": oid}, &out)
	return out, err
}

func (c *Client) ClearinghouseState(ctx context.Context, user string) (ClearinghouseState, error) {
	var out ClearinghouseState
	err := c.Info(ctx, map[string]any{"type": "clearinghouseState", "user": user}, &out)
	return out, err
}

func (c *Client) Meta(ctx context.Context) (Meta, error) {
	var out Meta
	err := c.Info(ctx, map[string]any{"type": "meta"}, &out)
	return out, err
}

func (c *Client) UserFills(ctx context.Context, user string) ([]Fill, error) {
	var out []Fill
	err := c.Info(ctx, map[string]any{"type": "userFills", "user": user}, &out)
	return out, err
}

// Info posts to /info and decodes the response into out. Transport errors,
// 429 and 5xx responses are marked transient.
func (c *Client) Info(ctx context.Context, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return venue.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return venue.Transient(err)
		}
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
