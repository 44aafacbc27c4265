package stream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"dn-hedge-bot/internal/nado/x18"
)

type StreamType string

const (
	StreamBBO            StreamType = "best_bid_offer"
	StreamBookDepth      StreamType = "book_depth"
	StreamTrade          StreamType = "trade"
	StreamFill           StreamType = "fill"
	StreamPositionChange StreamType = "position_change"
	StreamOrderUpdate    StreamType = "order_update"
)

// Private streams need an authenticate frame before the venue accepts them.
func (t StreamType) Private() bool {
	switch t {
	case StreamFill, StreamPositionChange, StreamOrderUpdate:
		return true
	}
	return false
}

type Subscription struct {
	Type       StreamType `json:"type"`
	ProductID  int64      `json:"product_id"`
	Subaccount string     `json:"subaccount,omitempty"`
}

func (s Subscription) key() routeKey {
	return routeKey{streamType: s.Type, productID: s.ProductID}
}

type routeKey struct {
	streamType StreamType
	productID  int64
}

// Frame is one inbound stream event. Raw holds the full JSON payload.
type Frame struct {
	Type      StreamType
	ProductID int64
	Received  time.Time
	Raw       json.RawMessage
}

type request struct {
	Method string        `json:"method"`
	Stream *Subscription `json:"stream,omitempty"`
	ID     int64         `json:"id"`
}

type authTx struct {
	Sender     string `json:"sender"`
	Expiration string `json:"expiration"`
}

type authRequest struct {
	Method    string `json:"method"`
	ID        int64  `json:"id"`
	Tx        authTx `json:"tx"`
	Signature string `json:"signature"`
}

type envelope struct {
	Type      StreamType      `json:"type"`
	ProductID int64           `json:"product_id"`
	ID        *int64          `json:"id"`
	Error     json.RawMessage `json:"error"`
}

// BBOFrame is the best_bid_offer payload.
type BBOFrame struct {
	Timestamp Nanos     `json:"timestamp"`
	ProductID int64     `json:"product_id"`
	BidPrice  x18.Value `json:"bid_price"`
	BidQty    x18.Value `json:"bid_qty"`
	AskPrice  x18.Value `json:"ask_price"`
	AskQty    x18.Value `json:"ask_qty"`
}

// DepthLevel is a [price, quantity] pair; quantity 0 removes the level.
type DepthLevel [2]x18.Value

func (l DepthLevel) Price() float64    { return l[0].Float() }
func (l DepthLevel) Quantity() float64 { return l[1].Float() }

// BookDepthFrame carries level deltas. LastMaxTimestamp equals the previous
// frame's MaxTimestamp when no update was missed.
type BookDepthFrame struct {
	MinTimestamp     Nanos        `json:"min_timestamp"`
	MaxTimestamp     Nanos        `json:"max_timestamp"`
	LastMaxTimestamp Nanos        `json:"last_max_timestamp"`
	ProductID        int64        `json:"product_id"`
	Bids             []DepthLevel `json:"bids"`
	Asks             []DepthLevel `json:"asks"`
}

type FillFrame struct {
	Timestamp    Nanos     `json:"timestamp"`
	ProductID    int64     `json:"product_id"`
	Subaccount   string    `json:"subaccount"`
	OrderDigest  string    `json:"order_digest"`
	FilledQty    x18.Value `json:"filled_qty"`
	RemainingQty x18.Value `json:"remaining_qty"`
	OriginalQty  x18.Value `json:"original_qty"`
	Price        x18.Value `json:"price"`
	IsTaker      bool      `json:"is_taker"`
	IsBid        bool      `json:"is_bid"`
}

type PositionChangeFrame struct {
	Timestamp  Nanos     `json:"timestamp"`
	ProductID  int64     `json:"product_id"`
	Subaccount string    `json:"subaccount"`
	Amount     x18.Value `json:"amount"`
}

type OrderUpdateFrame struct {
	Timestamp Nanos     `json:"timestamp"`
	ProductID int64     `json:"product_id"`
	Digest    string    `json:"digest"`
	Amount    x18.Value `json:"amount"`
	Reason    string    `json:"reason"`
}

// Nanos is a nanosecond unix timestamp sent as a string or number.
type Nanos int64

func (n *Nanos) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*n = Nanos(v)
	return nil
}

func (n Nanos) Time() time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n))
}
