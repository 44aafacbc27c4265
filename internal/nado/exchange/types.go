package exchange

import (
	"encoding/json"

	"dn-hedge-bot/internal/nado/x18"
)

// OrderType is encoded in the two highest bits of an order's expiration.
type OrderType uint64

const (
	OrderDefault  OrderType = 0
	OrderIOC      OrderType = 1
	OrderFOK      OrderType = 2
	OrderPostOnly OrderType = 3
)

func (t OrderType) String() string {
	switch t {
	case OrderIOC:
		return "ioc"
	case OrderFOK:
		return "fok"
	case OrderPostOnly:
		return "post_only"
	default:
		return "default"
	}
}

// Expiration packs the order type into a unix-seconds expiration.
func Expiration(unixSeconds uint64, t OrderType) uint64 {
	return unixSeconds | uint64(t)<<62
}

// OrderTx is the signed order body. Numeric fields are base-10 strings.
type OrderTx struct {
	Sender     string `json:"sender"`
	PriceX18   string `json:"priceX18"`
	Amount     string `json:"amount"`
	Expiration string `json:"expiration"`
	Nonce      string `json:"nonce"`
}

type CancelTx struct {
	Sender     string   `json:"sender"`
	ProductIDs []int64  `json:"productIds"`
	Digests    []string `json:"digests"`
	Nonce      string   `json:"nonce"`
}

type placeOrder struct {
	ProductID int64   `json:"product_id"`
	Order     OrderTx `json:"order"`
	Signature string  `json:"signature"`
}

type placeOrderRequest struct {
	PlaceOrder placeOrder `json:"place_order"`
}

type cancelOrders struct {
	Tx        CancelTx `json:"tx"`
	Signature string   `json:"signature"`
}

type cancelOrdersRequest struct {
	CancelOrders cancelOrders `json:"cancel_orders"`
}

type response struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorCode int             `json:"error_code"`
}

type placeOrderData struct {
	Digest string `json:"digest"`
}

type marketPriceData struct {
	ProductID int64     `json:"product_id"`
	Bid       x18.Value `json:"bid_x18"`
	Ask       x18.Value `json:"ask_x18"`
}

type liquidityData struct {
	Bids [][2]x18.Value `json:"bids"`
	Asks [][2]x18.Value `json:"asks"`
}

// OrderInfo is an open order as reported by the order query.
type OrderInfo struct {
	ProductID      int64     `json:"product_id"`
	Digest         string    `json:"digest"`
	Price          x18.Value `json:"price_x18"`
	Amount         x18.Value `json:"amount"`
	UnfilledAmount x18.Value `json:"unfilled_amount"`
}

type subaccountInfo struct {
	Exists       bool `json:"exists"`
	PerpBalances []struct {
		ProductID int64 `json:"product_id"`
		Balance   struct {
			Amount x18.Value `json:"amount"`
		} `json:"balance"`
	} `json:"perp_balances"`
}

type BookInfo struct {
	PriceIncrement float64
	SizeIncrement  float64
	MinSize        float64
}

type allProducts struct {
	PerpProducts []struct {
		ProductID int64 `json:"product_id"`
		BookInfo  struct {
			SizeIncrement  x18.Value `json:"size_increment"`
			PriceIncrement x18.Value `json:"price_increment_x18"`
			MinSize        x18.Value `json:"min_size"`
		} `json:"book_info"`
	} `json:"perp_products"`
}
