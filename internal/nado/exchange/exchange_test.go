package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"dn-hedge-bot/internal/nado/stream"
	"dn-hedge-bot/internal/nado/x18"
	"dn-hedge-bot/internal/venue"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testEndpoint = "0x2f5dbd2f5f0e2ed1e5ee7c4c7e0f1b0c9e1d6a11"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(testKey, "default", 57073, testEndpoint)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func TestSenderLayout(t *testing.T) {
	signer := newTestSigner(t)
	sender := signer.Sender()
	if len(sender) != 2+64 {
		t.Fatalf("expected bytes32 hex, got %s", sender)
	}
	if !strings.EqualFold(sender[:42], signer.Address().Hex()) {
		t.Fatalf("sender must start with address: %s vs %s", sender, signer.Address().Hex())
	}
	if !strings.HasPrefix(sender[42:], hexutil.Encode([]byte("default"))[2:]) {
		t.Fatalf("sender must carry subaccount name: %s", sender)
	}
	if _, err := NewSigner(testKey, "name-longer-than-12", 1, testEndpoint); err == nil {
		t.Fatalf("expected long subaccount name rejected")
	}
}

func TestSignOrderRecoversAddress(t *testing.T) {
	signer := newTestSigner(t)
	tx := OrderTx{
		Sender:     signer.Sender(),
		PriceX18:   x18.String(3000),
		Amount:     new(big.Int).Neg(x18.FromFloat(0.5)).String(),
		Expiration: strconv.FormatUint(Expiration(1700000000, OrderPostOnly), 10),
		Nonce:      "1",
	}
	sig, digest, err := signer.SignOrder(2, tx)
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	sigBytes := hexutil.MustDecode(sig)
	if sigBytes[64] != 27 && sigBytes[64] != 28 {
		t.Fatalf("expected v in {27,28}, got %d", sigBytes[64])
	}
	sigBytes[64] -= 27
	pub, err := crypto.SigToPub(hexutil.MustDecode(digest), sigBytes)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer.Address() {
		t.Fatalf("recovered wrong address")
	}
	_, other, err := signer.SignOrder(3, tx)
	if err != nil {
		t.Fatalf("sign order: %v", err)
	}
	if other == digest {
		t.Fatalf("digest must depend on product")
	}
}

func TestSignStreamAuthAndCancellation(t *testing.T) {
	signer := newTestSigner(t)
	sender, sig, err := signer.SignStreamAuth(uint64(time.Now().UnixMilli()))
	if err != nil {
		t.Fatalf("stream auth: %v", err)
	}
	if sender != signer.Sender() || len(hexutil.MustDecode(sig)) != 65 {
		t.Fatalf("unexpected auth output %s %s", sender, sig)
	}
	_, err = signer.SignCancellation(CancelTx{
		Sender:     signer.Sender(),
		ProductIDs: []int64{2},
		Digests:    []string{"0x" + strings.Repeat("ab", 32)},
		Nonce:      "5",
	})
	if err != nil {
		t.Fatalf("cancellation: %v", err)
	}
}

func TestExpirationPacksOrderType(t *testing.T) {
	exp := Expiration(1700000000, OrderPostOnly)
	if exp>>62 != uint64(OrderPostOnly) {
		t.Fatalf("expected post-only bits, got %d", exp>>62)
	}
	if exp&(1<<62-1) != 1700000000 {
		t.Fatalf("expected timestamp preserved")
	}
	if Expiration(10, OrderIOC)>>62 != 1 {
		t.Fatalf("expected ioc bits")
	}
}

func TestNonceIncreasing(t *testing.T) {
	client, err := NewClient("http://localhost", time.Second, newTestSigner(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	prev := client.nextNonce()
	for i := 0; i < 1000; i++ {
		next := client.nextNonce()
		if next <= prev {
			t.Fatalf("nonce not increasing: %d <= %d", next, prev)
		}
		prev = next
	}
	if ms := prev >> 20; ms < uint64(time.Now().UnixMilli()) {
		t.Fatalf("nonce timestamp should include the receive window")
	}
}

type gateway struct {
	mu        sync.Mutex
	placed    []map[string]any
	cancels   []map[string]any
	orderResp string
	execFail  string
	status    int
}

func (g *gateway) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.status != 0 {
			w.WriteHeader(g.status)
			_, _ = w.Write([]byte("upstream down"))
			return
		}
		switch r.URL.Path {
		case "/execute":
			if g.execFail != "" {
				_, _ = w.Write([]byte(`{"status":"failure","error":"` + g.execFail + `","error_code":2001}`))
				return
			}
			if p, ok := body["place_order"].(map[string]any); ok {
				g.placed = append(g.placed, p)
				_, _ = w.Write([]byte(`{"status":"success","data":{"digest":"0xABC"}}`))
				return
			}
			if c, ok := body["cancel_orders"].(map[string]any); ok {
				g.cancels = append(g.cancels, c)
				_, _ = w.Write([]byte(`{"status":"success"}`))
				return
			}
		case "/query":
			switch body["type"] {
			case "all_products":
				_, _ = w.Write([]byte(`{"status":"success","data":{"perp_products":[{"product_id":2,"book_info":{` +
					`"size_increment":"1000000000000000","price_increment_x18":"100000000000000000","min_size":"10000000000000000"}}]}}`))
			case "market_price":
				_, _ = w.Write([]byte(`{"status":"success","data":{"product_id":2,"bid_x18":"3000000000000000000000","ask_x18":"3000500000000000000000"}}`))
			case "order":
				_, _ = w.Write([]byte(g.orderResp))
			case "subaccount_info":
				_, _ = w.Write([]byte(`{"status":"success","data":{"exists":true,"perp_balances":[` +
					`{"product_id":1,"balance":{"amount":"7000000000000000000"}},` +
					`{"product_id":2,"balance":{"amount":"-1500000000000000000"}}]}}`))
			case "market_liquidity":
				_, _ = w.Write([]byte(`{"status":"success","data":{"bids":[["3000000000000000000000","2000000000000000000"]],` +
					`"asks":[["3001000000000000000000","1000000000000000000"]]}}`))
			}
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestVenue(t *testing.T, g *gateway) (*Venue, func()) {
	t.Helper()
	server := httptest.NewServer(g.handler(t))
	client, err := NewClient(server.URL, time.Second, newTestSigner(t))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return NewVenue(client, NewTracker(), 20, zap.NewNop()), server.Close
}

func TestPlaceMakerOrderRoundsAndSigns(t *testing.T) {
	g := &gateway{}
	v, done := newTestVenue(t, g)
	defer done()

	order, err := v.PlaceMakerOrder(context.Background(), "2", 0.12345, 3000.07, venue.Sell)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if order.ID != "0xABC" || order.Status != venue.StatusOpen {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Price != 3000.1 || order.Quantity != 0.123 {
		t.Fatalf("expected sell maker rounded up to 3000.1 and qty 0.123, got %v %v", order.Price, order.Quantity)
	}
	if len(g.placed) != 1 {
		t.Fatalf("expected one placement")
	}
	tx := g.placed[0]["order"].(map[string]any)
	if !strings.HasPrefix(tx["amount"].(string), "-") {
		t.Fatalf("sell amount must be negative, got %v", tx["amount"])
	}
	exp, _ := strconv.ParseUint(tx["expiration"].(string), 10, 64)
	if exp>>62 != uint64(OrderPostOnly) {
		t.Fatalf("expected post-only order type")
	}
	if g.placed[0]["product_id"] != float64(2) || g.placed[0]["signature"] == "" {
		t.Fatalf("unexpected envelope %v", g.placed[0])
	}
}

func TestPlaceTakerOrderUsesIOCAndSlippage(t *testing.T) {
	g := &gateway{}
	v, done := newTestVenue(t, g)
	defer done()

	order, err := v.PlaceTakerOrder(context.Background(), "2", 1, 3000, venue.Buy)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	// 3000 * (1 + 20bps) = 3006, rounded up onto the 0.1 tick
	if order.Price < 3006-1e-9 || order.Price > 3006.1+1e-9 || order.Status != venue.StatusPending {
		t.Fatalf("unexpected taker order %+v", order)
	}
	tx := g.placed[0]["order"].(map[string]any)
	exp, _ := strconv.ParseUint(tx["expiration"].(string), 10, 64)
	if exp>>62 != uint64(OrderIOC) {
		t.Fatalf("expected ioc order type")
	}
}

func TestPlaceRejections(t *testing.T) {
	g := &gateway{}
	v, done := newTestVenue(t, g)
	defer done()

	if _, err := v.PlaceMakerOrder(context.Background(), "2", 0.001, 3000, venue.Buy); !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected below-minimum size rejected, got %v", err)
	}
	g.mu.Lock()
	g.execFail = "post-only order crosses the book"
	g.mu.Unlock()
	if _, err := v.PlaceMakerOrder(context.Background(), "2", 1, 3000, venue.Buy); !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected venue rejection, got %v", err)
	}
	g.mu.Lock()
	g.status = http.StatusBadGateway
	g.mu.Unlock()
	_, _, err := v.FetchBBO(context.Background(), "2")
	if !venue.IsTransient(err) {
		t.Fatalf("expected transient error on 502, got %v", err)
	}
}

func TestPollOrderStatusFromQuery(t *testing.T) {
	g := &gateway{orderResp: `{"status":"success","data":{"product_id":2,"digest":"0xabc","price_x18":"3000000000000000000000",` +
		`"amount":"1000000000000000000","unfilled_amount":"400000000000000000"}}`}
	v, done := newTestVenue(t, g)
	defer done()

	if _, err := v.PlaceMakerOrder(context.Background(), "2", 1, 3000, venue.Buy); err != nil {
		t.Fatalf("place: %v", err)
	}
	order, err := v.PollOrderStatus(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if order.Status != venue.StatusPartiallyFilled || order.Filled < 0.6-1e-9 || order.Filled > 0.6+1e-9 {
		t.Fatalf("expected partial fill of 0.6, got %+v", order)
	}
}

func TestPollOrderStatusMissingOrder(t *testing.T) {
	g := &gateway{orderResp: `{"status":"failure","error":"Order with the provided digest (0xabc) could not be found"}`}
	v, done := newTestVenue(t, g)
	defer done()
	now := time.Now()
	v.now = func() time.Time { return now }
	v.tracker.now = func() time.Time { return now }

	if _, err := v.PlaceMakerOrder(context.Background(), "2", 1, 3000, venue.Buy); err != nil {
		t.Fatalf("place: %v", err)
	}
	v.tracker.OnFill(stream.FillFrame{OrderDigest: "0xabc", FilledQty: 0.25, Price: 2999.9, OriginalQty: 1, RemainingQty: 0.75})

	order, err := v.PollOrderStatus(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if order.Status.Terminal() {
		t.Fatalf("expected grace period before resolving, got %+v", order)
	}
	now = now.Add(missingGrace + time.Millisecond)
	order, err = v.PollOrderStatus(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	// cancelled with a partial fill reports FILLED
	if order.Status != venue.StatusFilled || order.Filled != 0.25 || order.AvgPrice != 2999.9 {
		t.Fatalf("expected normalized partial fill, got %+v", order)
	}
}

func TestTrackerOrderUpdates(t *testing.T) {
	tr := NewTracker()
	tr.Track(venue.Order{ID: "0xA", Quantity: 2, Status: venue.StatusOpen}, 2)
	tr.OnOrderUpdate(stream.OrderUpdateFrame{Digest: "0xa", Amount: 2, Reason: "cancelled"})
	order, _, _ := tr.Get("0xA")
	if order.Status != venue.StatusCanceled || order.Filled != 0 {
		t.Fatalf("expected clean cancel, got %+v", order)
	}

	tr.Track(venue.Order{ID: "0xB", Quantity: 2, Status: venue.StatusOpen}, 2)
	tr.OnOrderUpdate(stream.OrderUpdateFrame{Digest: "0xB", Amount: 0, Reason: "filled"})
	order, _, _ = tr.Get("0xB")
	if order.Status != venue.StatusFilled || order.Filled != 2 {
		t.Fatalf("expected filled, got %+v", order)
	}
	// late events do not reopen terminal orders
	tr.OnOrderUpdate(stream.OrderUpdateFrame{Digest: "0xB", Amount: 2, Reason: "placed"})
	if order, _, _ = tr.Get("0xB"); order.Status != venue.StatusFilled {
		t.Fatalf("terminal order reopened: %+v", order)
	}
}

func TestCancelAndPosition(t *testing.T) {
	g := &gateway{}
	v, done := newTestVenue(t, g)
	defer done()

	if err := v.CancelOrder(context.Background(), "0xunknown"); !errors.Is(err, venue.ErrOrderNotFound) {
		t.Fatalf("expected not found for untracked order, got %v", err)
	}
	if _, err := v.PlaceMakerOrder(context.Background(), "2", 1, 3000, venue.Buy); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := v.CancelOrder(context.Background(), "0xABC"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(g.cancels) != 1 {
		t.Fatalf("expected one cancel request")
	}
	tx := g.cancels[0]["tx"].(map[string]any)
	if digests := tx["digests"].([]any); len(digests) != 1 || digests[0] != "0xABC" {
		t.Fatalf("unexpected cancel digests %v", tx["digests"])
	}

	pos, err := v.PollPosition(context.Background(), "2")
	if err != nil || pos != -1.5 {
		t.Fatalf("expected -1.5 position, got %v %v", pos, err)
	}
	bid, ask, err := v.FetchBBO(context.Background(), "2")
	if err != nil || bid != 3000 || ask != 3000.5 {
		t.Fatalf("unexpected bbo %v %v %v", bid, ask, err)
	}
	bids, asks, err := v.client.MarketLiquidity(context.Background(), 2, 10)
	if err != nil || len(bids) != 1 || asks[0].Price != 3001 {
		t.Fatalf("unexpected liquidity %v %v %v", bids, asks, err)
	}
}
