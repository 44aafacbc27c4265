package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

func TestFloatToWire(t *testing.T) {
	cases := []struct {
		in  float64
		out string
	}{
		{in: 1.23, out: "1.23"},
		{in: 0, out: "0"},
		{in: math.Copysign(0, -1), out: "0"},
		{in: 1.23000000, out: "1.23"},
	}
	for _, tc := range cases {
		got, err := floatToWire(tc.in)
		if err != nil {
			t.Fatalf("unexpected error for %f: %v", tc.in, err)
		}
		if got != tc.out {
			t.Fatalf("expected %s, got %s", tc.out, got)
		}
	}
	if _, err := floatToWire(1.234567891); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestEncodeOrderActionDeterministic(t *testing.T) {
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc, "")
	if err != nil {
		t.Fatalf("unexpected order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	b1, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "order" {
		t.Fatalf("unexpected action type")
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected 1 order")
	}
	orderMap, ok := orders[0].(map[string]any)
	if !ok {
		t.Fatalf("expected order map")
	}
	if orderMap["p"] != "100" {
		t.Fatalf("expected price 100, got %v", orderMap["p"])
	}
	if orderMap["s"] != "2.5" {
		t.Fatalf("expected size 2.5, got %v", orderMap["s"])
	}
}

func TestSignerRecover(t *testing.T) {
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc, "")
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	nonce := uint64(1700000000000)
	sig, err := signer.SignOrderAction(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	aHash := actionHash(payload, nonce, nil)
	digest, err := typedDataHash(aHash, true)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	sigBytes, err := signatureBytes(sig)
	if err != nil {
		t.Fatalf("signature bytes error: %v", err)
	}
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if recovered != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), recovered.Hex())
	}
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errUnexpectedSigLen
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errUnexpectedSigV
	}
	out := append(append([]byte{}, r...), s...)
	out = append(out, byte(v))
	return out, nil
}

var errUnexpectedSigLen = errors.New("unexpected signature length")
var errUnexpectedSigV = errors.New("unexpected signature v")

func TestPriceTick(t *testing.T) {
	cases := []struct {
		px         float64
		szDecimals int
		want       float64
	}{
		{px: 3000.57, szDecimals: 4, want: 0.1},
		{px: 95000, szDecimals: 5, want: 1},
		{px: 123456, szDecimals: 0, want: 1},
		{px: 1.2345, szDecimals: 0, want: 0.0001},
		{px: 0.012345, szDecimals: 2, want: 0.0001},
	}
	for _, tc := range cases {
		got := PriceTick(tc.px, tc.szDecimals)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("PriceTick(%v, %d) = %v, want %v", tc.px, tc.szDecimals, got, tc.want)
		}
	}
	if SizeStep(3) != 0.001 {
		t.Fatalf("unexpected size step %v", SizeStep(3))
	}
}

func TestEncodeCancelActionKeyOrder(t *testing.T) {
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: 3, OrderID: 91234567890}, {Asset: 0, OrderID: 7}}}
	raw, err := EncodeCancelAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	typeAt := bytes.Index(raw, []byte("type"))
	cancelsAt := bytes.Index(raw, []byte("cancels"))
	if typeAt < 0 || cancelsAt < 0 || typeAt > cancelsAt {
		t.Fatalf("expected type before cancels, got %d and %d", typeAt, cancelsAt)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "cancel" {
		t.Fatalf("unexpected action type %v", decoded["type"])
	}
	cancels, ok := decoded["cancels"].([]any)
	if !ok || len(cancels) != 2 {
		t.Fatalf("expected 2 cancels, got %v", decoded["cancels"])
	}
	want := [][2]string{{"3", "91234567890"}, {"0", "7"}}
	for i, entry := range cancels {
		m, ok := entry.(map[string]any)
		if !ok || len(m) != 2 {
			t.Fatalf("cancel %d: expected a/o map, got %v", i, entry)
		}
		if fmt.Sprint(m["a"]) != want[i][0] || fmt.Sprint(m["o"]) != want[i][1] {
			t.Fatalf("cancel %d: expected %v, got a=%v o=%v", i, want[i], m["a"], m["o"])
		}
	}
}

func TestEncodeActionsRejectIncomplete(t *testing.T) {
	if _, err := EncodeCancelAction(CancelAction{Type: "cancel"}); err == nil {
		t.Fatalf("expected error for empty cancels")
	}
	if _, err := EncodeCancelAction(CancelAction{Cancels: []CancelWire{{Asset: 1, OrderID: 1}}}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := EncodeOrderAction(OrderAction{Type: "order"}); err == nil {
		t.Fatalf("expected error for empty orders")
	}
	bare := OrderWire{Asset: 1, IsBuy: true, Price: "1", Size: "1"}
	if _, err := EncodeOrderAction(OrderAction{Type: "order", Orders: []OrderWire{bare}}); err == nil {
		t.Fatalf("expected error for order without limit type")
	}
}

func TestEncodeOrderActionCarriesCloid(t *testing.T) {
	cloid := "0x000102030405060708090a0b0c0d0e0f"
	withID, err := LimitOrderWire(4, false, 0.1, 2500, true, TifGtc, cloid)
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	withoutID, err := LimitOrderWire(4, false, 0.1, 2500, true, TifGtc, "")
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	raw, err := EncodeOrderAction(OrderAction{Type: "order", Orders: []OrderWire{withID, withoutID}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["grouping"] != "na" {
		t.Fatalf("expected default grouping na, got %v", decoded["grouping"])
	}
	orders := decoded["orders"].([]any)
	first := orders[0].(map[string]any)
	second := orders[1].(map[string]any)
	if first["c"] != cloid || len(first) != 7 {
		t.Fatalf("expected cloid on first order, got %v", first)
	}
	if _, ok := second["c"]; ok || len(second) != 6 {
		t.Fatalf("expected no cloid on second order, got %v", second)
	}
	if first["r"] != true || first["b"] != false {
		t.Fatalf("unexpected flags %v", first)
	}
	tif := first["t"].(map[string]any)["limit"].(map[string]any)["tif"]
	if tif != string(TifGtc) {
		t.Fatalf("expected tif %s, got %v", TifGtc, tif)
	}
}
