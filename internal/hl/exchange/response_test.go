package exchange

import (
	"errors"
	"testing"

	"dn-hedge-bot/internal/venue"
)

func orderResponse(status map[string]any) map[string]any {
	return map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{"statuses": []any{status}},
		},
	}
}

func TestParseOrderResponseFilled(t *testing.T) {
	resp := orderResponse(map[string]any{
		"filled": map[string]any{
			"oid":     float64(292577153770),
			"totalSz": "0.02",
			"avgPx":   "1891.4",
		},
	})
	got, err := ParseOrderResponse(resp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Oid != 292577153770 || !got.Filled || got.TotalSz != 0.02 || got.AvgPx != 1891.4 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestParseOrderResponseResting(t *testing.T) {
	got, err := ParseOrderResponse(orderResponse(map[string]any{"resting": map[string]any{"oid": float64(77738308)}}))
	if err != nil || !got.Resting || got.Oid != 77738308 {
		t.Fatalf("unexpected result %+v %v", got, err)
	}
}

func TestParseOrderResponseErrors(t *testing.T) {
	_, err := ParseOrderResponse(orderResponse(map[string]any{"error": "Post only order would have immediately matched"}))
	if !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	_, err = ParseOrderResponse(map[string]any{"status": "err", "response": "User or API Wallet does not exist."})
	if !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected rejection for top-level error, got %v", err)
	}
}

func TestParseCancelResponse(t *testing.T) {
	ok := map[string]any{
		"status":   "ok",
		"response": map[string]any{"type": "cancel", "data": map[string]any{"statuses": []any{"success"}}},
	}
	if err := ParseCancelResponse(ok); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	gone := orderResponse(map[string]any{"error": "Order was never placed, already canceled, or filled."})
	if err := ParseCancelResponse(gone); !errors.Is(err, venue.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
