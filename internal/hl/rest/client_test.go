package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/venue"
)

func TestInfoTransientOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client := New(server.URL, time.Second, zap.NewNop())
	_, err := client.Meta(context.Background())
	if !venue.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestInfoClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()
	client := New(server.URL, time.Second, zap.NewNop())
	_, err := client.Meta(context.Background())
	if err == nil || venue.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestOrderStatusDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["type"] != "orderStatus" || req["oid"] != float64(5) || req["user"] != "0xabc" {
			t.Errorf("unexpected request %v", req)
		}
		_, _ = w.Write([]byte(`{"status":"order","order":{"order":{"coin":"ETH","sz":"0.25","origSz":"1.0","oid":5},"status":"open"}}`))
	}))
	defer server.Close()
	client := New(server.URL, time.Second, zap.NewNop())
	status, err := client.OrderStatus(context.Background(), "0xabc", 5)
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if !status.Known() || status.Order.Status != "open" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Order.Order.OrigSz != 1 || status.Order.Order.Sz != 0.25 {
		t.Fatalf("unexpected sizes %+v", status.Order.Order)
	}
}
