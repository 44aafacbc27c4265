package x18

import (
	"encoding/json"
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	got, err := Parse("3000500000000000000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if math.Abs(got-3000.5) > 1e-9 {
		t.Fatalf("expected 3000.5, got %v", got)
	}
	got, err = Parse("-250000000000000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if math.Abs(got+0.25) > 1e-12 {
		t.Fatalf("expected -0.25, got %v", got)
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestString(t *testing.T) {
	if got := String(0.1); got != "100000000000000000" {
		t.Fatalf("expected 1e17, got %s", got)
	}
	if got := String(-2); got != "-2000000000000000000" {
		t.Fatalf("expected -2e18, got %s", got)
	}
}

func TestValueUnmarshal(t *testing.T) {
	var payload struct {
		Quoted Value `json:"quoted"`
		Number Value `json:"number"`
	}
	raw := `{"quoted":"1500000000000000000","number":2000000000000000000}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Quoted.Float() != 1.5 {
		t.Fatalf("expected 1.5, got %v", payload.Quoted)
	}
	if payload.Number.Float() != 2 {
		t.Fatalf("expected 2, got %v", payload.Number)
	}
}
