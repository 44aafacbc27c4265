package tradelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trades.csv")
	w, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := w.Append(Row{Exchange: "nado", Time: ts, Side: "BUY", Price: 100, Quantity: 0.1, OrderType: "primary", Mode: "at_bid"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w.Append(Row{Exchange: "hl", Time: ts, Side: "SELL", Price: 100.2, Quantity: 0.1, OrderType: "hedge", Mode: "market"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = w.Close()

	records := readAll(t, path)
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[0][0] != "exchange" || records[0][6] != "mode" {
		t.Fatalf("unexpected header %v", records[0])
	}
	want := []string{"hl", "2024-05-01T12:00:00Z", "SELL", "100.2", "0.1", "hedge", "market"}
	for i, v := range want {
		if records[2][i] != v {
			t.Fatalf("column %d: expected %q, got %q", i, v, records[2][i])
		}
	}
}

func TestAppendAfterClose(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "trades.csv"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = w.Close()
	if err := w.Append(Row{Exchange: "nado"}); err == nil {
		t.Fatalf("expected error after close")
	}
	var nilWriter *Writer
	if err := nilWriter.Append(Row{}); err != nil {
		t.Fatalf("nil writer should be a no-op, got %v", err)
	}
}
