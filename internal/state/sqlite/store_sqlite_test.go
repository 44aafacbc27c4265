package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreCreatesDirAndTracksUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	store.now = func() time.Time { return time.UnixMilli(1700000000000) }

	ctx := context.Background()
	if err := store.Set(ctx, "hl:nonce:0xabc", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "hl:nonce:0xabc", "2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, _, _ := store.Get(ctx, "hl:nonce:0xabc")
	if val != "2" {
		t.Fatalf("expected overwrite, got %q", val)
	}
	at, ok, err := store.UpdatedAt(ctx, "hl:nonce:0xabc")
	if err != nil || !ok || at.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected updated_at %v %v %v", at, ok, err)
	}
	if _, ok, _ := store.UpdatedAt(ctx, "missing"); ok {
		t.Fatalf("expected missing key")
	}
}
