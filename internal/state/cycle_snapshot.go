package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSnapshotKey = "hedge:last_snapshot"

// CycleSnapshot carries the orchestrator counters that survive a restart.
type CycleSnapshot struct {
	Sequence        int64   `json:"sequence"`
	Iteration       int     `json:"iteration"`
	Phase           string  `json:"phase"`
	CumulativePnL   float64 `json:"cumulative_pnl"`
	CumulativeVol   float64 `json:"cumulative_volume"`
	CyclesCompleted int64   `json:"cycles_completed"`
	PrimaryPosition float64 `json:"primary_position"`
	HedgePosition   float64 `json:"hedge_position"`
	Halted          bool    `json:"halted"`
	UpdatedAtMS     int64   `json:"updated_at_ms"`
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CycleSnapshotKey)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSnapshotKey, string(payload))
}
