package state

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// Snapshot captures positions and working orders at a point in time.
type Snapshot struct {
	Timestamp   int64         `json:"timestamp"`
	LastSeq     uint64        `json:"lastSeq"`
	LastEventTs int64         `json:"lastEventTs"`
	Positions   []Position    `json:"positions"`
	Orders      []order.State `json:"orders,omitempty"`
}

// Snapshot builds a snapshot from current positions.
func (r *PositionReducer) Snapshot() Snapshot {
	return r.SnapshotWithMeta(0, 0)
}

// SnapshotWithMeta builds a snapshot with journal metadata.
func (r *PositionReducer) SnapshotWithMeta(lastSeq uint64, lastEventTs int64) Snapshot {
	return Snapshot{
		Timestamp:   time.Now().UTC().UnixNano(),
		LastSeq:     lastSeq,
		LastEventTs: lastEventTs,
		Positions:   r.Positions(),
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir")
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot").With("path", path)
	}
	return snap, nil
}

// CompareSnapshots checks if two snapshots hold the same net positions.
func CompareSnapshots(expected, actual Snapshot) error {
	want := make(map[schema.InstrumentID]schema.Quantity, len(expected.Positions))
	for _, p := range expected.Positions {
		if p.NetQty != 0 {
			want[p.InstrumentID] = p.NetQty
		}
	}
	got := 0
	for _, p := range actual.Positions {
		if p.NetQty == 0 {
			continue
		}
		got++
		qty, ok := want[p.InstrumentID]
		if !ok {
			return errors.Errorf("snapshot has unexpected position: %s", p.InstrumentID)
		}
		if qty != p.NetQty {
			return errors.Errorf("snapshot qty mismatch: instrument=%s expected=%d actual=%d", p.InstrumentID, qty, p.NetQty)
		}
	}
	if got != len(want) {
		return errors.Errorf("snapshot length mismatch: expected=%d actual=%d", len(want), got)
	}
	return nil
}
