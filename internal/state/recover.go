package state

import (
	"context"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/codec"
	"ordercore/internal/order"
	"ordercore/internal/recorder"
	"ordercore/internal/schema"
)

// RecoverConfig controls snapshot + journal recovery.
type RecoverConfig struct {
	JournalDir      string
	SnapshotPath    string
	FilePrefix      string
	DisableChecksum bool
	MaxPayloadSize  int
}

// RecoverResult contains recovered state and metadata.
type RecoverResult struct {
	Positions   *PositionReducer
	Orders      map[schema.ClientOrderID]*order.Order
	LastSeq     uint64
	LastEventTs int64
	Skipped     int
}

// Recover loads an optional snapshot and replays the journal tail, applying
// order events to rebuild orders and fills to rebuild positions.
func Recover(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.JournalDir == "" {
		return RecoverResult{}, errors.New("journal dir is empty")
	}
	res := RecoverResult{
		Positions: NewPositionReducer(),
		Orders:    make(map[schema.ClientOrderID]*order.Order),
	}
	if cfg.SnapshotPath != "" {
		snap, err := ReadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return RecoverResult{}, err
		}
		res.Positions.Restore(snap.Positions)
		for _, st := range snap.Orders {
			res.Orders[st.Init.ClientOrderID] = order.FromState(st)
		}
		res.LastSeq = snap.LastSeq
		res.LastEventTs = snap.LastEventTs
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             cfg.JournalDir,
		FilePrefix:      cfg.FilePrefix,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
		AfterSeq:        res.LastSeq,
	})
	if err != nil {
		return RecoverResult{}, err
	}
	err = pb.Run(ctx, func(h schema.EventHeader, payload []byte) error {
		if h.Seq > res.LastSeq {
			res.LastSeq = h.Seq
		}
		if h.TsEvent > res.LastEventTs {
			res.LastEventTs = h.TsEvent
		}
		if h.Type != schema.EventOrderEvent {
			return nil
		}
		ev, err := codec.DecodeOrderEvent(payload)
		if err != nil {
			return errors.Wrap(err, "decode journaled order event").With("seq", h.Seq)
		}
		res.apply(ev)
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}
	return res, nil
}

func (r *RecoverResult) apply(ev order.Event) {
	id := ev.Meta().ClientOrderID
	if init, ok := ev.(order.OrderInitialized); ok {
		if _, exists := r.Orders[id]; !exists {
			r.Orders[id] = order.FromInitialized(init)
		}
		return
	}
	o, ok := r.Orders[id]
	if !ok {
		r.Skipped++
		logs.Warnf("recover: %s for unknown order %s", ev.Kind(), id)
		return
	}
	if err := o.Apply(ev); err != nil {
		// already covered by the snapshot
		r.Skipped++
		return
	}
	if fill, ok := ev.(order.OrderFilled); ok {
		r.Positions.ApplyFill(fill)
	}
}
