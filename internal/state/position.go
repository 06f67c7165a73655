package state

import (
	"slices"

	"github.com/shopspring/decimal"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// Position is the net position of one instrument.
type Position struct {
	InstrumentID schema.InstrumentID `json:"instrumentId"`
	NetQty       schema.Quantity     `json:"netQty"`
	// AvgPx is in scaled price units.
	AvgPx decimal.Decimal `json:"avgPx"`
	// RealizedPnl is in scaled price units times scaled quantity units.
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	Commission  schema.Fee      `json:"commission"`
	TsLast      int64           `json:"tsLast"`
}

// IsFlat reports whether there is no open quantity.
func (p Position) IsFlat() bool { return p.NetQty == 0 }

// PositionReducer updates positions based on fill events.
type PositionReducer struct {
	positions map[schema.InstrumentID]Position
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{positions: make(map[schema.InstrumentID]Position)}
}

// ApplyFill nets the fill into the instrument's position and returns it.
func (r *PositionReducer) ApplyFill(fill order.OrderFilled) Position {
	p := r.positions[fill.InstrumentID]
	p.InstrumentID = fill.InstrumentID

	qty := int64(fill.LastQty)
	signed := qty
	if fill.Side == schema.OrderSideSell {
		signed = -qty
	} else if fill.Side != schema.OrderSideBuy {
		return p
	}

	net := int64(p.NetQty)
	px := decimal.NewFromInt(int64(fill.LastPx))
	switch {
	case net == 0 || (net > 0) == (signed > 0):
		open := decimal.NewFromInt(abs(net))
		add := decimal.NewFromInt(qty)
		p.AvgPx = p.AvgPx.Mul(open).Add(px.Mul(add)).Div(open.Add(add))
	default:
		closing := min(abs(net), qty)
		diff := px.Sub(p.AvgPx)
		if net < 0 {
			diff = diff.Neg()
		}
		p.RealizedPnl = p.RealizedPnl.Add(diff.Mul(decimal.NewFromInt(closing)))
		switch {
		case qty > abs(net):
			p.AvgPx = px
		case qty == abs(net):
			p.AvgPx = decimal.Zero
		}
	}
	p.NetQty = schema.Quantity(net + signed)
	p.Commission += fill.Commission
	p.TsLast = fill.TsEvent
	r.positions[fill.InstrumentID] = p
	return p
}

// Restore replaces the tracked positions.
func (r *PositionReducer) Restore(positions []Position) {
	clear(r.positions)
	for _, p := range positions {
		r.positions[p.InstrumentID] = p
	}
}

// Position returns the current position of an instrument.
func (r *PositionReducer) Position(id schema.InstrumentID) Position {
	p, ok := r.positions[id]
	if !ok {
		return Position{InstrumentID: id}
	}
	return p
}

// NetQty returns the signed position quantity of an instrument.
func (r *PositionReducer) NetQty(id schema.InstrumentID) schema.Quantity {
	return r.positions[id].NetQty
}

// Positions returns all tracked positions sorted by instrument.
func (r *PositionReducer) Positions() []Position {
	out := make([]Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Position) int {
		switch {
		case a.InstrumentID < b.InstrumentID:
			return -1
		case a.InstrumentID > b.InstrumentID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Count returns the number of tracked instruments.
func (r *PositionReducer) Count() int {
	return len(r.positions)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
