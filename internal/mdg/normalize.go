package mdg

import (
	"fmt"

	"github.com/yanun0323/errors"

	"ordercore/internal/market"
	"ordercore/internal/schema"
)

// Normalizer snaps raw market data to the precision of the instrument it
// belongs to.
type Normalizer struct {
	reg *schema.Registry
}

func NewNormalizer(reg *schema.Registry) *Normalizer {
	return &Normalizer{reg: reg}
}

// Quote rounds the bid down and the ask up to the price increment and the
// sizes down to the size increment. Crossed quotes are rejected.
func (n *Normalizer) Quote(q market.QuoteTick) (market.QuoteTick, error) {
	inst, ok := n.reg.Instrument(q.InstrumentID)
	if !ok {
		return q, errors.Errorf("mdg: instrument not found: %s", q.InstrumentID)
	}
	tick := inst.Tick()
	q.Bid -= q.Bid % tick
	if r := q.Ask % tick; r != 0 {
		q.Ask += tick - r
	}
	q.BidSize = inst.RoundQuantity(q.BidSize)
	q.AskSize = inst.RoundQuantity(q.AskSize)
	if q.TsInit == 0 {
		q.TsInit = q.TsEvent
	}
	if q.Bid > 0 && q.Ask > 0 && q.Bid >= q.Ask {
		return q, errors.Errorf("mdg: crossed quote %d/%d for %s", q.Bid, q.Ask, q.InstrumentID)
	}
	return q, nil
}

// Trade rounds the price to the nearest increment and the size down.
func (n *Normalizer) Trade(t market.TradeTick) (market.TradeTick, error) {
	inst, ok := n.reg.Instrument(t.InstrumentID)
	if !ok {
		return t, errors.Errorf("mdg: instrument not found: %s", t.InstrumentID)
	}
	tick := inst.Tick()
	if r := t.Price % tick; r*2 >= tick {
		t.Price += tick - r
	} else {
		t.Price -= r
	}
	t.Size = inst.RoundQuantity(t.Size)
	if t.Price <= 0 || t.Size <= 0 {
		return t, errors.Errorf("mdg: empty trade for %s", t.InstrumentID)
	}
	if t.TsInit == 0 {
		t.TsInit = t.TsEvent
	}
	return t, nil
}

// TradeID numbers generated trades per instrument.
func (n *Normalizer) TradeID(inst schema.Instrument, seq int) schema.TradeID {
	return schema.TradeID(fmt.Sprintf("MDG-%d-%06d", inst.ID, seq))
}
