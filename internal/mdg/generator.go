// Package mdg generates synthetic market data for paper runs.
package mdg

import (
	"math/rand"

	"github.com/yanun0323/errors"

	"ordercore/internal/market"
	"ordercore/internal/schema"
)

type Config struct {
	Seed      int64
	BasePrice schema.Price
	BaseSize  schema.Quantity
	// Spread is the distance of bid and ask from the mid, in ticks.
	Spread schema.Price
	// TradeEvery emits a trade after every n quotes of an instrument. Zero disables trades.
	TradeEvery int
}

// Tick is one generated update. Trade is nil when no trade printed.
type Tick struct {
	Quote market.QuoteTick
	Trade *market.TradeTick
}

type walk struct {
	inst   schema.Instrument
	mid    schema.Price
	quotes int
	trades int
}

// Generator walks the mid price of every registered instrument, one tick
// step at a time, in round robin order.
type Generator struct {
	cfg   Config
	rng   *rand.Rand
	norm  *Normalizer
	walks []*walk
	index int
}

// NewGenerator creates a generator for all instruments in the registry.
func NewGenerator(reg *schema.Registry, cfg Config) (*Generator, error) {
	if reg == nil || reg.InstrumentCount() == 0 {
		return nil, errors.New("mdg: registry has no instruments")
	}
	if cfg.BasePrice <= 0 {
		return nil, errors.New("mdg: base price must be > 0")
	}
	if cfg.BaseSize <= 0 {
		cfg.BaseSize = 1
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 1
	}
	walks := make([]*walk, 0, reg.InstrumentCount())
	for i := 0; i < reg.InstrumentCount(); i++ {
		inst, ok := reg.InstrumentAt(i)
		if !ok {
			continue
		}
		mid := cfg.BasePrice - cfg.BasePrice%inst.Tick()
		walks = append(walks, &walk{inst: inst, mid: max(mid, inst.Tick()*(cfg.Spread+1))})
	}
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		norm:  NewNormalizer(reg),
		walks: walks,
	}, nil
}

// Next produces the update of the next instrument at ts.
func (g *Generator) Next(ts int64) Tick {
	w := g.walks[g.index]
	g.index = (g.index + 1) % len(g.walks)

	tick := w.inst.Tick()
	w.mid += schema.Price(g.rng.Intn(3)-1) * tick
	floor := tick * (g.cfg.Spread + 1)
	if w.mid < floor {
		w.mid = floor
	}
	half := g.cfg.Spread * tick
	q := market.QuoteTick{
		InstrumentID: w.inst.Name,
		Bid:          w.mid - half,
		Ask:          w.mid + half,
		BidSize:      g.size(),
		AskSize:      g.size(),
		TsEvent:      ts,
		TsInit:       ts,
	}
	q, _ = g.norm.Quote(q)
	w.quotes++
	out := Tick{Quote: q}
	if g.cfg.TradeEvery <= 0 || w.quotes%g.cfg.TradeEvery != 0 {
		return out
	}

	w.trades++
	t := market.TradeTick{
		InstrumentID:  w.inst.Name,
		Price:         q.Ask,
		Size:          g.size(),
		AggressorSide: schema.AggressorBuyer,
		TradeID:       g.norm.TradeID(w.inst, w.trades),
		TsEvent:       ts,
		TsInit:        ts,
	}
	if g.rng.Intn(2) == 0 {
		t.Price = q.Bid
		t.AggressorSide = schema.AggressorSeller
	}
	if t, err := g.norm.Trade(t); err == nil {
		out.Trade = &t
	}
	return out
}

func (g *Generator) size() schema.Quantity {
	return g.cfg.BaseSize * schema.Quantity(1+g.rng.Intn(5))
}
