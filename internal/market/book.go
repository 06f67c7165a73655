package market

import (
	"slices"

	"ordercore/internal/schema"
)

// Level is one aggregated price level.
type Level struct {
	Price schema.Price
	Size  schema.Quantity
}

// BookType selects how much depth the simulated book keeps.
type BookType uint16

const (
	// BookL1 keeps the top level only, fed by quotes and trades.
	BookL1 BookType = iota
	// BookL2 keeps aggregated depth, fed by book snapshots.
	BookL2
)

// OrderBook holds aggregated bid and ask levels. Bids are sorted high to low,
// asks low to high.
type OrderBook struct {
	InstrumentID schema.InstrumentID
	Bids         []Level
	Asks         []Level
	TsEvent      int64
}

// NewOrderBook builds a book from unsorted levels, dropping empty ones.
func NewOrderBook(id schema.InstrumentID, bids, asks []Level, ts int64) OrderBook {
	b := OrderBook{InstrumentID: id, TsEvent: ts}
	b.Bids = cleanLevels(bids, func(a, b Level) int { return compare(b.Price, a.Price) })
	b.Asks = cleanLevels(asks, func(a, b Level) int { return compare(a.Price, b.Price) })
	return b
}

func cleanLevels(levels []Level, cmp func(a, b Level) int) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Size > 0 {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, cmp)
	return out
}

func compare(a, b schema.Price) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BestBid returns the top bid level.
func (b *OrderBook) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level.
func (b *OrderBook) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// TopOfBook is the quote at the best levels. It is false while either side
// is empty.
func (b *OrderBook) TopOfBook() (QuoteTick, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return QuoteTick{}, false
	}
	return QuoteTick{
		InstrumentID: b.InstrumentID,
		Bid:          bid.Price,
		Ask:          ask.Price,
		BidSize:      bid.Size,
		AskSize:      ask.Size,
		TsEvent:      b.TsEvent,
	}, true
}

// Side returns the levels an order of the given side would trade against.
func (b *OrderBook) Side(taker schema.OrderSide) []Level {
	if taker == schema.OrderSideBuy {
		return b.Asks
	}
	return b.Bids
}

// Clone returns an independent copy.
func (b *OrderBook) Clone() OrderBook {
	return OrderBook{
		InstrumentID: b.InstrumentID,
		Bids:         slices.Clone(b.Bids),
		Asks:         slices.Clone(b.Asks),
		TsEvent:      b.TsEvent,
	}
}

// ApplyQuote replaces the top of book with the quote.
func (b *OrderBook) ApplyQuote(q QuoteTick) {
	b.Bids = b.Bids[:0]
	b.Asks = b.Asks[:0]
	if q.Bid > 0 {
		b.Bids = append(b.Bids, Level{Price: q.Bid, Size: q.BidSize})
	}
	if q.Ask > 0 {
		b.Asks = append(b.Asks, Level{Price: q.Ask, Size: q.AskSize})
	}
	b.TsEvent = q.TsEvent
}

// ApplyTrade sets both sides to the trade price and size.
func (b *OrderBook) ApplyTrade(t TradeTick) {
	b.Bids = append(b.Bids[:0], Level{Price: t.Price, Size: t.Size})
	b.Asks = append(b.Asks[:0], Level{Price: t.Price, Size: t.Size})
	b.TsEvent = t.TsEvent
}

// Consume removes qty from the taker's opposite side starting at the best level,
// bounded by limit (0 = no limit). It returns the executed slices.
func (b *OrderBook) Consume(taker schema.OrderSide, qty schema.Quantity, limit schema.Price) []Level {
	levels := b.Asks
	if taker == schema.OrderSideSell {
		levels = b.Bids
	}
	var fills []Level
	for i := range levels {
		if qty <= 0 {
			break
		}
		lvl := &levels[i]
		if limit > 0 && !crosses(taker, lvl.Price, limit) {
			break
		}
		take := min(qty, lvl.Size)
		fills = append(fills, Level{Price: lvl.Price, Size: take})
		lvl.Size -= take
		qty -= take
	}
	kept := levels[:0]
	for _, lvl := range levels {
		if lvl.Size > 0 {
			kept = append(kept, lvl)
		}
	}
	if taker == schema.OrderSideSell {
		b.Bids = kept
	} else {
		b.Asks = kept
	}
	return fills
}

// Available sums the size a taker could execute within limit (0 = no limit).
func (b *OrderBook) Available(taker schema.OrderSide, limit schema.Price) schema.Quantity {
	var total schema.Quantity
	for _, lvl := range b.Side(taker) {
		if limit > 0 && !crosses(taker, lvl.Price, limit) {
			break
		}
		total += lvl.Size
	}
	return total
}

func crosses(taker schema.OrderSide, levelPrice, limit schema.Price) bool {
	if taker == schema.OrderSideBuy {
		return levelPrice <= limit
	}
	return levelPrice >= limit
}
