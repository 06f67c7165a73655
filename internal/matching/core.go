package matching

import (
	"cmp"
	"slices"

	"github.com/yanun0323/errors"

	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

var (
	ErrDuplicateOrder  = errors.New("matching: order already held")
	ErrUnknownOrder    = errors.New("matching: order not held")
	ErrNotEmulated     = errors.New("matching: order has no emulation trigger")
	ErrNotLocal        = errors.New("matching: order is not active locally")
	ErrWrongInstrument = errors.New("matching: order for another instrument")
)

// HeldOrder is the core's view of one emulated order.
type HeldOrder struct {
	ClientOrderID  schema.ClientOrderID
	Side           schema.OrderSide
	Type           schema.OrderType
	Quantity       schema.Quantity
	Price          schema.Price
	TriggerPrice   schema.Price
	TrailingOffset schema.Price
	LimitOffset    schema.Price
	Trigger        schema.TriggerType

	seq  uint64
	hits int
}

// Trigger reports an order whose condition fired.
type Trigger struct {
	ClientOrderID schema.ClientOrderID
	// MarketPrice is the price that satisfied the condition.
	MarketPrice schema.Price
}

// TrailingMove reports a trailing order whose trigger followed the market.
type TrailingMove struct {
	ClientOrderID schema.ClientOrderID
	TriggerPrice  schema.Price
	Price         schema.Price
}

// Result is the outcome of processing one market data update.
type Result struct {
	Triggered []Trigger
	Moved     []TrailingMove
}

// Core holds the emulated orders of one instrument and evaluates their triggers.
type Core struct {
	instrumentID schema.InstrumentID
	orders       map[schema.ClientOrderID]*HeldOrder
	seq          uint64

	bid      schema.Price
	ask      schema.Price
	last     schema.Price
	hasQuote bool
}

// NewCore creates an empty core for the instrument.
func NewCore(id schema.InstrumentID) *Core {
	return &Core{
		instrumentID: id,
		orders:       make(map[schema.ClientOrderID]*HeldOrder),
	}
}

func (c *Core) InstrumentID() schema.InstrumentID { return c.instrumentID }
func (c *Core) Bid() schema.Price                 { return c.bid }
func (c *Core) Ask() schema.Price                 { return c.ask }
func (c *Core) Last() schema.Price                { return c.last }
func (c *Core) Len() int                          { return len(c.orders) }

// AddOrder starts holding an emulated order.
func (c *Core) AddOrder(o *order.Order) error {
	if o.InstrumentID() != c.instrumentID {
		return ErrWrongInstrument
	}
	if o.EmulationTrigger() == schema.TriggerNone {
		return ErrNotEmulated
	}
	if !o.IsActiveLocal() {
		return ErrNotLocal
	}
	if _, ok := c.orders[o.ClientOrderID()]; ok {
		return ErrDuplicateOrder
	}
	c.seq++
	held := heldFrom(o)
	held.seq = c.seq
	c.orders[o.ClientOrderID()] = &held
	return nil
}

// UpdateOrder refreshes price, trigger and quantity while keeping queue position.
func (c *Core) UpdateOrder(o *order.Order) error {
	held, ok := c.orders[o.ClientOrderID()]
	if !ok {
		return ErrUnknownOrder
	}
	next := heldFrom(o)
	next.seq = held.seq
	*held = next
	return nil
}

// DeleteOrder stops holding the order. It reports whether the order was held.
func (c *Core) DeleteOrder(id schema.ClientOrderID) bool {
	if _, ok := c.orders[id]; !ok {
		return false
	}
	delete(c.orders, id)
	return true
}

// Order returns the held view of an order.
func (c *Core) Order(id schema.ClientOrderID) (HeldOrder, bool) {
	held, ok := c.orders[id]
	if !ok {
		return HeldOrder{}, false
	}
	return *held, true
}

func (c *Core) OrderExists(id schema.ClientOrderID) bool {
	_, ok := c.orders[id]
	return ok
}

// Orders returns the held orders sorted by trigger price, then insertion order.
func (c *Core) Orders() []HeldOrder {
	out := make([]HeldOrder, 0, len(c.orders))
	for _, held := range c.orders {
		out = append(out, *held)
	}
	slices.SortFunc(out, func(a, b HeldOrder) int {
		if r := cmp.Compare(a.sortPrice(), b.sortPrice()); r != 0 {
			return r
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// ProcessQuoteTick updates bid/ask and evaluates quote driven triggers.
func (c *Core) ProcessQuoteTick(q market.QuoteTick) Result {
	if q.Bid > 0 {
		c.bid = q.Bid
	}
	if q.Ask > 0 {
		c.ask = q.Ask
	}
	c.hasQuote = true
	return c.iterate(func(t schema.TriggerType) bool { return t.UsesQuotes() })
}

// ProcessTradeTick updates the last price and evaluates trade driven triggers.
// Until a quote is seen, the trade price also stands in for bid and ask.
func (c *Core) ProcessTradeTick(t market.TradeTick) Result {
	if t.Price <= 0 {
		return Result{}
	}
	c.last = t.Price
	if !c.hasQuote {
		c.bid = t.Price
		c.ask = t.Price
	}
	quotesMoved := !c.hasQuote
	return c.iterate(func(tt schema.TriggerType) bool {
		return tt.UsesTrades() || (quotesMoved && tt.UsesQuotes())
	})
}

// ProcessOrderBook takes bid/ask from the top of the book.
func (c *Core) ProcessOrderBook(b market.OrderBook) Result {
	if lvl, ok := b.BestBid(); ok {
		c.bid = lvl.Price
	}
	if lvl, ok := b.BestAsk(); ok {
		c.ask = lvl.Price
	}
	c.hasQuote = true
	return c.iterate(func(t schema.TriggerType) bool { return t.UsesQuotes() })
}

func (c *Core) iterate(selects func(schema.TriggerType) bool) Result {
	var res Result
	for _, snapshot := range c.Orders() {
		held := c.orders[snapshot.ClientOrderID]
		if !selects(held.Trigger) {
			continue
		}
		bid, ask := c.bid, c.ask
		if held.Trigger.UsesTrades() {
			bid, ask = c.last, c.last
		}
		if held.Type.IsTrailing() {
			if move, ok := trail(held, bid, ask); ok {
				res.Moved = append(res.Moved, move)
			}
		}
		matched, px, ok := evaluate(held, bid, ask)
		if !ok {
			continue
		}
		if !matched {
			held.hits = 0
			continue
		}
		held.hits++
		if held.hits < held.Trigger.Confirmations() {
			continue
		}
		held.hits = 0
		res.Triggered = append(res.Triggered, Trigger{ClientOrderID: held.ClientOrderID, MarketPrice: px})
	}
	return res
}

func heldFrom(o *order.Order) HeldOrder {
	return HeldOrder{
		ClientOrderID:  o.ClientOrderID(),
		Side:           o.Side(),
		Type:           o.Type(),
		Quantity:       o.Quantity(),
		Price:          o.Price(),
		TriggerPrice:   o.TriggerPrice(),
		TrailingOffset: o.TrailingOffset(),
		LimitOffset:    o.LimitOffset(),
		Trigger:        o.EmulationTrigger(),
	}
}

func (h HeldOrder) sortPrice() schema.Price {
	if h.TriggerPrice > 0 {
		return h.TriggerPrice
	}
	return h.Price
}
