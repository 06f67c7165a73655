package order

import (
	"fmt"

	"ordercore/internal/schema"
)

// Option adjusts the creation parameters of an order.
type Option func(*Init)

func WithTimeInForce(tif schema.TimeInForce) Option {
	return func(in *Init) { in.TimeInForce = tif }
}

// WithExpireTime makes the order GTD.
func WithExpireTime(ts int64) Option {
	return func(in *Init) {
		in.TimeInForce = schema.TimeInForceGTD
		in.ExpireTime = ts
	}
}

func WithPostOnly() Option                    { return func(in *Init) { in.PostOnly = true } }
func WithReduceOnly() Option                  { return func(in *Init) { in.ReduceOnly = true } }
func WithQuoteQuantity() Option               { return func(in *Init) { in.QuoteQuantity = true } }
func WithPositionID(id schema.PositionID) Option { return func(in *Init) { in.PositionID = id } }

func WithEmulationTrigger(t schema.TriggerType) Option {
	return func(in *Init) { in.EmulationTrigger = t }
}

func WithClientOrderID(id schema.ClientOrderID) Option {
	return func(in *Init) { in.ClientOrderID = id }
}

// Factory creates orders with sequential client order ids for one strategy.
type Factory struct {
	traderID   schema.TraderID
	strategyID schema.StrategyID
	now        func() int64
	orderSeq   uint64
	listSeq    uint64
}

// NewFactory creates a factory. now supplies ts_init for new orders.
func NewFactory(traderID schema.TraderID, strategyID schema.StrategyID, now func() int64) *Factory {
	return &Factory{traderID: traderID, strategyID: strategyID, now: now}
}

// NextClientOrderID returns a fresh id of the form O-<strategy>-<n>.
func (f *Factory) NextClientOrderID() schema.ClientOrderID {
	f.orderSeq++
	return schema.ClientOrderID(fmt.Sprintf("O-%s-%d", f.strategyID, f.orderSeq))
}

// NextOrderListID returns a fresh id of the form OL-<strategy>-<n>.
func (f *Factory) NextOrderListID() schema.OrderListID {
	f.listSeq++
	return schema.OrderListID(fmt.Sprintf("OL-%s-%d", f.strategyID, f.listSeq))
}

// SetCounts restores the id sequences, e.g. after a restart.
func (f *Factory) SetCounts(orders, lists uint64) {
	f.orderSeq = orders
	f.listSeq = lists
}

func (f *Factory) build(in Init, opts []Option) (*Order, error) {
	in.TraderID = f.traderID
	in.StrategyID = f.strategyID
	if in.TimeInForce == schema.TimeInForceUnknown {
		in.TimeInForce = schema.TimeInForceGTC
	}
	for _, opt := range opts {
		opt(&in)
	}
	if in.ClientOrderID == "" {
		in.ClientOrderID = f.NextClientOrderID()
	}
	if f.now != nil {
		in.TsInit = f.now()
	}
	return New(in)
}

func (f *Factory) Market(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, opts ...Option) (*Order, error) {
	return f.build(Init{InstrumentID: id, Side: side, Type: schema.OrderTypeMarket, Quantity: qty}, opts)
}

func (f *Factory) Limit(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, price schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{InstrumentID: id, Side: side, Type: schema.OrderTypeLimit, Quantity: qty, Price: price}, opts)
}

func (f *Factory) StopMarket(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, trigger schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{InstrumentID: id, Side: side, Type: schema.OrderTypeStopMarket, Quantity: qty, TriggerPrice: trigger}, opts)
}

func (f *Factory) StopLimit(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, price, trigger schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{InstrumentID: id, Side: side, Type: schema.OrderTypeStopLimit, Quantity: qty, Price: price, TriggerPrice: trigger}, opts)
}

func (f *Factory) MarketIfTouched(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, trigger schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{InstrumentID: id, Side: side, Type: schema.OrderTypeMarketIfTouched, Quantity: qty, TriggerPrice: trigger}, opts)
}

func (f *Factory) LimitIfTouched(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, price, trigger schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{InstrumentID: id, Side: side, Type: schema.OrderTypeLimitIfTouched, Quantity: qty, Price: price, TriggerPrice: trigger}, opts)
}

func (f *Factory) TrailingStopMarket(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, trigger, offset schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{
		InstrumentID: id, Side: side, Type: schema.OrderTypeTrailingStopMarket, Quantity: qty,
		TriggerPrice: trigger, TrailingOffset: offset,
	}, opts)
}

// TrailingStopLimit keeps price at trigger -/+ limitOffset as the trigger moves.
func (f *Factory) TrailingStopLimit(id schema.InstrumentID, side schema.OrderSide, qty schema.Quantity, price, trigger, offset, limitOffset schema.Price, opts ...Option) (*Order, error) {
	return f.build(Init{
		InstrumentID: id, Side: side, Type: schema.OrderTypeTrailingStopLimit, Quantity: qty,
		Price: price, TriggerPrice: trigger, TrailingOffset: offset, LimitOffset: limitOffset,
	}, opts)
}

// BracketSpec describes an entry with a stop-loss and a take-profit.
type BracketSpec struct {
	InstrumentID schema.InstrumentID
	Side         schema.OrderSide
	Quantity     schema.Quantity

	// EntryType is MARKET, LIMIT, STOP_MARKET or STOP_LIMIT. Defaults to MARKET.
	EntryType      schema.OrderType
	EntryPrice     schema.Price
	EntryTrigger   schema.Price
	EntryEmulation schema.TriggerType
	EntryTIF       schema.TimeInForce
	ExpireTime     int64

	SLTrigger   schema.Price
	SLEmulation schema.TriggerType

	TPPrice     schema.Price
	TPPostOnly  bool
	TPEmulation schema.TriggerType

	// Contingency between SL and TP, OUO or OCO. Defaults to OUO.
	Contingency   schema.ContingencyType
	QuoteQuantity bool
}

// Bracket creates the entry, stop-loss and take-profit orders and their list.
func (f *Factory) Bracket(spec BracketSpec) (List, []*Order, error) {
	listID := f.NextOrderListID()
	entryID := f.NextClientOrderID()
	slID := f.NextClientOrderID()
	tpID := f.NextClientOrderID()

	contingency := spec.Contingency
	if contingency == schema.ContingencyNone {
		contingency = schema.ContingencyOUO
	}
	entryType := spec.EntryType
	if entryType == schema.OrderTypeUnknown {
		entryType = schema.OrderTypeMarket
	}
	entryTIF := spec.EntryTIF
	if entryTIF == schema.TimeInForceUnknown {
		entryTIF = schema.TimeInForceGTC
		if spec.ExpireTime > 0 {
			entryTIF = schema.TimeInForceGTD
		}
	}

	entry := Init{
		InstrumentID:     spec.InstrumentID,
		ClientOrderID:    entryID,
		Side:             spec.Side,
		Type:             entryType,
		Quantity:         spec.Quantity,
		TimeInForce:      entryTIF,
		ExpireTime:       spec.ExpireTime,
		EmulationTrigger: spec.EntryEmulation,
		Contingency:      schema.ContingencyOTO,
		LinkedOrderIDs:   []schema.ClientOrderID{slID, tpID},
		OrderListID:      listID,
	}
	if entryType.HasPrice() {
		entry.Price = spec.EntryPrice
	}
	if entryType.HasTrigger() {
		entry.TriggerPrice = spec.EntryTrigger
	}
	sl := Init{
		InstrumentID:     spec.InstrumentID,
		ClientOrderID:    slID,
		Side:             spec.Side.Opposite(),
		Type:             schema.OrderTypeStopMarket,
		Quantity:         spec.Quantity,
		TriggerPrice:     spec.SLTrigger,
		TimeInForce:      schema.TimeInForceGTC,
		ReduceOnly:       true,
		QuoteQuantity:    spec.QuoteQuantity,
		EmulationTrigger: spec.SLEmulation,
		Contingency:      contingency,
		LinkedOrderIDs:   []schema.ClientOrderID{tpID},
		ParentOrderID:    entryID,
		OrderListID:      listID,
	}
	tp := Init{
		InstrumentID:     spec.InstrumentID,
		ClientOrderID:    tpID,
		Side:             spec.Side.Opposite(),
		Type:             schema.OrderTypeLimit,
		Quantity:         spec.Quantity,
		Price:            spec.TPPrice,
		TimeInForce:      schema.TimeInForceGTC,
		PostOnly:         spec.TPPostOnly,
		ReduceOnly:       true,
		QuoteQuantity:    spec.QuoteQuantity,
		EmulationTrigger: spec.TPEmulation,
		Contingency:      contingency,
		LinkedOrderIDs:   []schema.ClientOrderID{slID},
		ParentOrderID:    entryID,
		OrderListID:      listID,
	}

	orders := make([]*Order, 0, 3)
	for _, in := range []Init{entry, sl, tp} {
		o, err := f.build(in, nil)
		if err != nil {
			return List{}, nil, err
		}
		orders = append(orders, o)
	}
	var ts int64
	if f.now != nil {
		ts = f.now()
	}
	list, err := NewList(listID, orders, ts)
	if err != nil {
		return List{}, nil, err
	}
	return list, orders, nil
}
