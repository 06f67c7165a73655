// Package engine simulates a venue: one MatchingEngine per instrument
// accepts, matches and fills orders against the market data it is fed, and
// SimulatedExchange exposes the engines as an execution client.
package engine

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/yanun0323/logs"

	"ordercore/internal/clock"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/matching"
	"ordercore/internal/order"
	"ordercore/internal/schema"
	"ordercore/internal/state"
)

// EventSink receives the order events a venue generates.
type EventSink func(ev order.Event)

// Positions is the venue side view of net positions, used for reduce-only
// orders and instrument close.
type Positions interface {
	NetQty(id schema.InstrumentID) schema.Quantity
	ApplyFill(fill order.OrderFilled) state.Position
}

// Config controls venue behavior shared by every matching engine.
type Config struct {
	Venue            string           `json:"venue"`
	AccountID        schema.AccountID `json:"accountId"`
	BookType         market.BookType  `json:"bookType"`
	RejectStopOrders bool             `json:"rejectStopOrders"`
	UseReduceOnly    bool             `json:"useReduceOnly"`
	FillModel        FillModel        `json:"fillModel"`
}

func DefaultConfig() Config {
	return Config{
		Venue:            "SIM",
		AccountID:        "SIM-001",
		BookType:         market.BookL1,
		RejectStopOrders: true,
		UseReduceOnly:    true,
		FillModel:        DefaultFillModel(),
	}
}

type working struct {
	o         *order.Order
	seq       uint64
	triggered bool
	auction   bool
}

// priorityPrice is the price the order queues at: its limit once live,
// otherwise its trigger.
func (w *working) priorityPrice() schema.Price {
	if w.o.Type().HasTrigger() && !w.triggered {
		return w.o.TriggerPrice()
	}
	return w.o.Price()
}

// MatchingEngine simulates the order book of one instrument.
type MatchingEngine struct {
	inst      schema.Instrument
	cfg       Config
	clock     clock.Clock
	sink      EventSink
	positions Positions
	fees      FeeModel
	fills     *fillSampler

	book   market.OrderBook
	bid    schema.Price
	ask    schema.Price
	last   schema.Price
	status schema.MarketStatus

	orders   map[schema.ClientOrderID]*working
	open     map[schema.ClientOrderID]*working
	traderID schema.TraderID
	seq      uint64
	orderSeq uint64
	tradeSeq uint64
	closeSeq uint64
}

// NewMatchingEngine creates an engine for the instrument. The market starts open.
func NewMatchingEngine(inst schema.Instrument, cfg Config, clk clock.Clock, sink EventSink, positions Positions, fees FeeModel) *MatchingEngine {
	if positions == nil {
		positions = state.NewPositionReducer()
	}
	if fees == nil {
		fees = NoFee{}
	}
	return &MatchingEngine{
		inst:      inst,
		cfg:       cfg,
		clock:     clk,
		sink:      sink,
		positions: positions,
		fees:      fees,
		fills:     newFillSampler(cfg.FillModel),
		book:      market.OrderBook{InstrumentID: inst.Name},
		status:    schema.MarketStatusOpen,
		orders:    make(map[schema.ClientOrderID]*working),
		open:      make(map[schema.ClientOrderID]*working),
	}
}

func (e *MatchingEngine) InstrumentID() schema.InstrumentID { return e.inst.Name }
func (e *MatchingEngine) Status() schema.MarketStatus       { return e.status }
func (e *MatchingEngine) Bid() schema.Price                 { return e.bid }
func (e *MatchingEngine) Ask() schema.Price                 { return e.ask }
func (e *MatchingEngine) Last() schema.Price                { return e.last }
func (e *MatchingEngine) Book() market.OrderBook            { return e.book.Clone() }

// Order returns the venue copy of an order, including closed ones.
func (e *MatchingEngine) Order(id schema.ClientOrderID) (*order.Order, bool) {
	w, ok := e.orders[id]
	if !ok {
		return nil, false
	}
	return w.o.Clone(), true
}

// OpenOrders returns the resting orders in matching priority.
func (e *MatchingEngine) OpenOrders() []*order.Order {
	ws := e.workingOrders()
	out := make([]*order.Order, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.o.Clone())
	}
	return out
}

// ProcessQuoteTick updates an L1 book and matches resting orders.
func (e *MatchingEngine) ProcessQuoteTick(q market.QuoteTick) {
	if e.cfg.BookType == market.BookL1 {
		e.book.ApplyQuote(q)
	}
	e.refreshTop()
	e.iterate()
}

// ProcessTradeTick records the last price, updates an L1 book and matches.
func (e *MatchingEngine) ProcessTradeTick(t market.TradeTick) {
	if t.Price <= 0 {
		return
	}
	e.last = t.Price
	if e.cfg.BookType == market.BookL1 {
		e.book.ApplyTrade(t)
	}
	e.refreshTop()
	e.iterate()
}

// ProcessOrderBook replaces an L2 book with the snapshot and matches.
func (e *MatchingEngine) ProcessOrderBook(b market.OrderBook) {
	if e.cfg.BookType != market.BookL2 {
		return
	}
	e.book = b.Clone()
	e.refreshTop()
	e.iterate()
}

func (e *MatchingEngine) refreshTop() {
	e.bid, e.ask = 0, 0
	if lvl, ok := e.book.BestBid(); ok {
		e.bid = lvl.Price
	}
	if lvl, ok := e.book.BestAsk(); ok {
		e.ask = lvl.Price
	}
}

// ProcessStatus moves the session state. Opening from PRE_OPEN or CLOSED runs
// the AT_THE_OPEN auction, closing runs the AT_THE_CLOSE auction and expires
// DAY orders.
func (e *MatchingEngine) ProcessStatus(action market.StatusAction) {
	prev := e.status
	switch action {
	case market.ActionPreOpen:
		if prev == schema.MarketStatusClosed {
			e.status = schema.MarketStatusPreOpen
		}
	case market.ActionTrading:
		if prev == schema.MarketStatusOpen {
			return
		}
		if prev == schema.MarketStatusClosed || prev == schema.MarketStatusPreOpen {
			e.runAuction(schema.TimeInForceAtTheOpen)
		}
		e.status = schema.MarketStatusOpen
	case market.ActionPause:
		if prev == schema.MarketStatusOpen {
			e.status = schema.MarketStatusPaused
		}
	case market.ActionSuspend:
		if prev == schema.MarketStatusOpen {
			e.status = schema.MarketStatusSuspended
		}
	case market.ActionHalt:
		if prev == schema.MarketStatusOpen {
			e.status = schema.MarketStatusHalted
		}
	case market.ActionClose:
		if prev == schema.MarketStatusClosed {
			return
		}
		e.runAuction(schema.TimeInForceAtTheClose)
		e.expireDay()
		e.status = schema.MarketStatusClosed
	}
	if e.status != prev {
		logs.Infof("engine: %s market status %s -> %s", e.inst.Name, prev, e.status)
		if e.status == schema.MarketStatusOpen {
			e.iterate()
		}
	}
}

// ProcessInstrumentClose cancels every open order and flattens the venue
// position at the close price. An expired contract stays closed.
func (e *MatchingEngine) ProcessInstrumentClose(c market.InstrumentClose) {
	if c.Type != market.CloseContractExpired && c.Type != market.CloseEndOfSession {
		return
	}
	for _, w := range e.workingOrders() {
		e.cancel(w, "instrument closed")
	}
	if net := e.positions.NetQty(e.inst.Name); net != 0 && c.ClosePrice > 0 {
		e.closePosition(net, c.ClosePrice)
	}
	if c.Type == market.CloseContractExpired {
		e.status = schema.MarketStatusClosed
	}
}

// ProcessOrder handles a newly submitted order. The order is copied; the
// caller's value is never touched.
func (e *MatchingEngine) ProcessOrder(o *order.Order, accountID schema.AccountID) {
	if _, ok := e.orders[o.ClientOrderID()]; ok {
		e.sink(order.OrderRejected{EventMeta: e.meta(o), AccountID: accountID, Reason: "order already exists"})
		return
	}
	if accountID == "" {
		accountID = e.cfg.AccountID
	}
	e.traderID = o.TraderID()
	e.seq++
	w := &working{o: o.Clone(), seq: e.seq}
	e.orders[o.ClientOrderID()] = w

	if reason, ok := e.validate(w.o); !ok {
		e.reject(w, accountID, reason)
		return
	}

	if tif := w.o.TimeInForce(); tif == schema.TimeInForceAtTheOpen || tif == schema.TimeInForceAtTheClose {
		e.processAuctionOrder(w, accountID)
		return
	}
	if w.o.TimeInForce() == schema.TimeInForceGTD && e.clock.Now() >= w.o.ExpireTime() {
		e.reject(w, accountID, fmt.Sprintf("GTD expire time %d already passed", w.o.ExpireTime()))
		return
	}

	switch w.o.Type() {
	case schema.OrderTypeMarket:
		e.processMarket(w, accountID)
	case schema.OrderTypeLimit:
		e.processLimit(w, accountID)
	case schema.OrderTypeStopMarket, schema.OrderTypeTrailingStopMarket:
		e.processStopMarket(w, accountID)
	case schema.OrderTypeStopLimit, schema.OrderTypeTrailingStopLimit:
		e.processStopLimit(w, accountID)
	case schema.OrderTypeMarketIfTouched:
		e.processMarketIfTouched(w, accountID)
	case schema.OrderTypeLimitIfTouched:
		e.processLimitIfTouched(w, accountID)
	default:
		e.reject(w, accountID, fmt.Sprintf("unsupported order type %s", w.o.Type()))
	}
}

func (e *MatchingEngine) validate(o *order.Order) (string, bool) {
	if !e.inst.ValidQuantity(o.Quantity()) {
		return fmt.Sprintf("invalid quantity %d for %s", o.Quantity(), e.inst.Name), false
	}
	if o.Type().HasPrice() && !e.inst.ValidPrice(o.Price()) {
		return fmt.Sprintf("invalid price %d for %s", o.Price(), e.inst.Name), false
	}
	if o.Type().HasTrigger() && !e.inst.ValidPrice(o.TriggerPrice()) {
		return fmt.Sprintf("invalid trigger price %d for %s", o.TriggerPrice(), e.inst.Name), false
	}
	if e.cfg.UseReduceOnly && o.IsReduceOnly() {
		net := e.positions.NetQty(e.inst.Name)
		if net == 0 || !o.WouldReducePosition(net) {
			return fmt.Sprintf("REDUCE_ONLY %s %s order would increase position", o.Type(), o.Side()), false
		}
	}
	return "", true
}

// processAuctionOrder rests an auction order until its phase comes round, an
// AT_THE_OPEN order received during trading waits for the next open.
func (e *MatchingEngine) processAuctionOrder(w *working, accountID schema.AccountID) {
	tif := w.o.TimeInForce()
	if w.o.Type() != schema.OrderTypeMarket && w.o.Type() != schema.OrderTypeLimit {
		e.reject(w, accountID, fmt.Sprintf("%s supports MARKET and LIMIT orders only", tif))
		return
	}
	w.auction = true
	e.accept(w, accountID)
}

func (e *MatchingEngine) processMarket(w *working, accountID schema.AccountID) {
	if e.status != schema.MarketStatusOpen {
		e.reject(w, accountID, fmt.Sprintf("market %s is %s", e.inst.Name, e.status))
		return
	}
	if e.sidePrice(w.o.Side()) == 0 {
		e.reject(w, accountID, fmt.Sprintf("no market for %s", e.inst.Name))
		return
	}
	e.setAccount(w, accountID)
	e.open[w.o.ClientOrderID()] = w
	e.fillMarket(w)
}

func (e *MatchingEngine) processLimit(w *working, accountID schema.AccountID) {
	o := w.o
	matched := e.canMatch() && matching.IsLimitMatched(o.Side(), o.Price(), e.bid, e.ask)
	if matched && o.IsPostOnly() {
		e.reject(w, accountID, fmt.Sprintf("POST_ONLY %s %s order limit px of %d would have been a TAKER: bid=%d, ask=%d",
			o.Type(), o.Side(), o.Price(), e.bid, e.ask))
		return
	}
	e.accept(w, accountID)
	if matched {
		e.fillLimit(w, schema.LiquidityTaker)
	}
	if !w.o.IsClosed() && isImmediate(w.o) {
		e.cancel(w, "")
	}
}

func (e *MatchingEngine) processStopMarket(w *working, accountID schema.AccountID) {
	o := w.o
	if e.canMatch() && matching.IsStopTriggered(o.Side(), o.TriggerPrice(), e.bid, e.ask) {
		if e.cfg.RejectStopOrders || o.Type().IsTrailing() {
			e.reject(w, accountID, e.inMarketReason(o, "stop"))
			return
		}
		e.setAccount(w, accountID)
		e.open[o.ClientOrderID()] = w
		w.triggered = true
		e.fillMarket(w)
		return
	}
	e.accept(w, accountID)
}

func (e *MatchingEngine) processStopLimit(w *working, accountID schema.AccountID) {
	o := w.o
	if e.canMatch() && matching.IsStopTriggered(o.Side(), o.TriggerPrice(), e.bid, e.ask) {
		if e.cfg.RejectStopOrders || o.Type().IsTrailing() {
			e.reject(w, accountID, e.inMarketReason(o, "stop"))
			return
		}
		e.accept(w, accountID)
		e.trigger(w)
		if matching.IsLimitMatched(o.Side(), o.Price(), e.bid, e.ask) {
			e.fillLimit(w, schema.LiquidityTaker)
		}
		return
	}
	e.accept(w, accountID)
}

func (e *MatchingEngine) processMarketIfTouched(w *working, accountID schema.AccountID) {
	o := w.o
	if e.canMatch() && matching.IsTouchTriggered(o.Side(), o.TriggerPrice(), e.bid, e.ask) {
		if e.cfg.RejectStopOrders {
			e.reject(w, accountID, e.inMarketReason(o, "trigger"))
			return
		}
		e.setAccount(w, accountID)
		e.open[o.ClientOrderID()] = w
		w.triggered = true
		e.fillMarket(w)
		return
	}
	e.accept(w, accountID)
}

func (e *MatchingEngine) processLimitIfTouched(w *working, accountID schema.AccountID) {
	o := w.o
	if e.canMatch() && matching.IsTouchTriggered(o.Side(), o.TriggerPrice(), e.bid, e.ask) {
		if e.cfg.RejectStopOrders {
			e.reject(w, accountID, e.inMarketReason(o, "trigger"))
			return
		}
		e.accept(w, accountID)
		e.trigger(w)
		if matching.IsLimitMatched(o.Side(), o.Price(), e.bid, e.ask) {
			e.fillLimit(w, schema.LiquidityTaker)
		}
		return
	}
	e.accept(w, accountID)
}

func (e *MatchingEngine) inMarketReason(o *order.Order, what string) string {
	return fmt.Sprintf("%s %s order %s px of %d was in the market: bid=%d, ask=%d",
		o.Type(), o.Side(), what, o.TriggerPrice(), e.bid, e.ask)
}

// ProcessModify amends a resting order. A limit moved through the market
// fills as taker; a trigger moved into the market is rejected.
func (e *MatchingEngine) ProcessModify(cmd exec.ModifyOrder) {
	w, ok := e.open[cmd.ClientOrderID]
	if !ok {
		e.sink(order.OrderModifyRejected{
			EventMeta:    e.commandMeta(cmd.CommandHeader, cmd.ClientOrderID),
			VenueOrderID: cmd.VenueOrderID,
			Reason:       fmt.Sprintf("order %s not found", cmd.ClientOrderID),
		})
		return
	}
	o := w.o
	qty := valueOr(cmd.Quantity, o.Quantity())
	price := valueOr(cmd.Price, o.Price())
	trigger := valueOr(cmd.TriggerPrice, o.TriggerPrice())
	if reason, ok := e.validateModify(w, qty, price, trigger); !ok {
		e.modifyRejected(w, reason)
		return
	}

	limitLive := o.Type() == schema.OrderTypeLimit || (o.Type().HasPrice() && w.triggered)
	switch {
	case limitLive:
		matched := e.canMatch() && matching.IsLimitMatched(o.Side(), price, e.bid, e.ask)
		if matched && o.IsPostOnly() {
			e.modifyRejected(w, fmt.Sprintf("POST_ONLY %s %s order with new limit px of %d would have been a TAKER: bid=%d, ask=%d",
				o.Type(), o.Side(), price, e.bid, e.ask))
			return
		}
		e.update(w, qty, price, trigger)
		if matched {
			e.fillLimit(w, schema.LiquidityTaker)
		}
	case o.Type().HasTrigger() && !w.triggered:
		if e.canMatch() && e.triggerHit(o.Type(), o.Side(), trigger) {
			e.modifyRejected(w, fmt.Sprintf("%s %s order new trigger px of %d was in the market: bid=%d, ask=%d",
				o.Type(), o.Side(), trigger, e.bid, e.ask))
			return
		}
		e.update(w, qty, price, trigger)
	default:
		e.update(w, qty, price, trigger)
	}
}

func (e *MatchingEngine) validateModify(w *working, qty schema.Quantity, price, trigger schema.Price) (string, bool) {
	o := w.o
	if w.auction && (price != o.Price() || trigger != o.TriggerPrice()) {
		return fmt.Sprintf("cannot reprice %s order", o.TimeInForce()), false
	}
	if qty <= o.FilledQty() {
		return fmt.Sprintf("modified quantity %d not above filled quantity %d", qty, o.FilledQty()), false
	}
	if !e.inst.ValidQuantity(qty) {
		return fmt.Sprintf("invalid quantity %d for %s", qty, e.inst.Name), false
	}
	if o.Type().HasPrice() && !e.inst.ValidPrice(price) {
		return fmt.Sprintf("invalid price %d for %s", price, e.inst.Name), false
	}
	if o.Type().HasTrigger() && !e.inst.ValidPrice(trigger) {
		return fmt.Sprintf("invalid trigger price %d for %s", trigger, e.inst.Name), false
	}
	return "", true
}

func (e *MatchingEngine) triggerHit(t schema.OrderType, side schema.OrderSide, trigger schema.Price) bool {
	if t == schema.OrderTypeMarketIfTouched || t == schema.OrderTypeLimitIfTouched {
		return matching.IsTouchTriggered(side, trigger, e.bid, e.ask)
	}
	return matching.IsStopTriggered(side, trigger, e.bid, e.ask)
}

// ProcessCancel cancels one resting order.
func (e *MatchingEngine) ProcessCancel(cmd exec.CancelOrder) {
	w, ok := e.open[cmd.ClientOrderID]
	if !ok {
		e.sink(order.OrderCancelRejected{
			EventMeta:    e.commandMeta(cmd.CommandHeader, cmd.ClientOrderID),
			VenueOrderID: cmd.VenueOrderID,
			Reason:       fmt.Sprintf("order %s not found", cmd.ClientOrderID),
		})
		return
	}
	e.cancel(w, cmd.Reason)
}

// ProcessCancelAll cancels the resting orders of one side, or both when side is zero.
func (e *MatchingEngine) ProcessCancelAll(side schema.OrderSide) {
	for _, w := range e.workingOrders() {
		if side != 0 && w.o.Side() != side {
			continue
		}
		e.cancel(w, "cancel all")
	}
}

func (e *MatchingEngine) ProcessBatchCancel(cmd exec.BatchCancelOrders) {
	for _, c := range cmd.Cancels {
		e.ProcessCancel(c)
	}
}

func (e *MatchingEngine) canMatch() bool {
	return e.status == schema.MarketStatusOpen
}

// iterate expires GTD orders and matches every resting order in price-time
// priority against the current top of book.
func (e *MatchingEngine) iterate() {
	now := e.clock.Now()
	for _, w := range e.workingOrders() {
		if w.o.IsClosed() {
			continue
		}
		if w.o.TimeInForce() == schema.TimeInForceGTD && now >= w.o.ExpireTime() {
			e.expire(w)
			continue
		}
		if w.auction || !e.canMatch() {
			continue
		}
		e.match(w)
	}
}

func (e *MatchingEngine) match(w *working) {
	o := w.o
	switch o.Type() {
	case schema.OrderTypeMarket:
		e.fillMarket(w)
	case schema.OrderTypeLimit:
		if matching.IsLimitMatched(o.Side(), o.Price(), e.bid, e.ask) {
			e.fillLimit(w, schema.LiquidityMaker)
		}
	case schema.OrderTypeStopMarket, schema.OrderTypeTrailingStopMarket:
		if !w.triggered {
			e.trail(w)
			if !matching.IsStopTriggered(o.Side(), o.TriggerPrice(), e.bid, e.ask) {
				return
			}
			w.triggered = true
		}
		e.fillMarket(w)
	case schema.OrderTypeMarketIfTouched:
		if !w.triggered {
			if !matching.IsTouchTriggered(o.Side(), o.TriggerPrice(), e.bid, e.ask) {
				return
			}
			w.triggered = true
		}
		e.fillMarket(w)
	case schema.OrderTypeStopLimit, schema.OrderTypeTrailingStopLimit, schema.OrderTypeLimitIfTouched:
		liquidity := schema.LiquidityMaker
		if !w.triggered {
			e.trail(w)
			if !e.triggerHit(o.Type(), o.Side(), o.TriggerPrice()) {
				return
			}
			e.trigger(w)
			liquidity = schema.LiquidityTaker
		}
		if matching.IsLimitMatched(o.Side(), o.Price(), e.bid, e.ask) {
			e.fillLimit(w, liquidity)
		}
	}
}

func (e *MatchingEngine) trail(w *working) {
	o := w.o
	if !o.Type().IsTrailing() {
		return
	}
	trigger, price, moved := matching.TrailingStop(o.Side(), o.Type(), o.TriggerPrice(), o.Price(),
		o.TrailingOffset(), o.LimitOffset(), e.bid, e.ask)
	if moved {
		e.update(w, o.Quantity(), price, trigger)
	}
}

// fillMarket takes liquidity for the leaves quantity. An L1 book that runs out
// fills the remainder one tick through the last price; an L2 book that runs out
// cancels a MARKET remainder and leaves a triggered order resting.
func (e *MatchingEngine) fillMarket(w *working) {
	o := w.o
	side := o.Side()
	top := e.sidePrice(side)
	if top == 0 {
		if o.Status() == order.StatusSubmitted {
			e.reject(w, o.AccountID(), fmt.Sprintf("no market for %s", e.inst.Name))
		}
		return
	}
	if o.TimeInForce() == schema.TimeInForceFOK && e.cfg.BookType == market.BookL2 &&
		e.book.Available(side, 0) < o.LeavesQty() {
		e.cancel(w, "")
		return
	}
	fills := e.book.Consume(side, o.LeavesQty(), 0)
	if e.cfg.BookType == market.BookL1 {
		for i := range fills {
			if e.fills.isSlipped() {
				fills[i].Price = e.slip(side, fills[i].Price)
			}
		}
	}
	lastPx := top
	if len(fills) > 0 {
		lastPx = fills[len(fills)-1].Price
	}
	e.applyFills(w, fills, schema.LiquidityTaker)
	if o.IsClosed() {
		return
	}
	switch {
	case e.cfg.BookType == market.BookL1:
		e.applyFills(w, []market.Level{{Price: e.slip(side, lastPx), Size: o.LeavesQty()}}, schema.LiquidityTaker)
	case o.Type() == schema.OrderTypeMarket:
		e.cancel(w, "no more liquidity")
		return
	}
	if !o.IsClosed() && isImmediate(o) {
		e.cancel(w, "")
	}
}

// fillLimit fills up to the displayed liquidity at or better than the limit.
// Makers fill at their own price and, when the market only touches it, subject
// to the fill model.
func (e *MatchingEngine) fillLimit(w *working, liquidity schema.LiquiditySide) {
	o := w.o
	side := o.Side()
	if liquidity == schema.LiquidityMaker && e.sidePrice(side) == o.Price() && !e.fills.isLimitFilled() {
		return
	}
	if o.TimeInForce() == schema.TimeInForceFOK && e.book.Available(side, o.Price()) < o.LeavesQty() {
		e.cancel(w, "")
		return
	}
	fills := e.book.Consume(side, o.LeavesQty(), o.Price())
	if liquidity == schema.LiquidityMaker {
		for i := range fills {
			fills[i].Price = o.Price()
		}
	}
	e.applyFills(w, fills, liquidity)
	if !o.IsClosed() && isImmediate(o) {
		e.cancel(w, "")
	}
}

func (e *MatchingEngine) applyFills(w *working, fills []market.Level, liquidity schema.LiquiditySide) {
	o := w.o
	for _, f := range fills {
		if o.IsClosed() {
			return
		}
		qty := min(f.Size, o.LeavesQty())
		if qty <= 0 {
			continue
		}
		if e.cfg.UseReduceOnly && o.IsReduceOnly() {
			net := e.positions.NetQty(e.inst.Name)
			if net == 0 || !o.WouldReducePosition(net) {
				e.cancel(w, "reduce only position closed")
				return
			}
			if allowed := absQty(net); qty > allowed {
				e.update(w, o.FilledQty()+allowed, o.Price(), o.TriggerPrice())
				qty = allowed
			}
		}
		e.fill(w, f.Price, qty, liquidity)
	}
}

func (e *MatchingEngine) fill(w *working, px schema.Price, qty schema.Quantity, liquidity schema.LiquiditySide) {
	o := w.o
	ev := order.OrderFilled{
		EventMeta:     e.meta(o),
		VenueOrderID:  e.venueOrderID(w),
		AccountID:     o.AccountID(),
		TradeID:       e.nextTradeID(),
		PositionID:    o.PositionID(),
		Side:          o.Side(),
		OrderType:     o.Type(),
		LastQty:       qty,
		LastPx:        px,
		Commission:    e.fees.Commission(o, qty, px, e.inst, liquidity),
		LiquiditySide: liquidity,
	}
	e.positions.ApplyFill(ev)
	e.emit(w, ev)
}

func (e *MatchingEngine) runAuction(tif schema.TimeInForce) {
	for _, w := range e.workingOrders() {
		if !w.auction || w.o.TimeInForce() != tif {
			continue
		}
		o := w.o
		fills := e.book.Consume(o.Side(), o.LeavesQty(), o.Price())
		e.applyFills(w, fills, schema.LiquidityTaker)
		if !o.IsClosed() {
			e.cancel(w, fmt.Sprintf("%s auction remainder", tif))
		}
	}
}

func (e *MatchingEngine) expireDay() {
	for _, w := range e.workingOrders() {
		if w.o.TimeInForce() == schema.TimeInForceDay {
			e.expire(w)
		}
	}
}

// closePosition flattens the venue position with a reduce-only market order
// the venue creates itself.
func (e *MatchingEngine) closePosition(net schema.Quantity, px schema.Price) {
	e.closeSeq++
	side := schema.OrderSideSell
	if net < 0 {
		side = schema.OrderSideBuy
	}
	now := e.clock.Now()
	o, err := order.New(order.Init{
		TraderID:      e.traderID,
		StrategyID:    "EXTERNAL",
		InstrumentID:  e.inst.Name,
		ClientOrderID: schema.ClientOrderID(fmt.Sprintf("%s-%d-CLOSE-%03d", e.cfg.Venue, e.inst.ID, e.closeSeq)),
		Side:          side,
		Type:          schema.OrderTypeMarket,
		Quantity:      absQty(net),
		TimeInForce:   schema.TimeInForceIOC,
		ReduceOnly:    true,
		TsInit:        now,
	})
	if err != nil {
		logs.Errorf("engine: build close order for %s, err: %+v", e.inst.Name, err)
		return
	}
	e.seq++
	w := &working{o: o, seq: e.seq}
	e.orders[o.ClientOrderID()] = w
	e.open[o.ClientOrderID()] = w
	e.sink(o.LastEvent())
	e.emit(w, order.OrderSubmitted{EventMeta: e.meta(o), AccountID: e.cfg.AccountID})
	e.emit(w, order.OrderAccepted{EventMeta: e.meta(o), VenueOrderID: e.venueOrderID(w), AccountID: e.cfg.AccountID})
	e.fill(w, px, o.LeavesQty(), schema.LiquidityTaker)
}

func (e *MatchingEngine) setAccount(w *working, accountID schema.AccountID) {
	if w.o.AccountID() != "" {
		return
	}
	// The venue copy learns its account the way the canonical order does.
	if w.o.Status() == order.StatusInitialized || w.o.Status() == order.StatusReleased {
		e.applyLocal(w, order.OrderSubmitted{EventMeta: e.meta(w.o), AccountID: accountID})
	}
}

func (e *MatchingEngine) accept(w *working, accountID schema.AccountID) {
	e.setAccount(w, accountID)
	e.open[w.o.ClientOrderID()] = w
	e.emit(w, order.OrderAccepted{EventMeta: e.meta(w.o), VenueOrderID: e.venueOrderID(w), AccountID: accountID})
}

func (e *MatchingEngine) reject(w *working, accountID schema.AccountID, reason string) {
	logs.Debugf("engine: reject %s: %s", w.o.ClientOrderID(), reason)
	e.setAccount(w, accountID)
	e.emit(w, order.OrderRejected{EventMeta: e.meta(w.o), AccountID: accountID, Reason: reason})
}

func (e *MatchingEngine) trigger(w *working) {
	w.triggered = true
	e.emit(w, order.OrderTriggered{EventMeta: e.meta(w.o), VenueOrderID: e.venueOrderID(w)})
}

func (e *MatchingEngine) update(w *working, qty schema.Quantity, price, trigger schema.Price) {
	o := w.o
	if !o.Type().HasPrice() {
		price = 0
	}
	if !o.Type().HasTrigger() {
		trigger = 0
	}
	if price != o.Price() {
		e.seq++
		w.seq = e.seq
	}
	e.emit(w, order.OrderUpdated{
		EventMeta:    e.meta(o),
		VenueOrderID: e.venueOrderID(w),
		Quantity:     qty,
		Price:        price,
		TriggerPrice: trigger,
	})
}

func (e *MatchingEngine) modifyRejected(w *working, reason string) {
	e.sink(order.OrderModifyRejected{EventMeta: e.meta(w.o), VenueOrderID: e.venueOrderID(w), Reason: reason})
}

func (e *MatchingEngine) cancel(w *working, reason string) {
	e.emit(w, order.OrderCanceled{EventMeta: e.meta(w.o), VenueOrderID: e.venueOrderID(w), Reason: reason})
}

func (e *MatchingEngine) expire(w *working) {
	e.emit(w, order.OrderExpired{EventMeta: e.meta(w.o), VenueOrderID: e.venueOrderID(w)})
}

// emit applies ev to the venue copy and hands it to the sink.
func (e *MatchingEngine) emit(w *working, ev order.Event) {
	e.applyLocal(w, ev)
	e.sink(ev)
}

func (e *MatchingEngine) applyLocal(w *working, ev order.Event) {
	if err := w.o.Apply(ev); err != nil {
		logs.Debugf("engine: venue copy of %s ignores %s: %v", w.o.ClientOrderID(), ev.Kind(), err)
	}
	if w.o.IsClosed() {
		delete(e.open, w.o.ClientOrderID())
	}
}

func (e *MatchingEngine) meta(o *order.Order) order.EventMeta {
	return order.NewMeta(o, e.clock.Now())
}

func (e *MatchingEngine) commandMeta(h exec.CommandHeader, id schema.ClientOrderID) order.EventMeta {
	meta := order.EventMeta{
		TraderID:      h.TraderID,
		StrategyID:    h.StrategyID,
		InstrumentID:  e.inst.Name,
		ClientOrderID: id,
		TsEvent:       e.clock.Now(),
		TsInit:        e.clock.Now(),
	}
	if w, ok := e.orders[id]; ok {
		meta = e.meta(w.o)
	}
	return meta
}

func (e *MatchingEngine) venueOrderID(w *working) schema.VenueOrderID {
	if id := w.o.VenueOrderID(); id != "" {
		return id
	}
	e.orderSeq++
	id := schema.VenueOrderID(fmt.Sprintf("%s-%d-%03d", e.cfg.Venue, e.inst.ID, e.orderSeq))
	return id
}

func (e *MatchingEngine) nextTradeID() schema.TradeID {
	e.tradeSeq++
	return schema.TradeID(fmt.Sprintf("%s-%d-T%03d", e.cfg.Venue, e.inst.ID, e.tradeSeq))
}

// sidePrice is the best price an order of side would trade against.
func (e *MatchingEngine) sidePrice(side schema.OrderSide) schema.Price {
	if side == schema.OrderSideBuy {
		return e.ask
	}
	return e.bid
}

func (e *MatchingEngine) slip(side schema.OrderSide, px schema.Price) schema.Price {
	if side == schema.OrderSideBuy {
		return px + e.inst.Tick()
	}
	return max(px-e.inst.Tick(), e.inst.Tick())
}

// workingOrders returns the open orders, buys before sells, each side in
// price-time priority.
func (e *MatchingEngine) workingOrders() []*working {
	out := make([]*working, 0, len(e.open))
	for _, w := range e.open {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b *working) int {
		if a.o.Side() != b.o.Side() {
			return cmp.Compare(a.o.Side(), b.o.Side())
		}
		if pa, pb := a.priorityPrice(), b.priorityPrice(); pa != pb {
			if a.o.Side() == schema.OrderSideBuy {
				return cmp.Compare(pb, pa)
			}
			return cmp.Compare(pa, pb)
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func isImmediate(o *order.Order) bool {
	return o.TimeInForce() == schema.TimeInForceIOC || o.TimeInForce() == schema.TimeInForceFOK
}

func valueOr[T ~int64](v, fallback T) T {
	if v != 0 {
		return v
	}
	return fallback
}

func absQty(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}
