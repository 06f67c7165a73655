// Package emulator holds orders with an emulation trigger locally until the
// market satisfies their trigger, then releases them to the execution engine.
// It also maintains the OTO, OCO and OUO links between orders.
package emulator

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"ordercore/internal/bus"
	"ordercore/internal/cache"
	"ordercore/internal/clock"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/matching"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// OrderSink applies local order events. Implemented by exec.Engine.
type OrderSink interface {
	Apply(ev order.Event) (*order.Order, bool)
}

type Emulator struct {
	cache *cache.Cache
	bus   bus.Bus
	sink  OrderSink
	clock clock.Clock

	cores    map[schema.InstrumentID]*matching.Core
	commands map[schema.ClientOrderID]exec.SubmitOrder
}

func New(c *cache.Cache, b bus.Bus, sink OrderSink, clk clock.Clock) *Emulator {
	return &Emulator{
		cache:    c,
		bus:      b,
		sink:     sink,
		clock:    clk,
		cores:    make(map[schema.InstrumentID]*matching.Core),
		commands: make(map[schema.ClientOrderID]exec.SubmitOrder),
	}
}

// Register binds the emulator to bus.EndpointEmulator and the order event topic.
func (e *Emulator) Register() {
	e.bus.Register(bus.EndpointEmulator, e.Execute)
	e.bus.Subscribe(bus.TopicOrderEvents, e.OnEvent)
}

// Start rebuilds the cores from the cached orders that are still held locally.
// Calling it again does not add or submit anything twice.
func (e *Emulator) Start() {
	var emulated, held, released int
	for _, o := range e.cache.OrdersActiveLocal("") {
		id := o.ClientOrderID()
		switch {
		case o.IsEmulated():
			if c := e.core(o.InstrumentID()); !c.OrderExists(id) {
				if err := c.AddOrder(o); err != nil {
					logs.Errorf("emulator: restore %s: %v", id, err)
					continue
				}
			}
			if _, ok := e.commands[id]; !ok {
				e.commands[id] = exec.NewSubmitOrder(o, o.TsInit())
			}
			emulated++
		case e.parentClosedUnfilled(o):
			e.cancelLocal(o, fmt.Sprintf("parent %s closed", o.ParentOrderID()))
		case e.isHeld(o):
			if _, ok := e.commands[id]; !ok {
				e.commands[id] = exec.NewSubmitOrder(o, o.TsInit())
			}
			held++
		default:
			// Parent already filled, or the process stopped before the
			// order left INITIALIZED.
			e.releaseChild(o)
			released++
		}
	}
	logs.Infof("emulator: started with %d emulated, %d held, %d released", emulated, held, released)
}

// Core returns the core of an instrument if it holds any order.
func (e *Emulator) Core(id schema.InstrumentID) (*matching.Core, bool) {
	c, ok := e.cores[id]
	return c, ok
}

// Cores returns the active cores ordered by instrument.
func (e *Emulator) Cores() []*matching.Core {
	out := slices.Collect(maps.Values(e.cores))
	slices.SortFunc(out, func(a, b *matching.Core) int { return cmp.Compare(a.InstrumentID(), b.InstrumentID()) })
	return out
}

// SubmitCommands returns the recorded submit commands of the orders still
// held locally.
func (e *Emulator) SubmitCommands() map[schema.ClientOrderID]exec.SubmitOrder {
	return maps.Clone(e.commands)
}

func (e *Emulator) core(id schema.InstrumentID) *matching.Core {
	c, ok := e.cores[id]
	if !ok {
		c = matching.NewCore(id)
		e.cores[id] = c
	}
	return c
}

func (e *Emulator) forget(o *order.Order) {
	delete(e.commands, o.ClientOrderID())
	c, ok := e.cores[o.InstrumentID()]
	if !ok {
		return
	}
	c.DeleteOrder(o.ClientOrderID())
	if c.Len() == 0 {
		delete(e.cores, o.InstrumentID())
	}
}

// Execute handles a command sent to bus.EndpointEmulator.
func (e *Emulator) Execute(msg any) {
	switch cmd := msg.(type) {
	case exec.SubmitOrder:
		e.SubmitOrder(cmd)
	case exec.SubmitOrderList:
		e.SubmitOrderList(cmd)
	case exec.ModifyOrder:
		e.ModifyOrder(cmd)
	case exec.CancelOrder:
		e.CancelOrder(cmd)
	case exec.CancelAllOrders:
		e.CancelAll(cmd)
	default:
		logs.Warnf("emulator: unsupported command %T", msg)
	}
}

func (e *Emulator) now() int64 { return e.clock.Now() }

func (e *Emulator) send(cmd exec.Command) {
	if err := e.bus.Send(bus.EndpointExec, cmd); err != nil {
		logs.Errorf("emulator: send %s: %v", cmd.Kind(), err)
	}
}

// apply applies a local event and keeps the core view in step.
func (e *Emulator) apply(ev order.Event) (*order.Order, bool) {
	o, ok := e.sink.Apply(ev)
	if ok {
		e.sync(o)
	}
	return o, ok
}

func (e *Emulator) sync(o *order.Order) {
	c, ok := e.cores[o.InstrumentID()]
	if !ok || !c.OrderExists(o.ClientOrderID()) {
		if o.IsClosed() {
			delete(e.commands, o.ClientOrderID())
		}
		return
	}
	if !o.IsEmulated() {
		e.forget(o)
		return
	}
	if err := c.UpdateOrder(o); err != nil {
		logs.Warnf("emulator: update %s: %v", o.ClientOrderID(), err)
	}
}

func (e *Emulator) latest(o *order.Order) *order.Order {
	if cached, ok := e.cache.Order(o.ClientOrderID()); ok {
		return cached
	}
	return o
}

// SubmitOrder sends orders without an emulation trigger to the execution
// engine and holds the others.
func (e *Emulator) SubmitOrder(cmd exec.SubmitOrder) {
	if cmd.Order == nil {
		return
	}
	o := e.latest(cmd.Order)
	if o.EmulationTrigger() == schema.TriggerNone {
		e.send(cmd)
		return
	}
	e.emulate(o, cmd)
}

func (e *Emulator) emulate(o *order.Order, cmd exec.SubmitOrder) {
	id := o.ClientOrderID()
	if o.Status() == order.StatusInitialized {
		var ok bool
		if o, ok = e.sink.Apply(order.OrderEmulated{EventMeta: order.NewMeta(o, e.now())}); !ok {
			return
		}
	}
	if err := e.core(o.InstrumentID()).AddOrder(o); err != nil {
		logs.Warnf("emulator: hold %s: %v", id, err)
		return
	}
	cmd.Order = o.Clone()
	e.commands[id] = cmd
	logs.Debugf("emulator: holding %s %s on %s", o.Type(), id, o.EmulationTrigger())
}

// SubmitOrderList holds OTO children until their parent fills and submits
// the other orders one by one.
func (e *Emulator) SubmitOrderList(cmd exec.SubmitOrderList) {
	for _, in := range cmd.Orders {
		o := e.latest(in)
		if e.isHeld(o) {
			e.commands[o.ClientOrderID()] = exec.SubmitOrder{CommandHeader: cmd.CommandHeader, Order: o.Clone()}
			continue
		}
		e.SubmitOrder(exec.SubmitOrder{CommandHeader: cmd.CommandHeader, Order: o})
	}
}

// isHeld reports whether o is an OTO child whose parent has not filled yet.
func (e *Emulator) isHeld(o *order.Order) bool {
	if o.Status() != order.StatusInitialized || o.ParentOrderID() == "" {
		return false
	}
	parent, ok := e.cache.Order(o.ParentOrderID())
	if !ok || parent.Contingency() != schema.ContingencyOTO {
		return false
	}
	return parent.FilledQty() == 0
}

func (e *Emulator) parentClosedUnfilled(o *order.Order) bool {
	if o.ParentOrderID() == "" {
		return false
	}
	parent, ok := e.cache.Order(o.ParentOrderID())
	return ok && parent.Contingency() == schema.ContingencyOTO && parent.IsClosed() && parent.FilledQty() == 0
}

// ModifyOrder updates a locally held order in place. Orders at the venue go
// to the execution engine.
func (e *Emulator) ModifyOrder(cmd exec.ModifyOrder) {
	o, ok := e.cache.Order(cmd.ClientOrderID)
	if !ok {
		logs.Warnf("emulator: modify unknown order %s", cmd.ClientOrderID)
		return
	}
	if !o.IsActiveLocal() {
		e.send(cmd)
		return
	}
	if !cmd.Changes(o) {
		return
	}
	e.apply(order.OrderUpdated{
		EventMeta: order.NewMeta(o, e.now()), Quantity: cmd.Quantity, Price: cmd.Price, TriggerPrice: cmd.TriggerPrice,
	})
}

func (e *Emulator) CancelOrder(cmd exec.CancelOrder) {
	o, ok := e.cache.Order(cmd.ClientOrderID)
	if !ok {
		logs.Warnf("emulator: cancel unknown order %s", cmd.ClientOrderID)
		return
	}
	if !o.IsActiveLocal() {
		e.send(cmd)
		return
	}
	e.cancelLocal(o, cmd.Reason)
}

// CancelAll cancels the matching local orders, then forwards the command so
// the venue orders are canceled too.
func (e *Emulator) CancelAll(cmd exec.CancelAllOrders) {
	local := e.cache.Orders(cache.Filter{
		InstrumentID: cmd.InstrumentID,
		StrategyID:   cmd.StrategyID,
		Side:         cmd.Side,
		Match:        (*order.Order).IsActiveLocal,
	})
	for _, o := range local {
		e.cancelLocal(o, "cancel all")
	}
	e.send(cmd)
}

func (e *Emulator) cancelLocal(o *order.Order, reason string) {
	e.forget(o)
	e.apply(order.OrderCanceled{EventMeta: order.NewMeta(o, e.now()), Reason: reason})
}

func (e *Emulator) OnQuoteTick(q market.QuoteTick) {
	if c, ok := e.cores[q.InstrumentID]; ok {
		e.handle(c.ProcessQuoteTick(q))
	}
}

func (e *Emulator) OnTradeTick(t market.TradeTick) {
	if c, ok := e.cores[t.InstrumentID]; ok {
		e.handle(c.ProcessTradeTick(t))
	}
}

func (e *Emulator) OnOrderBook(b market.OrderBook) {
	if c, ok := e.cores[b.InstrumentID]; ok {
		e.handle(c.ProcessOrderBook(b))
	}
}

func (e *Emulator) handle(res matching.Result) {
	for _, m := range res.Moved {
		o, ok := e.cache.Order(m.ClientOrderID)
		if !ok || !o.IsEmulated() {
			continue
		}
		e.apply(order.OrderUpdated{EventMeta: order.NewMeta(o, e.now()), Price: m.Price, TriggerPrice: m.TriggerPrice})
	}
	for _, t := range res.Triggered {
		o, ok := e.cache.Order(t.ClientOrderID)
		if !ok || !o.IsEmulated() {
			continue
		}
		e.release(o, t.MarketPrice)
	}
}

// release transforms a triggered order into the kind it is submitted as and
// sends it to the execution engine.
func (e *Emulator) release(o *order.Order, px schema.Price) {
	e.forget(o)
	o, ok := e.apply(order.OrderReleased{EventMeta: order.NewMeta(o, e.now()), ReleasedPrice: px})
	if !ok {
		return
	}
	logs.Debugf("emulator: released %s as %s at %d", o.ClientOrderID(), o.Type(), px)
	e.send(exec.NewSubmitOrder(o, e.now()))
}

// releaseChild makes an OTO child live once its parent filled.
func (e *Emulator) releaseChild(o *order.Order) {
	cmd, ok := e.commands[o.ClientOrderID()]
	if !ok {
		cmd = exec.NewSubmitOrder(o, e.now())
	}
	cmd.Order = o.Clone()
	delete(e.commands, o.ClientOrderID())
	if o.EmulationTrigger() != schema.TriggerNone {
		e.emulate(o, cmd)
		return
	}
	e.send(cmd)
}

// OnEvent maintains the contingencies of published order events.
func (e *Emulator) OnEvent(msg any) {
	ev, ok := msg.(order.Event)
	if !ok {
		return
	}
	o, ok := e.cache.Order(ev.Meta().ClientOrderID)
	if !ok {
		return
	}
	e.sync(o)
	switch ev := ev.(type) {
	case order.OrderFilled:
		e.onFilled(o, ev)
	case order.OrderDenied, order.OrderRejected, order.OrderCanceled, order.OrderExpired:
		e.onClosed(o)
	case order.OrderUpdated:
		e.onUpdated(o, ev)
	}
}

func (e *Emulator) linked(o *order.Order) []*order.Order {
	var out []*order.Order
	for _, id := range o.LinkedOrderIDs() {
		if id == o.ClientOrderID() {
			continue
		}
		other, ok := e.cache.Order(id)
		if !ok {
			logs.Warnf("emulator: %s links to unknown order %s", o.ClientOrderID(), id)
			continue
		}
		if other.IsClosed() {
			continue
		}
		out = append(out, other)
	}
	return out
}

func (e *Emulator) onClosed(o *order.Order) {
	switch o.Contingency() {
	case schema.ContingencyOTO:
		if o.FilledQty() > 0 {
			return
		}
		for _, child := range e.linked(o) {
			e.cancelLinked(child, fmt.Sprintf("parent %s %s", o.ClientOrderID(), o.Status()))
		}
	case schema.ContingencyOCO, schema.ContingencyOUO:
		for _, other := range e.linked(o) {
			e.cancelLinked(other, fmt.Sprintf("%s %s %s", o.Contingency(), o.ClientOrderID(), o.Status()))
		}
	}
}

func (e *Emulator) onFilled(o *order.Order, f order.OrderFilled) {
	switch o.Contingency() {
	case schema.ContingencyOTO:
		e.onParentFilled(o, f)
	case schema.ContingencyOCO:
		for _, other := range e.linked(o) {
			e.cancelLinked(other, fmt.Sprintf("OCO %s filled", o.ClientOrderID()))
		}
	case schema.ContingencyOUO:
		// siblings follow the leaves of the filled order
		leaves := o.LeavesQty()
		for _, other := range e.linked(o) {
			if o.IsClosed() || leaves <= other.FilledQty() {
				e.cancelLinked(other, fmt.Sprintf("OUO %s filled", o.ClientOrderID()))
				continue
			}
			if other.Quantity() != leaves {
				e.modifyQuantity(other, leaves, false)
			}
		}
	}
}

// onParentFilled converts quote quantities, syncs the children to the filled
// quantity and releases the children still held.
func (e *Emulator) onParentFilled(parent *order.Order, f order.OrderFilled) {
	inst, hasInst := e.cache.Instrument(parent.InstrumentID())
	for _, child := range e.linked(parent) {
		if child.ParentOrderID() != parent.ClientOrderID() {
			continue
		}
		switch {
		case child.IsQuoteQuantity() && hasInst:
			px := child.Price()
			if px == 0 {
				px = child.TriggerPrice()
			}
			if px == 0 {
				px = f.LastPx
			}
			if qty := baseQuantity(inst, child.Quantity(), px); qty > 0 {
				child = e.modifyQuantity(child, qty, true)
			}
		case child.FilledQty() == 0 && child.Quantity() != parent.FilledQty():
			child = e.modifyQuantity(child, parent.FilledQty(), false)
		}
		if child.Status() == order.StatusInitialized {
			e.releaseChild(child)
		}
	}
}

// onUpdated gives OTO children and OCO siblings the new quantity.
func (e *Emulator) onUpdated(o *order.Order, u order.OrderUpdated) {
	if u.Quantity == 0 || u.QuoteConverted {
		return
	}
	switch o.Contingency() {
	case schema.ContingencyOTO:
		if o.FilledQty() > 0 {
			return
		}
	case schema.ContingencyOCO:
	default:
		return
	}
	for _, other := range e.linked(o) {
		if other.Quantity() != o.Quantity() && other.FilledQty() == 0 {
			e.modifyQuantity(other, o.Quantity(), false)
		}
	}
}

// modifyQuantity changes a local order in place and asks the venue for the
// others. It returns the order as known after the change.
func (e *Emulator) modifyQuantity(o *order.Order, qty schema.Quantity, quoteConverted bool) *order.Order {
	if o.IsActiveLocal() {
		updated, ok := e.apply(order.OrderUpdated{EventMeta: order.NewMeta(o, e.now()), Quantity: qty, QuoteConverted: quoteConverted})
		if !ok {
			return o
		}
		return updated
	}
	if o.Status() == order.StatusPendingCancel {
		return o
	}
	e.send(exec.NewModifyOrder(o, qty, 0, 0, e.now()))
	return o
}

func (e *Emulator) cancelLinked(o *order.Order, reason string) {
	switch {
	case o.IsClosed(), o.Status() == order.StatusPendingCancel:
	case o.IsActiveLocal():
		e.cancelLocal(o, reason)
	default:
		e.send(exec.NewCancelOrder(o, reason, e.now()))
	}
}

// baseQuantity converts a quote amount to a base quantity at px, rounded down
// to the size increment.
func baseQuantity(inst schema.Instrument, quote schema.Quantity, px schema.Price) schema.Quantity {
	if px <= 0 {
		return 0
	}
	scale := inst.Scale
	amount := decimal.New(int64(quote), -int32(scale.QuantityScale))
	price := decimal.New(int64(px), -int32(scale.PriceScale))
	base := amount.Div(price).Shift(int32(scale.QuantityScale)).Floor().IntPart()
	return inst.RoundQuantity(schema.Quantity(base))
}
