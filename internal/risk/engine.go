// Package risk runs pre-trade checks on trading commands and routes the
// commands that pass to the emulator or the execution engine.
package risk

import (
	"fmt"
	"time"

	"github.com/yanun0323/logs"

	"ordercore/internal/bus"
	"ordercore/internal/cache"
	"ordercore/internal/clock"
	"ordercore/internal/exec"
	"ordercore/internal/obs"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Config defines the pre-trade limits. Zero disables a limit.
type Config struct {
	KillSwitch           bool            `json:"killSwitch"`
	MaxOrderQty          schema.Quantity `json:"maxOrderQty"`
	MaxOrderNotional     schema.Notional `json:"maxOrderNotional"`
	MaxPosition          schema.Quantity `json:"maxPosition"`
	OrderRateLimit       int             `json:"orderRateLimit"`
	OrderRateWindow      time.Duration   `json:"orderRateWindow"`
	MaxPriceDeviationBps int64           `json:"maxPriceDeviationBps"`
}

// OrderSink creates orders and applies local events. Implemented by exec.Engine.
type OrderSink interface {
	AddOrder(o *order.Order) error
	AddOrderList(l order.List) error
	Apply(ev order.Event) (*order.Order, bool)
}

// Decision is the outcome of the checks for one order.
type Decision struct {
	Action schema.RiskAction
	Reason schema.RiskReason
	Detail string
}

func allow() Decision { return Decision{Action: schema.RiskActionAllow} }

func deny(reason schema.RiskReason, format string, args ...any) Decision {
	return Decision{Action: schema.RiskActionDeny, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Message returns the human readable denial reason.
func (d Decision) Message() string {
	if d.Detail == "" {
		return d.Reason.String()
	}
	return d.Reason.String() + ": " + d.Detail
}

// Engine evaluates risk decisions.
type Engine struct {
	cfg     Config
	cache   *cache.Cache
	bus     bus.Bus
	sink    OrderSink
	clock   clock.Clock
	metrics *obs.Metrics

	rateWindowStart int64
	rateCount       int
}

func NewEngine(cfg Config, c *cache.Cache, b bus.Bus, sink OrderSink, clk clock.Clock, metrics *obs.Metrics) *Engine {
	return &Engine{cfg: cfg, cache: c, bus: b, sink: sink, clock: clk, metrics: metrics}
}

// Register binds the engine to bus.EndpointRisk.
func (e *Engine) Register() {
	e.bus.Register(bus.EndpointRisk, e.Execute)
}

// SetKillSwitch halts or resumes new orders. Cancels are always allowed.
func (e *Engine) SetKillSwitch(on bool) {
	if e.cfg.KillSwitch != on {
		logs.Warnf("risk: kill switch set to %v", on)
	}
	e.cfg.KillSwitch = on
}

// Execute handles a command sent to bus.EndpointRisk.
func (e *Engine) Execute(msg any) {
	cmd, ok := msg.(exec.Command)
	if !ok {
		logs.Warnf("risk: unsupported message %T", msg)
		return
	}
	e.metrics.IncCommand(cmd.Kind())
	start := time.Now()
	defer func() { e.metrics.ObserveRiskEval(time.Since(start)) }()

	switch c := cmd.(type) {
	case exec.SubmitOrder:
		e.submitOrder(c)
	case exec.SubmitOrderList:
		e.submitOrderList(c)
	case exec.ModifyOrder:
		e.modifyOrder(c)
	case exec.CancelOrder:
		e.route(c, c.ClientOrderID)
	case exec.CancelAllOrders:
		e.send(bus.EndpointEmulator, c)
	case exec.BatchCancelOrders, exec.QueryOrder:
		e.send(bus.EndpointExec, c)
	default:
		logs.Warnf("risk: unsupported command %T", cmd)
	}
}

func (e *Engine) send(endpoint string, cmd exec.Command) {
	if err := e.bus.Send(endpoint, cmd); err != nil {
		logs.Errorf("risk: send %s to %s: %v", cmd.Kind(), endpoint, err)
	}
}

// route sends commands for locally held orders to the emulator.
func (e *Engine) route(cmd exec.Command, id schema.ClientOrderID) {
	if o, ok := e.cache.Order(id); ok && o.IsActiveLocal() {
		e.send(bus.EndpointEmulator, cmd)
		return
	}
	e.send(bus.EndpointExec, cmd)
}

// denyDuplicate reports a denial for an order whose id is already taken.
// The cached order with that id is left untouched.
func (e *Engine) denyDuplicate(o *order.Order) {
	e.metrics.IncRiskReason(schema.RiskReasonDuplicateID)
	logs.Warnf("risk: deny %s: %s", o.ClientOrderID(), schema.RiskReasonDuplicateID)
	ev := order.OrderDenied{EventMeta: order.NewMeta(o, e.clock.Now()), Reason: schema.RiskReasonDuplicateID.String()}
	if err := e.bus.Publish(bus.TopicRiskEvents, ev); err != nil {
		logs.Errorf("risk: publish denial of %s: %v", o.ClientOrderID(), err)
	}
}

func (e *Engine) deny(o *order.Order, d Decision) {
	e.metrics.IncRiskReason(d.Reason)
	logs.Warnf("risk: deny %s: %s", o.ClientOrderID(), d.Message())
	e.sink.Apply(order.OrderDenied{EventMeta: order.NewMeta(o, e.clock.Now()), Reason: d.Message()})
}

func (e *Engine) submitOrder(cmd exec.SubmitOrder) {
	o := cmd.Order
	if o == nil {
		return
	}
	if e.cache.OrderExists(o.ClientOrderID()) {
		e.denyDuplicate(o)
		return
	}
	if err := e.sink.AddOrder(o); err != nil {
		logs.Warnf("risk: add %s: %v", o.ClientOrderID(), err)
		return
	}
	if d := e.Evaluate(o); d.Action == schema.RiskActionDeny {
		e.deny(o, d)
		return
	}
	if o.EmulationTrigger() != schema.TriggerNone {
		e.send(bus.EndpointEmulator, cmd)
		return
	}
	e.send(bus.EndpointExec, cmd)
}

// submitOrderList accepts all orders of the list or denies all of them.
func (e *Engine) submitOrderList(cmd exec.SubmitOrderList) {
	var failed Decision
	if _, exists := e.cache.OrderList(cmd.List.ID); exists {
		failed = deny(schema.RiskReasonDuplicateID, "order list %s already exists", cmd.List.ID)
	}
	fresh := make([]*order.Order, 0, len(cmd.Orders))
	for _, o := range cmd.Orders {
		if e.cache.OrderExists(o.ClientOrderID()) {
			e.denyDuplicate(o)
			if failed.Action != schema.RiskActionDeny {
				failed = deny(schema.RiskReasonDuplicateID, "order %s already exists", o.ClientOrderID())
			}
			continue
		}
		if err := e.sink.AddOrder(o); err != nil {
			logs.Warnf("risk: add %s: %v", o.ClientOrderID(), err)
			continue
		}
		fresh = append(fresh, o)
	}
	if failed.Action != schema.RiskActionDeny {
		for _, o := range fresh {
			if d := e.Evaluate(o); d.Action == schema.RiskActionDeny {
				failed = deny(d.Reason, "%s in list %s: %s", o.ClientOrderID(), cmd.List.ID, d.Message())
				break
			}
		}
	}
	if failed.Action == schema.RiskActionDeny {
		for _, o := range fresh {
			e.deny(o, failed)
		}
		return
	}
	if err := e.sink.AddOrderList(cmd.List); err != nil {
		for _, o := range fresh {
			e.deny(o, deny(schema.RiskReasonInvalidOrder, "%v", err))
		}
		return
	}
	e.send(bus.EndpointEmulator, cmd)
}

func (e *Engine) modifyOrder(cmd exec.ModifyOrder) {
	o, ok := e.cache.Order(cmd.ClientOrderID)
	if !ok {
		logs.Warnf("risk: modify unknown order %s", cmd.ClientOrderID)
		return
	}
	if d := e.evaluateModify(o, cmd); d.Action == schema.RiskActionDeny {
		e.metrics.IncRiskReason(d.Reason)
		logs.Warnf("risk: deny modify of %s: %s", o.ClientOrderID(), d.Message())
		if !o.IsClosed() {
			e.sink.Apply(order.OrderModifyRejected{
				EventMeta: order.NewMeta(o, e.clock.Now()), VenueOrderID: o.VenueOrderID(), Reason: d.Message(),
			})
		}
		return
	}
	e.route(cmd, cmd.ClientOrderID)
}

// Evaluate applies the checks to a new order.
func (e *Engine) Evaluate(o *order.Order) Decision {
	if e.cfg.KillSwitch {
		return deny(schema.RiskReasonKillSwitch, "")
	}
	inst, ok := e.cache.Instrument(o.InstrumentID())
	if !ok {
		return deny(schema.RiskReasonInvalidOrder, "unknown instrument %s", o.InstrumentID())
	}
	if !o.IsQuoteQuantity() && !inst.ValidQuantity(o.Quantity()) {
		return deny(schema.RiskReasonInvalidOrder, "quantity %d violates instrument limits", o.Quantity())
	}
	if o.Type().HasPrice() && !inst.ValidPrice(o.Price()) {
		return deny(schema.RiskReasonInvalidOrder, "price %d is not a multiple of %d", o.Price(), inst.PriceIncrement)
	}
	if o.Type().HasTrigger() && !inst.ValidPrice(o.TriggerPrice()) {
		return deny(schema.RiskReasonInvalidOrder, "trigger price %d is not a multiple of %d", o.TriggerPrice(), inst.PriceIncrement)
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		now := e.clock.Now()
		window := int64(e.cfg.OrderRateWindow)
		if e.rateWindowStart == 0 || now-e.rateWindowStart >= window {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.cfg.OrderRateLimit {
			return deny(schema.RiskReasonRateLimit, "%d orders in %s", e.rateCount, e.cfg.OrderRateWindow)
		}
	}

	if e.cfg.MaxOrderQty > 0 && !o.IsQuoteQuantity() && o.Quantity() > e.cfg.MaxOrderQty {
		return deny(schema.RiskReasonMaxQty, "%d > %d", o.Quantity(), e.cfg.MaxOrderQty)
	}

	ref, hasRef := e.cache.ReferencePrice(o.InstrumentID())
	if d := e.checkPriceBand(o.Price(), ref); d.Action == schema.RiskActionDeny {
		return d
	}

	px := o.Price()
	if px == 0 {
		px = o.TriggerPrice()
	}
	if px == 0 && hasRef {
		px = ref
	}
	if !o.IsQuoteQuantity() {
		notional, overflow := mulNotional(px, o.Quantity())
		if overflow || (e.cfg.MaxOrderNotional > 0 && notional > e.cfg.MaxOrderNotional) {
			return deny(schema.RiskReasonMaxNotional, "")
		}
	}

	position := e.cache.NetQty(o.InstrumentID())
	if o.IsReduceOnly() && o.ParentOrderID() == "" && !o.WouldReducePosition(position) {
		return deny(schema.RiskReasonReduceOnly, "position %d", position)
	}
	nextPos := applySide(position, o.Side(), o.Quantity())
	if e.cfg.MaxPosition > 0 && !o.IsReduceOnly() && absQuantity(nextPos) > e.cfg.MaxPosition {
		return deny(schema.RiskReasonPositionLimit, "%d > %d", absQuantity(nextPos), e.cfg.MaxPosition)
	}
	return allow()
}

func (e *Engine) evaluateModify(o *order.Order, cmd exec.ModifyOrder) Decision {
	if e.cfg.MaxOrderQty > 0 && cmd.Quantity > e.cfg.MaxOrderQty {
		return deny(schema.RiskReasonMaxQty, "%d > %d", cmd.Quantity, e.cfg.MaxOrderQty)
	}
	inst, ok := e.cache.Instrument(o.InstrumentID())
	if !ok {
		return allow()
	}
	if cmd.Quantity != 0 && !inst.ValidQuantity(cmd.Quantity) {
		return deny(schema.RiskReasonInvalidOrder, "quantity %d violates instrument limits", cmd.Quantity)
	}
	if cmd.Price != 0 && !inst.ValidPrice(cmd.Price) {
		return deny(schema.RiskReasonInvalidOrder, "price %d is not a multiple of %d", cmd.Price, inst.PriceIncrement)
	}
	if ref, ok := e.cache.ReferencePrice(o.InstrumentID()); ok {
		return e.checkPriceBand(cmd.Price, ref)
	}
	return allow()
}

func (e *Engine) checkPriceBand(px, ref schema.Price) Decision {
	if e.cfg.MaxPriceDeviationBps <= 0 || px <= 0 || ref <= 0 {
		return allow()
	}
	diff := absInt64(int64(px) - int64(ref))
	if exceedsDeviation(diff, int64(ref), e.cfg.MaxPriceDeviationBps) {
		return deny(schema.RiskReasonPriceBand, "price %d vs reference %d", px, ref)
	}
	return allow()
}

func mulNotional(price schema.Price, qty schema.Quantity) (schema.Notional, bool) {
	p := int64(price)
	q := int64(qty)
	if p == 0 || q == 0 {
		return 0, false
	}
	if p < 0 {
		p = -p
	}
	if q < 0 {
		q = -q
	}
	if p > maxInt64/q {
		return 0, true
	}
	return schema.Notional(p * q), false
}

func applySide(pos schema.Quantity, side schema.OrderSide, qty schema.Quantity) schema.Quantity {
	switch side {
	case schema.OrderSideBuy:
		return pos + qty
	case schema.OrderSideSell:
		return pos - qty
	default:
		return pos
	}
}

func absQuantity(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func exceedsDeviation(diff int64, ref int64, bps int64) bool {
	if diff <= 0 || ref <= 0 || bps <= 0 {
		return false
	}
	if diff > maxInt64/10000 {
		return true
	}
	lhs := diff * 10000
	if ref > maxInt64/bps {
		return true
	}
	return lhs > ref*bps
}
