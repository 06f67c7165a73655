// Package reconcile converges cached order state with the state a venue
// reports, at start, on reconnect and for orders stuck in flight.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/cache"
	"ordercore/internal/clock"
	"ordercore/internal/obs"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// ExternalStrategyID owns orders found at the venue but unknown locally.
const ExternalStrategyID schema.StrategyID = "EXTERNAL"

// OrderSink creates orders and applies events. Implemented by exec.Engine.
type OrderSink interface {
	AddOrder(o *order.Order) error
	Apply(ev order.Event) (*order.Order, bool)
}

// StatusQuerier asks the venue for the current state of one order.
// ok is false when the venue does not know the order.
type StatusQuerier interface {
	QueryOrderStatus(ctx context.Context, o *order.Order) (rep OrderStatusReport, ok bool, err error)
}

// QuerierFunc adapts a function to StatusQuerier.
type QuerierFunc func(ctx context.Context, o *order.Order) (OrderStatusReport, bool, error)

func (f QuerierFunc) QueryOrderStatus(ctx context.Context, o *order.Order) (OrderStatusReport, bool, error) {
	return f(ctx, o)
}

type Config struct {
	TraderID schema.TraderID `json:"traderId"`
	// InflightThreshold is how long an order may wait for a venue answer
	// before it is queried.
	InflightThreshold  time.Duration `json:"inflightThreshold"`
	InflightMaxRetries int           `json:"inflightMaxRetries"`
	// GenerateMissingOrders creates external orders for unknown reports.
	GenerateMissingOrders bool `json:"generateMissingOrders"`
}

func DefaultConfig() Config {
	return Config{
		InflightThreshold:     5 * time.Second,
		InflightMaxRetries:    5,
		GenerateMissingOrders: true,
	}
}

type inflightCheck struct {
	retries   int
	lastQuery int64
}

type Manager struct {
	cfg     Config
	cache   *cache.Cache
	sink    OrderSink
	clock   clock.Clock
	querier StatusQuerier
	metrics *obs.Metrics

	inflight map[schema.ClientOrderID]*inflightCheck
}

func NewManager(cfg Config, c *cache.Cache, sink OrderSink, clk clock.Clock, querier StatusQuerier, metrics *obs.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		cache:    c,
		sink:     sink,
		clock:    clk,
		querier:  querier,
		metrics:  metrics,
		inflight: make(map[schema.ClientOrderID]*inflightCheck),
	}
}

// run collects the events and divergences of one reconciliation.
type run struct {
	m      *Manager
	result Result
}

func (r *run) apply(ev order.Event) (*order.Order, bool) {
	o, ok := r.m.sink.Apply(ev)
	if !ok {
		r.diverge(ev.Meta().ClientOrderID, ev.Meta().InstrumentID, "venue %s could not be applied", ev.Kind())
		return nil, false
	}
	r.result.Applied = append(r.result.Applied, ev)
	return o, true
}

func (r *run) diverge(id schema.ClientOrderID, inst schema.InstrumentID, format string, args ...any) {
	r.result.Divergences = append(r.result.Divergences, Divergence{
		ClientOrderID: id,
		InstrumentID:  inst,
		Reason:        fmt.Sprintf(format, args...),
	})
}

func (r *run) finish(what string) Result {
	r.result.Converged = len(r.result.Divergences) == 0
	if r.result.Converged {
		if len(r.result.Applied) > 0 {
			logs.Infof("reconcile: %s applied %d events", what, len(r.result.Applied))
		}
		return r.result
	}
	r.m.metrics.AddReconcileDiffs(len(r.result.Divergences))
	for _, d := range r.result.Divergences {
		logs.Errorf("reconcile: %s: %s %s", what, d.ClientOrderID, d.Reason)
	}
	return r.result
}

// Reconcile applies the events needed to make the cache agree with the
// reports. Replaying the same reports applies nothing new.
func (m *Manager) Reconcile(ctx context.Context, mass Mass) (Result, error) {
	r := &run{m: m}
	fills := make(map[schema.ClientOrderID][]FillReport)
	for _, f := range mass.FillReports {
		id := f.ClientOrderID
		if id == "" {
			id, _ = m.cache.ClientOrderID(f.VenueOrderID)
		}
		fills[id] = append(fills[id], f)
	}
	for id := range fills {
		slices.SortStableFunc(fills[id], func(a, b FillReport) int { return cmp.Compare(a.TsEvent, b.TsEvent) })
	}

	reported := make(map[schema.ClientOrderID]struct{}, len(mass.OrderReports))
	for _, rep := range mass.OrderReports {
		if err := ctx.Err(); err != nil {
			return r.finish("mass status"), errors.Wrap(err, "reconcile")
		}
		id := m.resolve(rep)
		o, known := m.cache.Order(id)
		if !known {
			if !m.cfg.GenerateMissingOrders {
				r.diverge(rep.ClientOrderID, rep.InstrumentID, "venue order %s unknown locally", rep.VenueOrderID)
				continue
			}
			var ok bool
			if o, ok = r.external(rep); !ok {
				continue
			}
			id = o.ClientOrderID()
		}
		reported[id] = struct{}{}
		r.converge(o, rep, fills[id])
		delete(fills, id)
	}

	for id, fs := range fills {
		o, ok := m.cache.Order(id)
		if !ok {
			r.diverge(id, fs[0].InstrumentID, "fill %s for unknown order", fs[0].TradeID)
			continue
		}
		r.applyFills(o, fs)
	}

	if mass.Complete {
		for _, o := range m.cache.OrdersOpen("") {
			if mass.Venue != "" && o.InstrumentID().Venue() != mass.Venue {
				continue
			}
			if _, ok := reported[o.ClientOrderID()]; !ok {
				r.diverge(o.ClientOrderID(), o.InstrumentID(), "%s locally but not reported by venue", o.Status())
			}
		}
	}
	return r.finish("mass status"), nil
}

func (m *Manager) resolve(rep OrderStatusReport) schema.ClientOrderID {
	if rep.ClientOrderID != "" {
		return rep.ClientOrderID
	}
	if id, ok := m.cache.ClientOrderID(rep.VenueOrderID); ok {
		return id
	}
	return schema.ClientOrderID("EXT-" + string(rep.VenueOrderID))
}

// external creates the local order for a venue order nobody here submitted
// and walks it to ACCEPTED, or to REJECTED when that is what the venue says.
func (r *run) external(rep OrderStatusReport) (*order.Order, bool) {
	m := r.m
	id := m.resolve(rep)
	ts := rep.TsAccepted
	if ts == 0 {
		ts = m.clock.Now()
	}
	in := order.Init{
		TraderID:      m.cfg.TraderID,
		StrategyID:    ExternalStrategyID,
		InstrumentID:  rep.InstrumentID,
		ClientOrderID: id,
		Side:          rep.Side,
		Type:          rep.Type,
		Quantity:      rep.Quantity,
		Price:         rep.Price,
		TriggerPrice:  rep.TriggerPrice,
		TimeInForce:   rep.TimeInForce,
		ExpireTime:    rep.ExpireTime,
		PostOnly:      rep.PostOnly,
		ReduceOnly:    rep.ReduceOnly,
		TsInit:        ts,
	}
	o, err := order.New(in)
	if err != nil {
		r.diverge(id, rep.InstrumentID, "external order: %v", err)
		return nil, false
	}
	if err := m.sink.AddOrder(o); err != nil {
		r.diverge(id, rep.InstrumentID, "external order: %v", err)
		return nil, false
	}
	r.result.Applied = append(r.result.Applied, o.Events()[0])
	logs.Warnf("reconcile: external order %s (%s) %s", id, rep.VenueOrderID, rep.Status)

	o, ok := r.apply(order.OrderSubmitted{EventMeta: order.NewMeta(o, ts), AccountID: rep.AccountID})
	if !ok {
		return nil, false
	}
	if rep.Status == order.StatusRejected {
		return o, true
	}
	return r.apply(order.OrderAccepted{EventMeta: order.NewMeta(o, ts), VenueOrderID: rep.VenueOrderID, AccountID: rep.AccountID})
}

// converge applies the fewest events that bring o to the reported state.
func (r *run) converge(o *order.Order, rep OrderStatusReport, fills []FillReport) {
	if o.Status() == rep.Status && o.FilledQty() == rep.FilledQty && len(fills) == 0 {
		return
	}
	id, inst := o.ClientOrderID(), o.InstrumentID()
	now := r.m.clock.Now()
	at := func(ts int64) int64 {
		if ts > 0 {
			return ts
		}
		return now
	}
	step := func(ev order.Event) bool {
		next, ok := r.apply(ev)
		if ok {
			o = next
		}
		return ok
	}

	if o.IsClosed() {
		if r.onlyKnownFills(o, rep, fills) {
			return
		}
		r.diverge(id, inst, "%s locally, venue reports %s filled %d", o.Status(), rep.Status, rep.FilledQty)
		return
	}
	switch o.Status() {
	case order.StatusEmulated:
		r.diverge(id, inst, "emulated locally, venue reports %s", rep.Status)
		return
	case order.StatusInitialized, order.StatusReleased:
		if !step(order.OrderSubmitted{EventMeta: order.NewMeta(o, at(rep.TsAccepted)), AccountID: rep.AccountID}) {
			return
		}
	}

	if rep.Status == order.StatusRejected {
		step(order.OrderRejected{EventMeta: order.NewMeta(o, at(rep.TsLast)), AccountID: rep.AccountID, Reason: rep.CancelReason})
		return
	}
	if o.Status() == order.StatusSubmitted || (o.Status().IsInflight() && rep.Status != order.StatusCanceled) {
		if !step(order.OrderAccepted{EventMeta: order.NewMeta(o, at(rep.TsAccepted)), VenueOrderID: rep.VenueOrderID, AccountID: rep.AccountID}) {
			return
		}
	}

	upd := order.OrderUpdated{EventMeta: order.NewMeta(o, at(rep.TsLast)), VenueOrderID: rep.VenueOrderID}
	if rep.Quantity != 0 && rep.Quantity != o.Quantity() {
		upd.Quantity = rep.Quantity
	}
	if rep.Price != 0 && rep.Price != o.Price() && o.Type().HasPrice() {
		upd.Price = rep.Price
	}
	if rep.TriggerPrice != 0 && rep.TriggerPrice != o.TriggerPrice() && o.Type().HasTrigger() {
		upd.TriggerPrice = rep.TriggerPrice
	}
	if upd.Quantity != 0 || upd.Price != 0 || upd.TriggerPrice != 0 {
		if !step(upd) {
			return
		}
	}

	if (rep.Status == order.StatusTriggered || rep.TsTriggered > 0) && o.Type().HasTrigger() &&
		o.Status() == order.StatusAccepted {
		if !step(order.OrderTriggered{EventMeta: order.NewMeta(o, at(rep.TsTriggered)), VenueOrderID: rep.VenueOrderID}) {
			return
		}
	}

	o = r.applyFills(o, fills)
	if o.IsClosed() && rep.FilledQty == o.FilledQty() {
		return
	}
	switch {
	case rep.FilledQty > o.FilledQty():
		if !r.syntheticFill(&o, rep) {
			return
		}
	case rep.FilledQty < o.FilledQty():
		r.diverge(id, inst, "filled %d locally, venue reports %d", o.FilledQty(), rep.FilledQty)
		return
	}

	switch rep.Status {
	case order.StatusCanceled:
		if !o.IsClosed() {
			step(order.OrderCanceled{EventMeta: order.NewMeta(o, at(rep.TsLast)), VenueOrderID: rep.VenueOrderID, Reason: rep.CancelReason})
		}
	case order.StatusExpired:
		if !o.IsClosed() {
			step(order.OrderExpired{EventMeta: order.NewMeta(o, at(rep.TsLast)), VenueOrderID: rep.VenueOrderID})
		}
	}
	if o.Status() != rep.Status && !(rep.Status == order.StatusAccepted && o.Status() == order.StatusTriggered) {
		r.diverge(id, inst, "%s locally, venue reports %s", o.Status(), rep.Status)
	}
}

// onlyKnownFills reports whether a closed order differs from the report only
// by fills it already has.
func (r *run) onlyKnownFills(o *order.Order, rep OrderStatusReport, fills []FillReport) bool {
	if o.Status() != rep.Status || o.FilledQty() != rep.FilledQty {
		return false
	}
	for _, f := range fills {
		if !o.HasTradeID(f.TradeID) {
			return false
		}
	}
	return true
}

// applyFills applies the fill reports o does not have yet.
func (r *run) applyFills(o *order.Order, fills []FillReport) *order.Order {
	for _, f := range fills {
		if o.HasTradeID(f.TradeID) {
			continue
		}
		if o.IsClosed() {
			r.diverge(o.ClientOrderID(), o.InstrumentID(), "fill %s on %s order", f.TradeID, o.Status())
			continue
		}
		ev := order.OrderFilled{
			EventMeta:     order.NewMeta(o, f.TsEvent),
			VenueOrderID:  f.VenueOrderID,
			AccountID:     f.AccountID,
			TradeID:       f.TradeID,
			PositionID:    o.PositionID(),
			Side:          o.Side(),
			OrderType:     o.Type(),
			LastQty:       f.LastQty,
			LastPx:        f.LastPx,
			Commission:    f.Commission,
			LiquiditySide: f.LiquiditySide,
		}
		if next, ok := r.apply(ev); ok {
			o = next
		}
	}
	return o
}

// syntheticFill covers the quantity the venue filled without trade reports
// with one fill at the price that makes the average match.
func (r *run) syntheticFill(o **order.Order, rep OrderStatusReport) bool {
	cur := *o
	missing := rep.FilledQty - cur.FilledQty()
	px := remainderPrice(rep.AvgPx, rep.FilledQty, cur.AvgPx(), cur.FilledQty())
	if px <= 0 {
		px = cur.Price()
	}
	if px <= 0 {
		r.diverge(cur.ClientOrderID(), cur.InstrumentID(), "filled %d without trades or average price", rep.FilledQty)
		return false
	}
	logs.Warnf("reconcile: no trades for %d of %s, synthesizing fill at %d", missing, cur.ClientOrderID(), px)
	r.m.metrics.IncSyntheticFill()
	ts := rep.TsLast
	if ts <= 0 {
		ts = rep.TsAccepted
	}
	if ts <= 0 {
		ts = r.m.clock.Now()
	}
	ev := order.OrderFilled{
		EventMeta:     order.NewMeta(cur, ts),
		VenueOrderID:  rep.VenueOrderID,
		AccountID:     rep.AccountID,
		TradeID:       schema.TradeID(fmt.Sprintf("RECON-%s-%d", cur.ClientOrderID(), rep.FilledQty)),
		PositionID:    cur.PositionID(),
		Side:          cur.Side(),
		OrderType:     cur.Type(),
		LastQty:       missing,
		LastPx:        px,
		LiquiditySide: schema.LiquidityTaker,
		Synthetic:     true,
	}
	next, ok := r.apply(ev)
	if ok {
		*o = next
	}
	return ok
}

// remainderPrice is the price of the quantity filled beyond localQty so the
// whole order averages venueAvg.
func remainderPrice(venueAvg decimal.Decimal, venueQty schema.Quantity, localAvg decimal.Decimal, localQty schema.Quantity) schema.Price {
	missing := venueQty - localQty
	if missing <= 0 || venueAvg.Sign() <= 0 {
		return 0
	}
	total := venueAvg.Mul(decimal.NewFromInt(int64(venueQty)))
	known := localAvg.Mul(decimal.NewFromInt(int64(localQty)))
	return schema.Price(total.Sub(known).Div(decimal.NewFromInt(int64(missing))).Round(0).IntPart())
}

// CheckInflight queries orders waiting on the venue for longer than the
// threshold. After InflightMaxRetries unanswered queries the order is resolved
// locally: a submit is rejected, a modify rejected and a cancel completed.
func (m *Manager) CheckInflight(ctx context.Context) (Result, error) {
	r := &run{m: m}
	now := m.clock.Now()
	threshold := int64(m.cfg.InflightThreshold)
	seen := make(map[schema.ClientOrderID]struct{})
	for _, o := range m.cache.OrdersInflight("") {
		if err := ctx.Err(); err != nil {
			return r.finish("inflight"), errors.Wrap(err, "reconcile inflight")
		}
		id := o.ClientOrderID()
		seen[id] = struct{}{}
		if now-o.TsLast() < threshold {
			continue
		}
		check, ok := m.inflight[id]
		if !ok {
			check = &inflightCheck{}
			m.inflight[id] = check
		}
		if check.lastQuery > 0 && now-check.lastQuery < threshold {
			continue
		}
		check.retries++
		check.lastQuery = now

		if m.querier != nil {
			rep, found, err := m.querier.QueryOrderStatus(ctx, o)
			switch {
			case err != nil:
				logs.Warnf("reconcile: query %s: %v", id, err)
			case found:
				r.converge(o, rep, nil)
				delete(m.inflight, id)
				continue
			}
		}
		if check.retries < m.cfg.InflightMaxRetries {
			continue
		}
		logs.Warnf("reconcile: %s %s unanswered after %d checks", id, o.Status(), check.retries)
		r.resolveLocally(o)
		delete(m.inflight, id)
	}
	for id := range m.inflight {
		if _, ok := seen[id]; !ok {
			delete(m.inflight, id)
		}
	}
	return r.finish("inflight"), nil
}

func (r *run) resolveLocally(o *order.Order) {
	meta := order.NewMeta(o, r.m.clock.Now())
	const reason = "inflight timeout"
	switch o.Status() {
	case order.StatusSubmitted:
		r.apply(order.OrderRejected{EventMeta: meta, AccountID: o.AccountID(), Reason: reason})
	case order.StatusPendingUpdate:
		r.apply(order.OrderModifyRejected{EventMeta: meta, VenueOrderID: o.VenueOrderID(), Reason: reason})
	case order.StatusPendingCancel:
		r.apply(order.OrderCanceled{EventMeta: meta, VenueOrderID: o.VenueOrderID(), Reason: reason})
	}
}
