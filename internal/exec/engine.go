// Package exec applies order events to the cache and routes commands to the
// execution clients. It is the only writer of canonical order state.
package exec

import (
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/bus"
	"ordercore/internal/cache"
	"ordercore/internal/clock"
	"ordercore/internal/obs"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

var ErrNoClient = errors.New("exec: no client for venue")

type Option func(*Engine)

func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	cache    *cache.Cache
	bus      bus.Bus
	clock    clock.Clock
	clients  map[string]Client
	fallback Client
	journal  Journal
	metrics  *obs.Metrics
	expiry   *ExpiryManager
	err      error
}

func NewEngine(c *cache.Cache, b bus.Bus, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		cache:   c,
		bus:     b,
		clock:   clk,
		clients: make(map[string]Client),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.expiry = NewExpiryManager(clk, e.expire)
	return e
}

// Register binds the engine to its bus endpoints.
func (e *Engine) Register() {
	e.bus.Register(bus.EndpointExec, e.Execute)
	e.bus.Register(bus.EndpointVenue, e.Process)
}

// RegisterClient adds a venue client. The first client also serves
// instruments whose venue has no client of its own.
func (e *Engine) RegisterClient(c Client) {
	e.clients[c.Venue()] = c
	if e.fallback == nil {
		e.fallback = c
	}
}

func (e *Engine) client(id schema.InstrumentID) (Client, bool) {
	if c, ok := e.clients[id.Venue()]; ok {
		return c, true
	}
	return e.fallback, e.fallback != nil
}

// Start schedules GTD timers for every working order and expires the ones
// already past due.
func (e *Engine) Start() {
	expired := e.expiry.Restore(e.cache.OrdersWorking(""))
	logs.Infof("exec: started with %d gtd timers, %d expired on start", len(e.expiry.Scheduled()), expired)
}

// Err returns the first systemic failure. The node stops when it is set.
func (e *Engine) Err() error { return e.err }

func (e *Engine) Expiry() *ExpiryManager { return e.expiry }

func (e *Engine) fail(err error) {
	logs.Errorf("exec: %+v", err)
	if e.err == nil {
		e.err = err
	}
}

// AddOrder stores a new order and publishes its OrderInitialized event.
func (e *Engine) AddOrder(o *order.Order) error {
	if err := e.cache.AddOrder(o); err != nil {
		var perr *cache.PersistError
		if stderrors.As(err, &perr) {
			e.fail(err)
		}
		return err
	}
	ev := o.Events()[0]
	e.metrics.ObserveOrderEvent(ev.Kind())
	e.record(ev)
	e.expiry.Schedule(o)
	e.publish(ev)
	return nil
}

// AddOrderList stores a new order list.
func (e *Engine) AddOrderList(l order.List) error {
	if err := e.cache.AddOrderList(l); err != nil {
		var perr *cache.PersistError
		if stderrors.As(err, &perr) {
			e.fail(err)
		}
		return err
	}
	return nil
}

// Execute handles a command sent to bus.EndpointExec.
func (e *Engine) Execute(msg any) {
	switch cmd := msg.(type) {
	case SubmitOrder:
		e.submit(cmd)
	case SubmitOrderList:
		e.submitList(cmd)
	case ModifyOrder:
		e.modify(cmd)
	case CancelOrder:
		e.cancel(cmd)
	case CancelAllOrders:
		e.cancelAll(cmd)
	case BatchCancelOrders:
		e.batchCancel(cmd)
	case QueryOrder:
		e.query(cmd)
	default:
		logs.Warnf("exec: unsupported command %T", msg)
	}
}

// Process handles an order event sent to bus.EndpointVenue.
func (e *Engine) Process(msg any) {
	ev, ok := msg.(order.Event)
	if !ok {
		logs.Warnf("exec: unsupported event %T", msg)
		return
	}
	e.Apply(ev)
}

// Apply applies one event to the cache, journals and publishes it. Protocol
// errors drop the event with a warning.
func (e *Engine) Apply(ev order.Event) (*order.Order, bool) {
	o, err := e.cache.ApplyEvent(ev)
	if err != nil {
		var perr *cache.PersistError
		if !stderrors.As(err, &perr) {
			logs.Warnf("exec: drop %s for %s: %v", ev.Kind(), ev.Meta().ClientOrderID, err)
			return nil, false
		}
		e.fail(err)
	}
	e.metrics.ObserveOrderEvent(ev.Kind())
	if ev.Kind() == order.KindAccepted && o.TsSubmitted() > 0 {
		e.metrics.ObserveOrderFlow(time.Duration(ev.Meta().TsEvent - o.TsSubmitted()))
	}
	e.record(ev)
	switch {
	case o.IsClosed():
		e.expiry.Cancel(o.ClientOrderID())
	case ev.Kind() == order.KindInitialized:
		e.expiry.Schedule(o)
	}
	e.publish(ev)
	return o, true
}

func (e *Engine) record(ev order.Event) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrderEvent(ev); err != nil {
		e.fail(errors.Wrap(err, "journal order event"))
	}
}

func (e *Engine) publish(ev order.Event) {
	if err := e.bus.Publish(bus.TopicOrderEvents, ev); err != nil {
		e.fail(errors.Wrap(err, "publish order event"))
	}
}

func (e *Engine) now() int64 { return e.clock.Now() }

func (e *Engine) submit(cmd SubmitOrder) {
	if cmd.Order == nil {
		logs.Warnf("exec: submit without order")
		return
	}
	id := cmd.Order.ClientOrderID()
	o, ok := e.cache.Order(id)
	if !ok {
		if err := e.AddOrder(cmd.Order); err != nil {
			logs.Warnf("exec: submit %s: %v", id, err)
			return
		}
		o = cmd.Order.Clone()
	}
	if s := o.Status(); s != order.StatusInitialized && s != order.StatusReleased {
		logs.Warnf("exec: skip submit of %s in status %s", id, s)
		return
	}
	client, ok := e.client(o.InstrumentID())
	if !ok {
		e.Apply(order.OrderDenied{EventMeta: order.NewMeta(o, e.now()), Reason: ErrNoClient.Error()})
		return
	}
	o, ok = e.Apply(order.OrderSubmitted{EventMeta: order.NewMeta(o, e.now()), AccountID: client.AccountID()})
	if !ok {
		return
	}
	cmd.Order = o
	if err := client.SubmitOrder(cmd); err != nil {
		e.Apply(order.OrderRejected{EventMeta: order.NewMeta(o, e.now()), AccountID: client.AccountID(), Reason: err.Error()})
	}
}

func (e *Engine) submitList(cmd SubmitOrderList) {
	client, ok := e.client(cmd.List.InstrumentID)
	submitted := make([]*order.Order, 0, len(cmd.Orders))
	for _, in := range cmd.Orders {
		o, exists := e.cache.Order(in.ClientOrderID())
		if !exists {
			if err := e.AddOrder(in); err != nil {
				logs.Warnf("exec: submit list %s: %v", cmd.List.ID, err)
				continue
			}
			o = in.Clone()
		}
		if !ok {
			e.Apply(order.OrderDenied{EventMeta: order.NewMeta(o, e.now()), Reason: ErrNoClient.Error()})
			continue
		}
		if o, ok := e.Apply(order.OrderSubmitted{EventMeta: order.NewMeta(o, e.now()), AccountID: client.AccountID()}); ok {
			submitted = append(submitted, o)
		}
	}
	if !ok || len(submitted) == 0 {
		return
	}
	cmd.Orders = submitted
	if err := client.SubmitOrderList(cmd); err != nil {
		for _, o := range submitted {
			e.Apply(order.OrderRejected{EventMeta: order.NewMeta(o, e.now()), AccountID: client.AccountID(), Reason: err.Error()})
		}
	}
}

func (e *Engine) modify(cmd ModifyOrder) {
	o, ok := e.cache.Order(cmd.ClientOrderID)
	if !ok {
		logs.Warnf("exec: modify unknown order %s", cmd.ClientOrderID)
		return
	}
	if o.IsClosed() {
		logs.Warnf("exec: modify closed order %s (%s)", o.ClientOrderID(), o.Status())
		return
	}
	if !cmd.Changes(o) {
		logs.Debugf("exec: modify of %s changes nothing", o.ClientOrderID())
		return
	}
	if o.IsActiveLocal() {
		e.Apply(order.OrderUpdated{
			EventMeta: order.NewMeta(o, e.now()), Quantity: cmd.Quantity, Price: cmd.Price, TriggerPrice: cmd.TriggerPrice,
		})
		return
	}
	client, ok := e.client(o.InstrumentID())
	if !ok {
		e.Apply(order.OrderModifyRejected{EventMeta: order.NewMeta(o, e.now()), VenueOrderID: o.VenueOrderID(), Reason: ErrNoClient.Error()})
		return
	}
	if o.Status() != order.StatusPendingUpdate {
		if _, ok := e.Apply(order.OrderPendingUpdate{EventMeta: order.NewMeta(o, e.now()), VenueOrderID: o.VenueOrderID()}); !ok {
			return
		}
	}
	cmd.VenueOrderID = o.VenueOrderID()
	if err := client.ModifyOrder(cmd); err != nil {
		e.Apply(order.OrderModifyRejected{EventMeta: order.NewMeta(o, e.now()), VenueOrderID: o.VenueOrderID(), Reason: err.Error()})
	}
}

// pendingCancel marks o as pending cancel, or cancels it locally when it never
// left the process. It returns false when nothing needs to reach the venue.
func (e *Engine) pendingCancel(o *order.Order, reason string) bool {
	switch {
	case o.IsClosed():
		logs.Debugf("exec: cancel of closed order %s", o.ClientOrderID())
		return false
	case o.IsActiveLocal() || o.Status() == order.StatusReleased:
		e.Apply(order.OrderCanceled{EventMeta: order.NewMeta(o, e.now()), Reason: reason})
		return false
	case o.Status() == order.StatusPendingCancel:
		logs.Debugf("exec: cancel of %s already pending", o.ClientOrderID())
		return false
	}
	_, ok := e.Apply(order.OrderPendingCancel{EventMeta: order.NewMeta(o, e.now()), VenueOrderID: o.VenueOrderID()})
	return ok
}

func (e *Engine) cancelRejected(o *order.Order, err error) {
	e.Apply(order.OrderCancelRejected{EventMeta: order.NewMeta(o, e.now()), VenueOrderID: o.VenueOrderID(), Reason: err.Error()})
}

func (e *Engine) cancel(cmd CancelOrder) {
	o, ok := e.cache.Order(cmd.ClientOrderID)
	if !ok {
		logs.Warnf("exec: cancel unknown order %s", cmd.ClientOrderID)
		return
	}
	if !e.pendingCancel(o, cmd.Reason) {
		return
	}
	client, ok := e.client(o.InstrumentID())
	if !ok {
		e.cancelRejected(o, ErrNoClient)
		return
	}
	cmd.VenueOrderID = o.VenueOrderID()
	if err := client.CancelOrder(cmd); err != nil {
		e.cancelRejected(o, err)
	}
}

func (e *Engine) cancelAll(cmd CancelAllOrders) {
	var venue []*order.Order
	for _, o := range e.cache.Orders(cache.Filter{InstrumentID: cmd.InstrumentID, StrategyID: cmd.StrategyID, Side: cmd.Side}) {
		if e.pendingCancel(o, "cancel all") {
			venue = append(venue, o)
		}
	}
	if len(venue) == 0 {
		return
	}
	client, ok := e.client(cmd.InstrumentID)
	if !ok {
		for _, o := range venue {
			e.cancelRejected(o, ErrNoClient)
		}
		return
	}
	if err := client.CancelAllOrders(cmd); err != nil {
		for _, o := range venue {
			e.cancelRejected(o, err)
		}
	}
}

func (e *Engine) batchCancel(cmd BatchCancelOrders) {
	var (
		venue   []*order.Order
		cancels []CancelOrder
	)
	for _, c := range cmd.Cancels {
		o, ok := e.cache.Order(c.ClientOrderID)
		if !ok {
			logs.Warnf("exec: batch cancel unknown order %s", c.ClientOrderID)
			continue
		}
		if e.pendingCancel(o, c.Reason) {
			c.VenueOrderID = o.VenueOrderID()
			venue = append(venue, o)
			cancels = append(cancels, c)
		}
	}
	if len(venue) == 0 {
		return
	}
	client, ok := e.client(cmd.InstrumentID)
	if !ok {
		for _, o := range venue {
			e.cancelRejected(o, ErrNoClient)
		}
		return
	}
	cmd.Cancels = cancels
	if err := client.BatchCancelOrders(cmd); err != nil {
		for _, o := range venue {
			e.cancelRejected(o, err)
		}
	}
}

func (e *Engine) query(cmd QueryOrder) {
	client, ok := e.client(cmd.InstrumentID)
	if !ok {
		logs.Warnf("exec: query %s: %v", cmd.ClientOrderID, ErrNoClient)
		return
	}
	if err := client.QueryOrder(cmd); err != nil {
		logs.Warnf("exec: query %s: %v", cmd.ClientOrderID, err)
	}
}

// expire handles a GTD timer. Local orders expire in place, venue orders are
// canceled.
func (e *Engine) expire(id schema.ClientOrderID, ts int64) {
	o, ok := e.cache.Order(id)
	if !ok || o.IsClosed() {
		return
	}
	switch {
	case o.IsActiveLocal():
		e.Apply(order.OrderExpired{EventMeta: order.NewMeta(o, ts)})
	case o.Status() == order.StatusReleased:
		logs.Debugf("exec: %s expired while released, left to the venue", id)
	default:
		e.cancel(NewCancelOrder(o, "GTD expired", ts))
	}
}
