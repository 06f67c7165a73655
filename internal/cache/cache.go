// Package cache holds the canonical orders, order lists, positions and the
// latest market prices. Reads return copies; writes go through AddOrder,
// AddOrderList and ApplyEvent.
package cache

import (
	"cmp"
	"slices"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
	"ordercore/internal/state"
)

var (
	ErrDuplicateOrder = errors.New("cache: order already exists")
	ErrUnknownOrder   = errors.New("cache: order not found")
	ErrDuplicateList  = errors.New("cache: order list already exists")
)

// Store persists cache content. Implemented by store.PebbleStore and
// store.PostgresStore.
type Store interface {
	SaveOrder(st order.State) error
	SaveOrderList(l order.List) error
	SavePosition(p state.Position) error
	LoadOrders() ([]order.State, error)
	LoadOrderLists() ([]order.List, error)
	LoadPositions() ([]state.Position, error)
}

// PersistError reports that the cache changed in memory but could not be saved.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string { return "cache: persist: " + e.Err.Error() }
func (e *PersistError) Unwrap() error { return e.Err }

type Cache struct {
	mu    sync.RWMutex
	reg   *schema.Registry
	store Store

	orders       map[schema.ClientOrderID]*order.Order
	lists        map[schema.OrderListID]order.List
	byVenue      map[schema.VenueOrderID]schema.ClientOrderID
	byInstrument map[schema.InstrumentID]map[schema.ClientOrderID]struct{}
	positions    *state.PositionReducer

	quotes map[schema.InstrumentID]market.QuoteTick
	trades map[schema.InstrumentID]market.TradeTick
}

// New creates a cache. store may be nil for a purely in-memory cache.
func New(reg *schema.Registry, store Store) *Cache {
	if reg == nil {
		reg = schema.NewRegistry()
	}
	return &Cache{
		reg:          reg,
		store:        store,
		orders:       make(map[schema.ClientOrderID]*order.Order),
		lists:        make(map[schema.OrderListID]order.List),
		byVenue:      make(map[schema.VenueOrderID]schema.ClientOrderID),
		byInstrument: make(map[schema.InstrumentID]map[schema.ClientOrderID]struct{}),
		positions:    state.NewPositionReducer(),
		quotes:       make(map[schema.InstrumentID]market.QuoteTick),
		trades:       make(map[schema.InstrumentID]market.TradeTick),
	}
}

// Load restores orders, lists and positions from the store.
func (c *Cache) Load() error {
	if c.store == nil {
		return nil
	}
	states, err := c.store.LoadOrders()
	if err != nil {
		return errors.Wrap(err, "load orders")
	}
	lists, err := c.store.LoadOrderLists()
	if err != nil {
		return errors.Wrap(err, "load order lists")
	}
	positions, err := c.store.LoadPositions()
	if err != nil {
		return errors.Wrap(err, "load positions")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range states {
		c.index(order.FromState(st))
	}
	for _, l := range lists {
		c.lists[l.ID] = l
	}
	c.positions.Restore(positions)
	logs.Infof("cache: loaded %d orders, %d lists, %d positions", len(states), len(lists), len(positions))
	return nil
}

// Restore installs orders and positions rebuilt outside the store, e.g. from
// a snapshot and journal. Nothing is persisted.
func (c *Cache) Restore(orders []*order.Order, positions []state.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range orders {
		c.index(o.Clone())
	}
	c.positions.Restore(positions)
	logs.Infof("cache: restored %d orders, %d positions", len(orders), len(positions))
}

func (c *Cache) index(o *order.Order) {
	id := o.ClientOrderID()
	c.orders[id] = o
	if v := o.VenueOrderID(); v != "" {
		c.byVenue[v] = id
	}
	set, ok := c.byInstrument[o.InstrumentID()]
	if !ok {
		set = make(map[schema.ClientOrderID]struct{})
		c.byInstrument[o.InstrumentID()] = set
	}
	set[id] = struct{}{}
}

func (c *Cache) Registry() *schema.Registry { return c.reg }

func (c *Cache) Instrument(id schema.InstrumentID) (schema.Instrument, bool) {
	return c.reg.Instrument(id)
}

// AddOrder stores a new order.
func (c *Cache) AddOrder(o *order.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.orders[o.ClientOrderID()]; ok {
		return ErrDuplicateOrder
	}
	o = o.Clone()
	c.index(o)
	return c.persistOrder(o)
}

// AddOrderList stores a new order list.
func (c *Cache) AddOrderList(l order.List) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lists[l.ID]; ok {
		return ErrDuplicateList
	}
	l.OrderIDs = slices.Clone(l.OrderIDs)
	c.lists[l.ID] = l
	if c.store != nil {
		if err := c.store.SaveOrderList(l); err != nil {
			return &PersistError{Err: err}
		}
	}
	return nil
}

// ApplyEvent applies an event to the canonical order and persists the result.
// An OrderInitialized for an unknown id creates the order. The returned order
// is a copy taken after the event.
func (c *Cache) ApplyEvent(ev order.Event) (*order.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ev.Meta().ClientOrderID
	o, ok := c.orders[id]
	if !ok {
		init, isInit := ev.(order.OrderInitialized)
		if !isInit {
			return nil, ErrUnknownOrder
		}
		o = order.FromInitialized(init)
		c.index(o)
		return o.Clone(), c.persistOrder(o)
	}
	if err := o.Apply(ev); err != nil {
		return nil, err
	}
	if v := o.VenueOrderID(); v != "" {
		c.byVenue[v] = id
	}
	if fill, isFill := ev.(order.OrderFilled); isFill {
		pos := c.positions.ApplyFill(fill)
		if c.store != nil {
			if err := c.store.SavePosition(pos); err != nil {
				return o.Clone(), &PersistError{Err: err}
			}
		}
	}
	return o.Clone(), c.persistOrder(o)
}

func (c *Cache) persistOrder(o *order.Order) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveOrder(o.State()); err != nil {
		return &PersistError{Err: err}
	}
	return nil
}

// Order returns a copy of the order.
func (c *Cache) Order(id schema.ClientOrderID) (*order.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (c *Cache) OrderExists(id schema.ClientOrderID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.orders[id]
	return ok
}

// ClientOrderID resolves a venue order id.
func (c *Cache) ClientOrderID(venueID schema.VenueOrderID) (schema.ClientOrderID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byVenue[venueID]
	return id, ok
}

func (c *Cache) OrderList(id schema.OrderListID) (order.List, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.lists[id]
	if !ok {
		return order.List{}, false
	}
	l.OrderIDs = slices.Clone(l.OrderIDs)
	return l, true
}

// Filter selects orders. Zero fields match everything.
type Filter struct {
	InstrumentID schema.InstrumentID
	StrategyID   schema.StrategyID
	Side         schema.OrderSide
	Match        func(*order.Order) bool
}

// Orders returns copies of the matching orders ordered by ts_init, then id.
func (c *Cache) Orders(f Filter) []*order.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*order.Order
	visit := func(o *order.Order) {
		switch {
		case f.StrategyID != "" && o.StrategyID() != f.StrategyID:
		case f.Side != schema.OrderSideUnknown && o.Side() != f.Side:
		case f.Match != nil && !f.Match(o):
		default:
			out = append(out, o.Clone())
		}
	}
	if f.InstrumentID != "" {
		for id := range c.byInstrument[f.InstrumentID] {
			visit(c.orders[id])
		}
	} else {
		for _, o := range c.orders {
			visit(o)
		}
	}
	slices.SortFunc(out, func(a, b *order.Order) int {
		if r := cmp.Compare(a.TsInit(), b.TsInit()); r != 0 {
			return r
		}
		return cmp.Compare(a.ClientOrderID(), b.ClientOrderID())
	})
	return out
}

func (c *Cache) OrdersOpen(id schema.InstrumentID) []*order.Order {
	return c.Orders(Filter{InstrumentID: id, Match: (*order.Order).IsOpen})
}

func (c *Cache) OrdersEmulated(id schema.InstrumentID) []*order.Order {
	return c.Orders(Filter{InstrumentID: id, Match: (*order.Order).IsEmulated})
}

func (c *Cache) OrdersActiveLocal(id schema.InstrumentID) []*order.Order {
	return c.Orders(Filter{InstrumentID: id, Match: (*order.Order).IsActiveLocal})
}

func (c *Cache) OrdersInflight(id schema.InstrumentID) []*order.Order {
	return c.Orders(Filter{InstrumentID: id, Match: (*order.Order).IsInflight})
}

func (c *Cache) OrdersClosed(id schema.InstrumentID) []*order.Order {
	return c.Orders(Filter{InstrumentID: id, Match: (*order.Order).IsClosed})
}

// OrdersWorking returns orders that are neither closed nor denied: local,
// in flight or open.
func (c *Cache) OrdersWorking(id schema.InstrumentID) []*order.Order {
	return c.Orders(Filter{InstrumentID: id, Match: func(o *order.Order) bool { return !o.IsClosed() }})
}

func (c *Cache) Position(id schema.InstrumentID) state.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions.Position(id)
}

// NetQty returns the signed position of an instrument.
func (c *Cache) NetQty(id schema.InstrumentID) schema.Quantity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions.NetQty(id)
}

func (c *Cache) Positions() []state.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions.Positions()
}

func (c *Cache) AddQuote(q market.QuoteTick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.InstrumentID] = q
}

func (c *Cache) Quote(id schema.InstrumentID) (market.QuoteTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[id]
	return q, ok
}

func (c *Cache) AddTrade(t market.TradeTick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades[t.InstrumentID] = t
}

func (c *Cache) Trade(id schema.InstrumentID) (market.TradeTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trades[id]
	return t, ok
}

// ReferencePrice returns the mid of the last quote, else the last trade price.
func (c *Cache) ReferencePrice(id schema.InstrumentID) (schema.Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if q, ok := c.quotes[id]; ok && q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2, true
	}
	if t, ok := c.trades[id]; ok && t.Price > 0 {
		return t.Price, true
	}
	return 0, false
}

// Snapshot captures positions and every order that is not closed.
func (c *Cache) Snapshot(lastSeq uint64, lastEventTs int64) state.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.positions.SnapshotWithMeta(lastSeq, lastEventTs)
	for _, o := range c.orders {
		if !o.IsClosed() {
			snap.Orders = append(snap.Orders, o.State())
		}
	}
	slices.SortFunc(snap.Orders, func(a, b order.State) int {
		return cmp.Compare(a.Init.ClientOrderID, b.Init.ClientOrderID)
	})
	return snap
}
