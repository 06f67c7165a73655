package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
	"ordercore/internal/state"
	"ordercore/internal/store"
)

const inst schema.InstrumentID = "BTCUSDT.SIM"

func newOrder(t *testing.T, id schema.ClientOrderID, tif int64, emulate bool) *order.Order {
	t.Helper()
	in := order.Init{
		TraderID: "T-1", StrategyID: "S-1", ClientOrderID: id, InstrumentID: inst,
		Side: schema.OrderSideBuy, Type: schema.OrderTypeLimit, Quantity: 10, Price: 100,
		TimeInForce: schema.TimeInForceGTC, TsInit: tif,
	}
	if emulate {
		in.EmulationTrigger = schema.TriggerDefault
	}
	o, err := order.New(in)
	require.NoError(t, err)
	return o
}

func TestAddOrderRejectsDuplicates(t *testing.T) {
	c := New(nil, nil)
	o := newOrder(t, "O-1", 1, false)
	require.NoError(t, c.AddOrder(o))
	require.ErrorIs(t, c.AddOrder(o), ErrDuplicateOrder)
	assert.True(t, c.OrderExists("O-1"))
}

func TestReadsReturnCopies(t *testing.T) {
	c := New(nil, nil)
	o := newOrder(t, "O-1", 1, false)
	require.NoError(t, c.AddOrder(o))

	got, ok := c.Order("O-1")
	require.True(t, ok)
	require.NoError(t, got.Apply(order.OrderSubmitted{EventMeta: order.NewMeta(got, 2)}))

	again, _ := c.Order("O-1")
	assert.Equal(t, order.StatusInitialized, again.Status())
}

func TestApplyEventIndexesAndPositions(t *testing.T) {
	c := New(nil, nil)
	o := newOrder(t, "O-1", 1, false)
	require.NoError(t, c.AddOrder(o))

	_, err := c.ApplyEvent(order.OrderSubmitted{EventMeta: order.NewMeta(o, 2)})
	require.NoError(t, err)
	assert.Len(t, c.OrdersInflight(inst), 1)

	_, err = c.ApplyEvent(order.OrderAccepted{EventMeta: order.NewMeta(o, 3), VenueOrderID: "V-9"})
	require.NoError(t, err)
	id, ok := c.ClientOrderID("V-9")
	require.True(t, ok)
	assert.Equal(t, schema.ClientOrderID("O-1"), id)
	assert.Len(t, c.OrdersOpen(inst), 1)

	got, err := c.ApplyEvent(order.OrderFilled{
		EventMeta: order.NewMeta(o, 4), TradeID: "X-1", Side: schema.OrderSideBuy, LastQty: 10, LastPx: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, got.Status())
	assert.Equal(t, schema.Quantity(10), c.NetQty(inst))
	assert.Empty(t, c.OrdersOpen(inst))
	assert.Len(t, c.OrdersClosed(inst), 1)

	_, err = c.ApplyEvent(order.OrderCanceled{EventMeta: order.NewMeta(o, 5)})
	require.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestApplyEventCreatesExternalOrder(t *testing.T) {
	c := New(nil, nil)
	o := newOrder(t, "EXT-1", 1, false)
	init := o.Events()[0].(order.OrderInitialized)

	got, err := c.ApplyEvent(init)
	require.NoError(t, err)
	assert.Equal(t, schema.ClientOrderID("EXT-1"), got.ClientOrderID())

	_, err = c.ApplyEvent(order.OrderSubmitted{EventMeta: order.EventMeta{ClientOrderID: "missing"}})
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestFiltersAndOrdering(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.AddOrder(newOrder(t, "O-2", 5, true)))
	require.NoError(t, c.AddOrder(newOrder(t, "O-1", 5, false)))
	require.NoError(t, c.AddOrder(newOrder(t, "O-0", 9, false)))

	emulated, _ := c.Order("O-2")
	_, err := c.ApplyEvent(order.OrderEmulated{EventMeta: order.NewMeta(emulated, 6)})
	require.NoError(t, err)

	all := c.Orders(Filter{InstrumentID: inst})
	require.Len(t, all, 3)
	assert.Equal(t, schema.ClientOrderID("O-1"), all[0].ClientOrderID())
	assert.Equal(t, schema.ClientOrderID("O-2"), all[1].ClientOrderID())
	assert.Equal(t, schema.ClientOrderID("O-0"), all[2].ClientOrderID())

	assert.Len(t, c.OrdersEmulated(inst), 1)
	assert.Len(t, c.OrdersActiveLocal(inst), 3)
	assert.Empty(t, c.Orders(Filter{InstrumentID: "ETHUSDT.SIM"}))
	assert.Empty(t, c.Orders(Filter{StrategyID: "other"}))
}

func TestLoadRestoresFromStore(t *testing.T) {
	s, err := store.OpenPebbleInMemory()
	require.NoError(t, err)
	defer s.Close()

	c := New(nil, s)
	o := newOrder(t, "O-1", 1, false)
	require.NoError(t, c.AddOrder(o))
	for _, ev := range []order.Event{
		order.OrderSubmitted{EventMeta: order.NewMeta(o, 2)},
		order.OrderAccepted{EventMeta: order.NewMeta(o, 3), VenueOrderID: "V-1"},
		order.OrderFilled{EventMeta: order.NewMeta(o, 4), TradeID: "X-1", Side: schema.OrderSideBuy, LastQty: 4, LastPx: 100},
	} {
		_, err := c.ApplyEvent(ev)
		require.NoError(t, err)
	}
	require.NoError(t, c.AddOrderList(order.List{ID: "OL-1", InstrumentID: inst, OrderIDs: []schema.ClientOrderID{"O-1"}}))

	restored := New(nil, s)
	require.NoError(t, restored.Load())
	got, ok := restored.Order("O-1")
	require.True(t, ok)
	assert.Equal(t, order.StatusPartiallyFilled, got.Status())
	assert.Equal(t, schema.Quantity(4), restored.NetQty(inst))
	id, ok := restored.ClientOrderID("V-1")
	require.True(t, ok)
	assert.Equal(t, schema.ClientOrderID("O-1"), id)
	_, ok = restored.OrderList("OL-1")
	assert.True(t, ok)
}

func TestRestore(t *testing.T) {
	o := newOrder(t, "O-1", 1, false)
	require.NoError(t, o.Apply(order.OrderSubmitted{EventMeta: order.NewMeta(o, 2)}))
	require.NoError(t, o.Apply(order.OrderAccepted{EventMeta: order.NewMeta(o, 3), VenueOrderID: "V-1"}))

	c := New(nil, nil)
	c.Restore([]*order.Order{o}, []state.Position{{InstrumentID: inst, NetQty: -3}})

	got, ok := c.Order("O-1")
	require.True(t, ok)
	assert.Equal(t, order.StatusAccepted, got.Status())
	assert.Len(t, c.OrdersOpen(inst), 1)
	assert.Equal(t, schema.Quantity(-3), c.NetQty(inst))
	id, ok := c.ClientOrderID("V-1")
	require.True(t, ok)
	assert.Equal(t, schema.ClientOrderID("O-1"), id)
}

func TestReferencePrice(t *testing.T) {
	c := New(nil, nil)
	_, ok := c.ReferencePrice(inst)
	assert.False(t, ok)

	c.AddTrade(market.TradeTick{InstrumentID: inst, Price: 101})
	px, ok := c.ReferencePrice(inst)
	require.True(t, ok)
	assert.Equal(t, schema.Price(101), px)

	c.AddQuote(market.QuoteTick{InstrumentID: inst, Bid: 99, Ask: 103})
	px, _ = c.ReferencePrice(inst)
	assert.Equal(t, schema.Price(101), px)
	q, ok := c.Quote(inst)
	require.True(t, ok)
	assert.Equal(t, schema.Price(103), q.Ask)
}
