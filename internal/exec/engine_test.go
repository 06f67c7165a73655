package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/bus"
	"ordercore/internal/cache"
	"ordercore/internal/clock"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

const inst schema.InstrumentID = "BTCUSDT.SIM"

type fakeClient struct {
	submits   []SubmitOrder
	modifies  []ModifyOrder
	cancels   []CancelOrder
	cancelAll []CancelAllOrders
	batches   []BatchCancelOrders
	queries   []QueryOrder
	err       error
}

func (c *fakeClient) Venue() string                         { return "SIM" }
func (c *fakeClient) AccountID() schema.AccountID           { return "SIM-001" }
func (c *fakeClient) SubmitOrderList(SubmitOrderList) error { return c.err }

func (c *fakeClient) SubmitOrder(cmd SubmitOrder) error {
	c.submits = append(c.submits, cmd)
	return c.err
}
func (c *fakeClient) ModifyOrder(cmd ModifyOrder) error {
	c.modifies = append(c.modifies, cmd)
	return c.err
}
func (c *fakeClient) CancelOrder(cmd CancelOrder) error {
	c.cancels = append(c.cancels, cmd)
	return c.err
}
func (c *fakeClient) CancelAllOrders(cmd CancelAllOrders) error {
	c.cancelAll = append(c.cancelAll, cmd)
	return c.err
}
func (c *fakeClient) BatchCancelOrders(cmd BatchCancelOrders) error {
	c.batches = append(c.batches, cmd)
	return c.err
}
func (c *fakeClient) QueryOrder(cmd QueryOrder) error {
	c.queries = append(c.queries, cmd)
	return c.err
}

type recordingJournal struct{ kinds []order.EventKind }

func (j *recordingJournal) RecordOrderEvent(ev order.Event) error {
	j.kinds = append(j.kinds, ev.Kind())
	return nil
}

type fixture struct {
	engine    *Engine
	cache     *cache.Cache
	client    *fakeClient
	clock     *clock.TestClock
	journal   *recordingJournal
	published []order.Event
	factory   *order.Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cache:   cache.New(nil, nil),
		client:  &fakeClient{},
		clock:   clock.NewTestClock(1_000),
		journal: &recordingJournal{},
	}
	b := bus.NewSyncBus()
	b.Subscribe(bus.TopicOrderEvents, func(msg any) { f.published = append(f.published, msg.(order.Event)) })
	f.engine = NewEngine(f.cache, b, f.clock, WithJournal(f.journal))
	f.engine.Register()
	f.engine.RegisterClient(f.client)
	f.factory = order.NewFactory("T-1", "S-1", f.clock.Now)
	return f
}

func (f *fixture) limit(t *testing.T, opts ...order.Option) *order.Order {
	t.Helper()
	o, err := f.factory.Limit(inst, schema.OrderSideBuy, 10, 100, opts...)
	require.NoError(t, err)
	return o
}

func (f *fixture) status(t *testing.T, id schema.ClientOrderID) order.Status {
	t.Helper()
	o, ok := f.cache.Order(id)
	require.True(t, ok)
	return o.Status()
}

func (f *fixture) accept(t *testing.T, o *order.Order) {
	t.Helper()
	f.engine.Execute(NewSubmitOrder(o, f.clock.Now()))
	f.engine.Process(order.OrderAccepted{EventMeta: order.NewMeta(o, f.clock.Now()), VenueOrderID: "V-" + schema.VenueOrderID(o.ClientOrderID())})
	require.Equal(t, order.StatusAccepted, f.status(t, o.ClientOrderID()))
}

func TestSubmitAddsAndSubmits(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t)
	f.engine.Execute(NewSubmitOrder(o, 1_000))

	require.Len(t, f.client.submits, 1)
	assert.Equal(t, order.StatusSubmitted, f.client.submits[0].Order.Status())
	assert.Equal(t, order.StatusSubmitted, f.status(t, o.ClientOrderID()))
	assert.Equal(t, []order.EventKind{order.KindInitialized, order.KindSubmitted}, f.journal.kinds)
	require.Len(t, f.published, 2)

	f.engine.Execute(NewSubmitOrder(o, 1_001))
	assert.Len(t, f.client.submits, 1, "already submitted orders are never resubmitted")
}

func TestSubmitRejectedWhenClientFails(t *testing.T) {
	f := newFixture(t)
	f.client.err = assert.AnError
	o := f.limit(t)
	f.engine.Execute(NewSubmitOrder(o, 1_000))
	assert.Equal(t, order.StatusRejected, f.status(t, o.ClientOrderID()))
}

func TestProtocolErrorsAreDropped(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t)
	f.accept(t, o)
	fill := order.OrderFilled{EventMeta: order.NewMeta(o, 1_000), TradeID: "X-1", Side: schema.OrderSideBuy, LastQty: 4, LastPx: 100}
	_, ok := f.engine.Apply(fill)
	require.True(t, ok)
	_, ok = f.engine.Apply(fill)
	assert.False(t, ok)
	_, ok = f.engine.Apply(order.OrderFilled{EventMeta: order.NewMeta(o, 1_000), TradeID: "X-2", LastQty: 7, LastPx: 100})
	assert.False(t, ok)

	got, _ := f.cache.Order(o.ClientOrderID())
	assert.Equal(t, schema.Quantity(4), got.FilledQty())
	assert.NoError(t, f.engine.Err())
}

func TestModifyNoOpSendsNothing(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t)
	f.accept(t, o)

	f.engine.Execute(NewModifyOrder(o, 10, 100, 0, 1_000))
	assert.Empty(t, f.client.modifies)
	assert.Equal(t, order.StatusAccepted, f.status(t, o.ClientOrderID()))

	f.engine.Execute(NewModifyOrder(o, 8, 0, 0, 1_000))
	require.Len(t, f.client.modifies, 1)
	assert.Equal(t, order.StatusPendingUpdate, f.status(t, o.ClientOrderID()))
}

func TestModifyWhilePendingUpdateIsForwarded(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t)
	f.accept(t, o)

	f.engine.Execute(NewModifyOrder(o, 8, 0, 0, 1_000))
	f.engine.Execute(NewModifyOrder(o, 6, 0, 0, 1_001))

	require.Len(t, f.client.modifies, 2)
	assert.Equal(t, schema.Quantity(6), f.client.modifies[1].Quantity)
	assert.Equal(t, order.StatusPendingUpdate, f.status(t, o.ClientOrderID()))
	assert.Equal(t, 1, countKind(f.journal.kinds, order.KindPendingUpdate))
}

func countKind(kinds []order.EventKind, k order.EventKind) int {
	var n int
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestCancelRejectRevertsToAccepted(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t)
	f.accept(t, o)

	f.client.err = assert.AnError
	f.engine.Execute(NewCancelOrder(o, "user", 1_000))
	require.Len(t, f.client.cancels, 1)
	assert.Equal(t, order.StatusAccepted, f.status(t, o.ClientOrderID()))
}

func TestCancelLocalOrderNeverReachesVenue(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t)
	require.NoError(t, f.engine.AddOrder(o))
	f.engine.Execute(NewCancelOrder(o, "user", 1_000))
	assert.Empty(t, f.client.cancels)
	assert.Equal(t, order.StatusCanceled, f.status(t, o.ClientOrderID()))
}

func TestCancelAllBySide(t *testing.T) {
	f := newFixture(t)
	buy := f.limit(t)
	sell, err := f.factory.Limit(inst, schema.OrderSideSell, 10, 110)
	require.NoError(t, err)
	f.accept(t, buy)
	f.accept(t, sell)

	f.engine.Execute(CancelAllOrders{CommandHeader: NewHeader("T-1", "S-1", inst, 1_000), Side: schema.OrderSideSell})
	require.Len(t, f.client.cancelAll, 1)
	assert.Equal(t, order.StatusAccepted, f.status(t, buy.ClientOrderID()))
	assert.Equal(t, order.StatusPendingCancel, f.status(t, sell.ClientOrderID()))
}

func TestBatchCancel(t *testing.T) {
	f := newFixture(t)
	a, b := f.limit(t), f.limit(t)
	f.accept(t, a)
	f.accept(t, b)

	f.engine.Execute(BatchCancelOrders{
		CommandHeader: NewHeader("T-1", "S-1", inst, 1_000),
		Cancels:       []CancelOrder{NewCancelOrder(a, "", 1_000), NewCancelOrder(b, "", 1_000), {ClientOrderID: "missing"}},
	})
	require.Len(t, f.client.batches, 1)
	assert.Len(t, f.client.batches[0].Cancels, 2)
	assert.Equal(t, "V-"+schema.VenueOrderID(a.ClientOrderID()), f.client.batches[0].Cancels[0].VenueOrderID)
}

func TestGTDTimerExpiresLocalAndCancelsVenueOrders(t *testing.T) {
	f := newFixture(t)
	local := f.limit(t, order.WithExpireTime(5_000))
	venue := f.limit(t, order.WithExpireTime(6_000))
	require.NoError(t, f.engine.AddOrder(local))
	f.accept(t, venue)
	assert.Len(t, f.engine.Expiry().Scheduled(), 2)

	f.clock.AdvanceTo(5_000)
	assert.Equal(t, order.StatusExpired, f.status(t, local.ClientOrderID()))

	f.clock.AdvanceTo(6_000)
	require.Len(t, f.client.cancels, 1)
	assert.Equal(t, "GTD expired", f.client.cancels[0].Reason)
	assert.Equal(t, order.StatusPendingCancel, f.status(t, venue.ClientOrderID()))
}

func TestGTDTimerCanceledWhenOrderCloses(t *testing.T) {
	f := newFixture(t)
	o := f.limit(t, order.WithExpireTime(5_000))
	f.accept(t, o)
	f.engine.Process(order.OrderCanceled{EventMeta: order.NewMeta(o, 2_000), Reason: "user"})
	assert.Empty(t, f.engine.Expiry().Scheduled())
	assert.Empty(t, f.clock.TimerNames())

	f.clock.AdvanceTo(10_000)
	assert.Empty(t, f.client.cancels)
}

func TestStartExpiresPastDueOrders(t *testing.T) {
	c := cache.New(nil, nil)
	factory := order.NewFactory("T-1", "S-1", func() int64 { return 1 })
	due, err := factory.Limit(inst, schema.OrderSideBuy, 1, 100, order.WithExpireTime(500))
	require.NoError(t, err)
	later, err := factory.Limit(inst, schema.OrderSideBuy, 1, 100, order.WithExpireTime(5_000))
	require.NoError(t, err)
	require.NoError(t, c.AddOrder(due))
	require.NoError(t, c.AddOrder(later))

	e := NewEngine(c, bus.NewSyncBus(), clock.NewTestClock(1_000))
	e.Start()

	got, _ := c.Order(due.ClientOrderID())
	assert.Equal(t, order.StatusExpired, got.Status())
	assert.Equal(t, []schema.ClientOrderID{later.ClientOrderID()}, e.Expiry().Scheduled())
}
