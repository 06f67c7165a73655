package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/bus"
	"ordercore/internal/cache"
	"ordercore/internal/clock"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/obs"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

const inst schema.InstrumentID = "BTCUSDT.SIM"

type fixture struct {
	risk     *Engine
	cache    *cache.Cache
	factory  *order.Factory
	metrics  *obs.Metrics
	toExec   []any
	toEmu    []any
	riskEvts []order.Event
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.AddVenue("SIM")
	require.NoError(t, err)
	_, err = reg.AddInstrument(inst, schema.InstrumentSpec{PriceIncrement: 5, SizeIncrement: 1, MaxQuantity: 1_000})
	require.NoError(t, err)

	f := &fixture{cache: cache.New(reg, nil), metrics: obs.NewMetrics()}
	clk := clock.NewTestClock(1_000)
	b := bus.NewSyncBus()
	b.Register(bus.EndpointExec, func(msg any) { f.toExec = append(f.toExec, msg) })
	b.Register(bus.EndpointEmulator, func(msg any) { f.toEmu = append(f.toEmu, msg) })
	b.Subscribe(bus.TopicRiskEvents, func(msg any) { f.riskEvts = append(f.riskEvts, msg.(order.Event)) })
	sink := exec.NewEngine(f.cache, b, clk)
	f.risk = NewEngine(cfg, f.cache, b, sink, clk, f.metrics)
	f.risk.Register()
	f.factory = order.NewFactory("T-1", "S-1", clk.Now)
	return f
}

func (f *fixture) status(t *testing.T, id schema.ClientOrderID) order.Status {
	t.Helper()
	o, ok := f.cache.Order(id)
	require.True(t, ok)
	return o.Status()
}

func TestSubmitRoutesByEmulation(t *testing.T) {
	f := newFixture(t, Config{})
	direct, err := f.factory.Limit(inst, schema.OrderSideBuy, 10, 100)
	require.NoError(t, err)
	emulated, err := f.factory.StopMarket(inst, schema.OrderSideSell, 10, 95, order.WithEmulationTrigger(schema.TriggerBidAsk))
	require.NoError(t, err)

	f.risk.Execute(exec.NewSubmitOrder(direct, 1_000))
	f.risk.Execute(exec.NewSubmitOrder(emulated, 1_000))

	assert.Len(t, f.toExec, 1)
	assert.Len(t, f.toEmu, 1)
	assert.True(t, f.cache.OrderExists(direct.ClientOrderID()))
	assert.Equal(t, uint64(2), f.metrics.Snapshot().CommandCounts[schema.CommandSubmitOrder])
}

func TestDuplicateIDLeavesCachedOrderAlone(t *testing.T) {
	f := newFixture(t, Config{})
	o, err := f.factory.Limit(inst, schema.OrderSideBuy, 10, 100)
	require.NoError(t, err)
	f.risk.Execute(exec.NewSubmitOrder(o, 1_000))
	f.risk.Execute(exec.NewSubmitOrder(o, 1_001))

	require.Len(t, f.riskEvts, 1)
	assert.Equal(t, order.KindDenied, f.riskEvts[0].Kind())
	assert.Equal(t, order.StatusInitialized, f.status(t, o.ClientOrderID()))
	assert.Len(t, f.toExec, 1)
}

func TestChecksDenyWithReason(t *testing.T) {
	cases := []struct {
		name   string
		cfg    Config
		build  func(*order.Factory) (*order.Order, error)
		reason schema.RiskReason
	}{
		{
			name:   "kill switch",
			cfg:    Config{KillSwitch: true},
			build:  func(f *order.Factory) (*order.Order, error) { return f.Limit(inst, schema.OrderSideBuy, 1, 100) },
			reason: schema.RiskReasonKillSwitch,
		},
		{
			name:   "price increment",
			build:  func(f *order.Factory) (*order.Order, error) { return f.Limit(inst, schema.OrderSideBuy, 1, 101) },
			reason: schema.RiskReasonInvalidOrder,
		},
		{
			name:   "instrument max quantity",
			build:  func(f *order.Factory) (*order.Order, error) { return f.Limit(inst, schema.OrderSideBuy, 2_000, 100) },
			reason: schema.RiskReasonInvalidOrder,
		},
		{
			name:   "max order qty",
			cfg:    Config{MaxOrderQty: 5},
			build:  func(f *order.Factory) (*order.Order, error) { return f.Limit(inst, schema.OrderSideBuy, 6, 100) },
			reason: schema.RiskReasonMaxQty,
		},
		{
			name:   "max notional",
			cfg:    Config{MaxOrderNotional: 500},
			build:  func(f *order.Factory) (*order.Order, error) { return f.Limit(inst, schema.OrderSideBuy, 6, 100) },
			reason: schema.RiskReasonMaxNotional,
		},
		{
			name:   "max position",
			cfg:    Config{MaxPosition: 5},
			build:  func(f *order.Factory) (*order.Order, error) { return f.Limit(inst, schema.OrderSideSell, 6, 100) },
			reason: schema.RiskReasonPositionLimit,
		},
		{
			name: "reduce only when flat",
			build: func(f *order.Factory) (*order.Order, error) {
				return f.Limit(inst, schema.OrderSideSell, 1, 100, order.WithReduceOnly())
			},
			reason: schema.RiskReasonReduceOnly,
		},
		{
			name: "unknown instrument",
			build: func(f *order.Factory) (*order.Order, error) {
				return f.Limit("ETHUSDT.SIM", schema.OrderSideBuy, 1, 100)
			},
			reason: schema.RiskReasonInvalidOrder,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cfg)
			o, err := tc.build(f.factory)
			require.NoError(t, err)
			f.risk.Execute(exec.NewSubmitOrder(o, 1_000))

			got, ok := f.cache.Order(o.ClientOrderID())
			require.True(t, ok)
			assert.Equal(t, order.StatusDenied, got.Status())
			denied := got.LastEvent().(order.OrderDenied)
			assert.Contains(t, denied.Reason, tc.reason.String())
			assert.Empty(t, f.toExec)
			assert.Equal(t, uint64(1), f.metrics.Snapshot().RiskReasonCounts[tc.reason])
		})
	}
}

func TestPriceBandUsesReferencePrice(t *testing.T) {
	f := newFixture(t, Config{MaxPriceDeviationBps: 100})
	f.cache.AddQuote(market.QuoteTick{InstrumentID: inst, Bid: 995, Ask: 1_005})

	near, err := f.factory.Limit(inst, schema.OrderSideBuy, 1, 1_005)
	require.NoError(t, err)
	far, err := f.factory.Limit(inst, schema.OrderSideBuy, 1, 1_100)
	require.NoError(t, err)
	f.risk.Execute(exec.NewSubmitOrder(near, 1_000))
	f.risk.Execute(exec.NewSubmitOrder(far, 1_000))

	assert.Equal(t, order.StatusInitialized, f.status(t, near.ClientOrderID()))
	assert.Equal(t, order.StatusDenied, f.status(t, far.ClientOrderID()))
}

func TestRateLimitWindow(t *testing.T) {
	f := newFixture(t, Config{OrderRateLimit: 2, OrderRateWindow: time.Second})
	var ids []schema.ClientOrderID
	for range 3 {
		o, err := f.factory.Limit(inst, schema.OrderSideBuy, 1, 100)
		require.NoError(t, err)
		f.risk.Execute(exec.NewSubmitOrder(o, 1_000))
		ids = append(ids, o.ClientOrderID())
	}
	assert.Equal(t, order.StatusInitialized, f.status(t, ids[1]))
	assert.Equal(t, order.StatusDenied, f.status(t, ids[2]))
}

func TestOrderListIsAllOrNothing(t *testing.T) {
	f := newFixture(t, Config{})
	list, orders, err := f.factory.Bracket(order.BracketSpec{
		InstrumentID: inst, Side: schema.OrderSideBuy, Quantity: 10,
		EntryType: schema.OrderTypeLimit, EntryPrice: 100, SLTrigger: 90, TPPrice: 121,
	})
	require.NoError(t, err)
	f.risk.Execute(exec.SubmitOrderList{CommandHeader: exec.NewHeader("T-1", "S-1", inst, 1_000), List: list, Orders: orders})

	for _, o := range orders {
		assert.Equal(t, order.StatusDenied, f.status(t, o.ClientOrderID()), o.ClientOrderID())
	}
	assert.Empty(t, f.toEmu)

	list, orders, err = f.factory.Bracket(order.BracketSpec{
		InstrumentID: inst, Side: schema.OrderSideBuy, Quantity: 10,
		EntryType: schema.OrderTypeLimit, EntryPrice: 100, SLTrigger: 90, TPPrice: 120,
	})
	require.NoError(t, err)
	f.risk.Execute(exec.SubmitOrderList{CommandHeader: exec.NewHeader("T-1", "S-1", inst, 1_000), List: list, Orders: orders})
	require.Len(t, f.toEmu, 1)
	_, ok := f.cache.OrderList(list.ID)
	assert.True(t, ok)
}

func TestCancelRoutesLocalOrdersToEmulator(t *testing.T) {
	f := newFixture(t, Config{})
	o, err := f.factory.StopMarket(inst, schema.OrderSideSell, 10, 95, order.WithEmulationTrigger(schema.TriggerBidAsk))
	require.NoError(t, err)
	f.risk.Execute(exec.NewSubmitOrder(o, 1_000))
	f.risk.Execute(exec.NewCancelOrder(o, "user", 1_000))
	assert.Len(t, f.toEmu, 2)
	assert.Empty(t, f.toExec)
}
