package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/clock"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

const inst schema.InstrumentID = "BTCUSDT.SIM"

type fixture struct {
	x       *SimulatedExchange
	eng     *MatchingEngine
	clock   *clock.TestClock
	factory *order.Factory
	events  []order.Event
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.AddVenue("SIM")
	require.NoError(t, err)
	_, err = reg.AddInstrument(inst, schema.InstrumentSpec{
		Scale:          schema.ScaleSpec{PriceScale: 2, FeeScale: 2},
		PriceIncrement: 1,
		SizeIncrement:  1,
		MaxQuantity:    1_000,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{clock: clock.NewTestClock(1_000)}
	f.x, err = NewSimulatedExchange(cfg, reg, f.clock, func(ev order.Event) { f.events = append(f.events, ev) })
	require.NoError(t, err)
	var ok bool
	f.eng, ok = f.x.Engine(inst)
	require.True(t, ok)
	f.factory = order.NewFactory("T-1", "S-1", f.clock.Now)
	return f
}

func (f *fixture) quote(bid, ask schema.Price, size schema.Quantity) {
	f.x.ProcessQuoteTick(market.QuoteTick{InstrumentID: inst, Bid: bid, Ask: ask, BidSize: size, AskSize: size, TsEvent: f.clock.Now()})
}

func (f *fixture) submit(t *testing.T) func(o *order.Order, err error) *order.Order {
	t.Helper()
	return func(o *order.Order, err error) *order.Order {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, f.x.SubmitOrder(exec.NewSubmitOrder(o, f.clock.Now())))
		return o
	}
}

// take returns the events emitted since the last call.
func (f *fixture) take() []order.Event {
	out := f.events
	f.events = nil
	return out
}

func kinds(evs []order.Event) []order.EventKind {
	out := make([]order.EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

func fillsOf(evs []order.Event) []order.OrderFilled {
	var out []order.OrderFilled
	for _, ev := range evs {
		if f, ok := ev.(order.OrderFilled); ok {
			out = append(out, f)
		}
	}
	return out
}

func TestMarketOrderFillsAgainstQuote(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 101, 5)
	o := f.submit(t)(f.factory.Market(inst, schema.OrderSideBuy, 3))

	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindFilled}, kinds(evs))
	fill := evs[0].(order.OrderFilled)
	assert.Equal(t, o.ClientOrderID(), fill.ClientOrderID)
	assert.Equal(t, schema.Price(101), fill.LastPx)
	assert.Equal(t, schema.Quantity(3), fill.LastQty)
	assert.Equal(t, schema.LiquidityTaker, fill.LiquiditySide)
	assert.Equal(t, schema.AccountID("SIM-001"), fill.AccountID)
	assert.NotEmpty(t, fill.VenueOrderID)
	assert.Equal(t, schema.Quantity(3), f.x.Positions().NetQty(inst))
}

func TestMarketOrderWithoutMarketIsRejected(t *testing.T) {
	f := newFixture(t)
	f.submit(t)(f.factory.Market(inst, schema.OrderSideSell, 1))

	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[0]), "no market for BTCUSDT.SIM")
}

func TestMarketOrderSlipsPastExhaustedL1(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 101, 2)
	f.submit(t)(f.factory.Market(inst, schema.OrderSideBuy, 5))

	fills := fillsOf(f.take())
	require.Len(t, fills, 2)
	assert.Equal(t, schema.Quantity(2), fills[0].LastQty)
	assert.Equal(t, schema.Price(101), fills[0].LastPx)
	assert.Equal(t, schema.Quantity(3), fills[1].LastQty)
	assert.Equal(t, schema.Price(102), fills[1].LastPx)
}

func TestMarketOrderOnL2CancelsRemainder(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.BookType = market.BookL2 })
	f.x.ProcessOrderBook(market.NewOrderBook(inst,
		[]market.Level{{Price: 99, Size: 4}},
		[]market.Level{{Price: 101, Size: 1}, {Price: 102, Size: 2}}, 0))
	f.submit(t)(f.factory.Market(inst, schema.OrderSideBuy, 5))

	evs := f.take()
	assert.Equal(t, []order.EventKind{order.KindFilled, order.KindFilled, order.KindCanceled}, kinds(evs))
	fills := fillsOf(evs)
	assert.Equal(t, schema.Price(101), fills[0].LastPx)
	assert.Equal(t, schema.Price(102), fills[1].LastPx)
	assert.Equal(t, "no more liquidity", order.Reason(evs[2]))
}

func TestLimitOrderRestsThenFillsAsMaker(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 102, 10)
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 5, 100))
	assert.Equal(t, []order.EventKind{order.KindAccepted}, kinds(f.take()))

	f.quote(97, 99, 10)
	fills := fillsOf(f.take())
	require.Len(t, fills, 1)
	assert.Equal(t, schema.Price(100), fills[0].LastPx)
	assert.Equal(t, schema.LiquidityMaker, fills[0].LiquiditySide)
	assert.Empty(t, f.x.OpenOrders())
}

func TestMarketableLimitFillsAsTaker(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 101, 10)
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 103))

	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindAccepted, order.KindFilled}, kinds(evs))
	fill := evs[1].(order.OrderFilled)
	assert.Equal(t, schema.Price(101), fill.LastPx)
	assert.Equal(t, schema.LiquidityTaker, fill.LiquiditySide)
}

func TestPostOnlyThatWouldTakeIsRejected(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 101, 10)
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 101, order.WithPostOnly()))

	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[0]), "would have been a TAKER")
}

func TestImmediateTimeInForce(t *testing.T) {
	tests := []struct {
		name  string
		tif   schema.TimeInForce
		price schema.Price
		want  []order.EventKind
	}{
		{"ioc partial", schema.TimeInForceIOC, 101, []order.EventKind{order.KindAccepted, order.KindFilled, order.KindCanceled}},
		{"ioc unmatched", schema.TimeInForceIOC, 100, []order.EventKind{order.KindAccepted, order.KindCanceled}},
		{"fok short", schema.TimeInForceFOK, 101, []order.EventKind{order.KindAccepted, order.KindCanceled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.quote(98, 101, 2)
			f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 5, tt.price, order.WithTimeInForce(tt.tif)))
			assert.Equal(t, tt.want, kinds(f.take()))
			assert.Empty(t, f.x.OpenOrders())
		})
	}
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	f.quote(97, 102, 10)
	a := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 100))
	b := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 101))
	c := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 100))
	f.take()

	open := f.x.OpenOrders()
	require.Len(t, open, 3)
	assert.Equal(t, []schema.ClientOrderID{b.ClientOrderID(), a.ClientOrderID(), c.ClientOrderID()},
		[]schema.ClientOrderID{open[0].ClientOrderID(), open[1].ClientOrderID(), open[2].ClientOrderID()})

	f.quote(97, 100, 3)
	fills := fillsOf(f.take())
	require.Len(t, fills, 2)
	assert.Equal(t, b.ClientOrderID(), fills[0].ClientOrderID)
	assert.Equal(t, schema.Quantity(2), fills[0].LastQty)
	assert.Equal(t, a.ClientOrderID(), fills[1].ClientOrderID)
	assert.Equal(t, schema.Quantity(1), fills[1].LastQty)
}

func TestStopOrderAlreadyInMarket(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 101, 5)
	f.submit(t)(f.factory.StopMarket(inst, schema.OrderSideBuy, 1, 100))
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[0]), "was in the market")

	f = newFixture(t, func(c *Config) { c.RejectStopOrders = false })
	f.quote(99, 101, 5)
	f.submit(t)(f.factory.StopMarket(inst, schema.OrderSideBuy, 1, 100))
	fills := fillsOf(f.take())
	require.Len(t, fills, 1)
	assert.Equal(t, schema.Price(101), fills[0].LastPx)
}

func TestStopLimitTriggersThenFills(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 100, 5)
	f.submit(t)(f.factory.StopLimit(inst, schema.OrderSideSell, 2, 94, 95))
	assert.Equal(t, []order.EventKind{order.KindAccepted}, kinds(f.take()))

	f.quote(95, 96, 5)
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindTriggered, order.KindFilled}, kinds(evs))
	fill := evs[1].(order.OrderFilled)
	assert.Equal(t, schema.Price(95), fill.LastPx)
	assert.Equal(t, schema.LiquidityTaker, fill.LiquiditySide)
}

func TestTrailingStopFollowsMarket(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 100, 5)
	f.submit(t)(f.factory.TrailingStopMarket(inst, schema.OrderSideSell, 1, 90, 5))
	f.take()

	f.quote(99, 100, 5)
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindUpdated}, kinds(evs))
	assert.Equal(t, schema.Price(94), evs[0].(order.OrderUpdated).TriggerPrice)

	f.quote(104, 105, 5)
	evs = f.take()
	require.Equal(t, []order.EventKind{order.KindUpdated}, kinds(evs))
	assert.Equal(t, schema.Price(99), evs[0].(order.OrderUpdated).TriggerPrice)

	f.quote(98, 99, 5)
	fills := fillsOf(f.take())
	require.Len(t, fills, 1)
	assert.Equal(t, schema.Price(98), fills[0].LastPx)
}

func TestGTDOrderExpiresOnData(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 102, 5)
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 100, order.WithExpireTime(2_000)))
	f.take()

	f.quote(98, 102, 5)
	assert.Empty(t, f.take())

	f.clock.AdvanceTo(2_000)
	f.quote(98, 102, 5)
	assert.Equal(t, []order.EventKind{order.KindExpired}, kinds(f.take()))
}

func TestModifyOrder(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 102, 10)
	o := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 100))
	p := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 99, order.WithPostOnly()))
	f.take()

	require.NoError(t, f.x.ModifyOrder(exec.NewModifyOrder(p, 0, 102, 0, f.clock.Now())))
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindModifyRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[0]), "POST_ONLY")

	require.NoError(t, f.x.ModifyOrder(exec.NewModifyOrder(o, 0, 102, 0, f.clock.Now())))
	evs = f.take()
	require.Equal(t, []order.EventKind{order.KindUpdated, order.KindFilled}, kinds(evs))
	assert.Equal(t, schema.Price(102), evs[0].(order.OrderUpdated).Price)

	require.NoError(t, f.x.ModifyOrder(exec.NewModifyOrder(o, 3, 0, 0, f.clock.Now())))
	evs = f.take()
	require.Equal(t, []order.EventKind{order.KindModifyRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[0]), "not found")
}

func TestCancelCommands(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 102, 10)
	buy := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 97))
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 96))
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideSell, 1, 105))
	f.take()

	require.NoError(t, f.x.CancelOrder(exec.NewCancelOrder(buy, "user", f.clock.Now())))
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindCanceled}, kinds(evs))
	assert.Equal(t, "user", order.Reason(evs[0]))

	require.NoError(t, f.x.CancelOrder(exec.NewCancelOrder(buy, "again", f.clock.Now())))
	assert.Equal(t, []order.EventKind{order.KindCancelRejected}, kinds(f.take()))

	cmd := exec.CancelAllOrders{CommandHeader: exec.NewHeader("T-1", "S-1", inst, f.clock.Now()), Side: schema.OrderSideBuy}
	require.NoError(t, f.x.CancelAllOrders(cmd))
	assert.Equal(t, []order.EventKind{order.KindCanceled}, kinds(f.take()))
	require.Len(t, f.x.OpenOrders(), 1)
	assert.Equal(t, schema.OrderSideSell, f.x.OpenOrders()[0].Side())
}

func TestAuctionsFollowSessionStatus(t *testing.T) {
	f := newFixture(t)
	f.eng.ProcessStatus(market.ActionClose)
	require.Equal(t, schema.MarketStatusClosed, f.eng.Status())

	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 2, 101, order.WithTimeInForce(schema.TimeInForceAtTheOpen)))
	f.submit(t)(f.factory.Market(inst, schema.OrderSideBuy, 1))
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindAccepted, order.KindRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[1]), "is CLOSED")

	f.quote(99, 100, 5)
	assert.Empty(t, f.take())

	f.eng.ProcessStatus(market.ActionPreOpen)
	assert.Equal(t, schema.MarketStatusPreOpen, f.eng.Status())
	f.eng.ProcessStatus(market.ActionTrading)
	assert.Equal(t, schema.MarketStatusOpen, f.eng.Status())
	fills := fillsOf(f.take())
	require.Len(t, fills, 1)
	assert.Equal(t, schema.Price(100), fills[0].LastPx)

	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 101, order.WithTimeInForce(schema.TimeInForceAtTheOpen)))
	assert.Equal(t, []order.EventKind{order.KindAccepted}, kinds(f.take()))
	f.quote(99, 100, 5)
	assert.Empty(t, f.take(), "AT_THE_OPEN order waits for the next open")

	f.submit(t)(f.factory.Limit(inst, schema.OrderSideSell, 3, 99, order.WithTimeInForce(schema.TimeInForceAtTheClose)))
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 90, order.WithTimeInForce(schema.TimeInForceDay)))
	assert.Equal(t, []order.EventKind{order.KindAccepted, order.KindAccepted}, kinds(f.take()))

	f.eng.ProcessStatus(market.ActionClose)
	evs = f.take()
	require.Equal(t, []order.EventKind{order.KindFilled, order.KindExpired}, kinds(evs))
	assert.Equal(t, schema.Price(99), evs[0].(order.OrderFilled).LastPx)
	assert.Equal(t, schema.Quantity(3), evs[0].(order.OrderFilled).LastQty)

	f.eng.ProcessStatus(market.ActionTrading)
	fills = fillsOf(f.take())
	require.Len(t, fills, 1)
	assert.Equal(t, schema.Quantity(1), fills[0].LastQty)
	assert.Equal(t, schema.Price(100), fills[0].LastPx)
}

func TestInstrumentCloseFlattensPosition(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 101, 10)
	f.submit(t)(f.factory.Market(inst, schema.OrderSideBuy, 3))
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideSell, 1, 110))
	f.take()

	f.x.ProcessInstrumentClose(market.InstrumentClose{InstrumentID: inst, ClosePrice: 105, Type: market.CloseContractExpired})
	evs := f.take()
	require.Equal(t, []order.EventKind{
		order.KindCanceled, order.KindInitialized, order.KindSubmitted, order.KindAccepted, order.KindFilled,
	}, kinds(evs))
	init := evs[1].(order.OrderInitialized).Init
	assert.True(t, init.ReduceOnly)
	assert.Equal(t, schema.OrderSideSell, init.Side)
	fill := evs[4].(order.OrderFilled)
	assert.Equal(t, schema.Price(105), fill.LastPx)
	assert.Equal(t, schema.Quantity(3), fill.LastQty)
	assert.Zero(t, f.x.Positions().NetQty(inst))
	assert.Equal(t, schema.MarketStatusClosed, f.eng.Status())
}

func TestReduceOnly(t *testing.T) {
	f := newFixture(t)
	f.quote(99, 101, 10)
	f.submit(t)(f.factory.Market(inst, schema.OrderSideSell, 1, order.WithReduceOnly()))
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindRejected}, kinds(evs))
	assert.Contains(t, order.Reason(evs[0]), "REDUCE_ONLY")

	f.submit(t)(f.factory.Market(inst, schema.OrderSideBuy, 2))
	f.take()
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideSell, 5, 99, order.WithReduceOnly()))
	evs = f.take()
	require.Equal(t, []order.EventKind{order.KindAccepted, order.KindUpdated, order.KindFilled}, kinds(evs))
	assert.Equal(t, schema.Quantity(2), evs[1].(order.OrderUpdated).Quantity)
	assert.Equal(t, schema.Quantity(2), evs[2].(order.OrderFilled).LastQty)
	assert.Zero(t, f.x.Positions().NetQty(inst))
}

func TestDuplicateOrderIsRejected(t *testing.T) {
	f := newFixture(t)
	f.quote(98, 102, 10)
	o := f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 100))
	f.take()
	require.NoError(t, f.x.SubmitOrder(exec.NewSubmitOrder(o, f.clock.Now())))
	evs := f.take()
	require.Equal(t, []order.EventKind{order.KindRejected}, kinds(evs))
	assert.Equal(t, "order already exists", order.Reason(evs[0]))
}

func TestTouchFillFollowsFillModel(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FillModel = FillModel{ProbFillOnLimit: 0, Seed: 7} })
	f.quote(98, 102, 10)
	f.submit(t)(f.factory.Limit(inst, schema.OrderSideBuy, 1, 100))
	f.take()

	f.quote(98, 100, 10)
	assert.Empty(t, f.take())
	f.quote(98, 99, 10)
	assert.Len(t, fillsOf(f.take()), 1)
}

func TestFillSamplerIsDeterministic(t *testing.T) {
	m := FillModel{ProbFillOnLimit: 0.5, ProbSlippage: 0.3, Seed: 42}
	a, b := newFillSampler(m), newFillSampler(m)
	for range 50 {
		require.Equal(t, a.isLimitFilled(), b.isLimitFilled())
		require.Equal(t, a.isSlipped(), b.isSlipped())
	}

	never := newFillSampler(FillModel{})
	always := newFillSampler(FillModel{ProbFillOnLimit: 1, ProbSlippage: 1})
	assert.False(t, never.isLimitFilled())
	assert.True(t, always.isSlipped())

	require.Error(t, FillModel{ProbFillOnLimit: 1.5}.Validate())
	require.Error(t, FillModel{ProbSlippage: -0.1}.Validate())
}

func TestMakerTakerFee(t *testing.T) {
	fee := MakerTakerFee{MakerBps: decimal.NewFromInt(2), TakerBps: decimal.NewFromInt(10)}
	instrument := schema.Instrument{InstrumentSpec: schema.InstrumentSpec{Scale: schema.ScaleSpec{PriceScale: 2, FeeScale: 2}}}

	assert.Equal(t, schema.Fee(30), fee.Commission(nil, 3, 10_000, instrument, schema.LiquidityTaker))
	assert.Equal(t, schema.Fee(6), fee.Commission(nil, 3, 10_000, instrument, schema.LiquidityMaker))
	assert.Zero(t, MakerTakerFee{}.Commission(nil, 3, 10_000, instrument, schema.LiquidityTaker))
}

func TestExchangeRejectsUnknownInstrument(t *testing.T) {
	f := newFixture(t)
	o, err := f.factory.Limit("ETHUSDT.SIM", schema.OrderSideBuy, 1, 100)
	require.NoError(t, err)
	require.ErrorContains(t, f.x.SubmitOrder(exec.NewSubmitOrder(o, f.clock.Now())), "not listed")

	require.ErrorContains(t, f.x.QueryOrder(exec.QueryOrder{ClientOrderID: "missing"}), "not known")
}
