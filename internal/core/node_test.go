package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/codec"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/obs"
	"ordercore/internal/ops"
	"ordercore/internal/order"
	"ordercore/internal/reconcile"
	"ordercore/internal/recorder"
	"ordercore/internal/schema"
	"ordercore/internal/state"
	"ordercore/pkg/exception"
)

const inst schema.InstrumentID = "BTCUSDT.SIM"

func config(t *testing.T, extra string) ops.Config {
	t.Helper()
	if extra != "" {
		extra = "," + extra
	}
	cfg, err := ops.Parse(fmt.Appendf(nil, `{
		"node": {"traderId": "T-1", "strategyId": "S-1"},
		"registry": {
			"instruments": [
				{"id": %q, "scale": {"priceScale": 2, "feeScale": 2}, "priceIncrement": 1, "sizeIncrement": 1, "maxQuantity": 1000}
			]
		},
		"feed": {"replayDir": %q}%s
	}`, inst, t.TempDir(), extra))
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, cfg ops.Config, opts ...Option) *Node {
	t.Helper()
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func quote(bid, ask schema.Price, ts int64) market.QuoteTick {
	return market.QuoteTick{InstrumentID: inst, Bid: bid, Ask: ask, BidSize: 100, AskSize: 100, TsEvent: ts}
}

func header(n *Node) exec.CommandHeader {
	return exec.NewHeader("T-1", "S-1", inst, n.Clock().Now())
}

func status(t *testing.T, n *Node, id schema.ClientOrderID) order.Status {
	t.Helper()
	o, ok := n.Cache().Order(id)
	require.True(t, ok, "order %s not cached", id)
	return o.Status()
}

func submitLimit(t *testing.T, n *Node, price schema.Price) schema.ClientOrderID {
	t.Helper()
	o, err := n.Factory().Limit(inst, schema.OrderSideBuy, 10, price)
	require.NoError(t, err)
	require.NoError(t, n.Submit(exec.NewSubmitOrder(o, n.Clock().Now())))
	return o.ClientOrderID()
}

func TestBracketThroughNode(t *testing.T) {
	n := start(t, config(t, ""))
	var kinds []order.EventKind
	n.OnOrderEvent(func(ev order.Event) { kinds = append(kinds, ev.Kind()) })

	n.OnQuote(quote(100, 101, 1_000))
	list, orders, err := n.Factory().Bracket(order.BracketSpec{
		InstrumentID: inst,
		Side:         schema.OrderSideBuy,
		Quantity:     10,
		EntryType:    schema.OrderTypeLimit,
		EntryPrice:   95,
		SLTrigger:    90,
		TPPrice:      110,
	})
	require.NoError(t, err)
	require.NoError(t, n.Submit(exec.SubmitOrderList{CommandHeader: header(n), List: list, Orders: orders}))

	entry, sl, tp := orders[0].ClientOrderID(), orders[1].ClientOrderID(), orders[2].ClientOrderID()
	assert.Equal(t, order.StatusAccepted, status(t, n, entry))
	assert.Equal(t, order.StatusInitialized, status(t, n, sl))

	n.OnQuote(quote(94, 95, 2_000))

	assert.Equal(t, order.StatusFilled, status(t, n, entry))
	assert.Equal(t, order.StatusAccepted, status(t, n, sl))
	assert.Equal(t, order.StatusAccepted, status(t, n, tp))
	assert.Equal(t, schema.Quantity(10), n.Cache().NetQty(inst))
	assert.Equal(t, int64(2_000), n.Clock().Now())
	assert.Contains(t, kinds, order.KindFilled)
	assert.NoError(t, n.Err())
}

func TestDroppedVenueEventConvergesOnInflightCheck(t *testing.T) {
	cfg := config(t, `"chaos": {"seed": 1, "dropRate": 1}, "reconcile": {"inflightThreshold": 1000, "inflightMaxRetries": 3}`)
	n := start(t, cfg)
	require.NotNil(t, n.Chaos())

	n.OnQuote(quote(100, 101, 1_000))
	id := submitLimit(t, n, 95)
	assert.Equal(t, order.StatusSubmitted, status(t, n, id))
	require.Len(t, n.Chaos().Dropped(), 1)

	n.OnQuote(quote(100, 101, 5_000))
	n.CheckInflight(context.Background())

	o, ok := n.Cache().Order(id)
	require.True(t, ok)
	assert.Equal(t, order.StatusAccepted, o.Status())
	assert.NotEmpty(t, o.VenueOrderID())
}

func TestBookUpdatesReferenceQuote(t *testing.T) {
	n := start(t, config(t, ""))

	n.OnBook(market.NewOrderBook(inst,
		[]market.Level{{Price: 99, Size: 5}, {Price: 100, Size: 3}},
		[]market.Level{{Price: 102, Size: 4}},
		1_000))

	q, ok := n.Cache().Quote(inst)
	require.True(t, ok)
	assert.Equal(t, schema.Price(100), q.Bid)
	assert.Equal(t, schema.Price(102), q.Ask)
	assert.Equal(t, int64(1_000), q.TsEvent)
}

func TestConfiguredFeesChargedOnFills(t *testing.T) {
	n := start(t, config(t, `"fees": {"makerBps": "2", "takerBps": "10"}`))
	var fills []order.OrderFilled
	n.OnOrderEvent(func(ev order.Event) {
		if f, ok := ev.(order.OrderFilled); ok {
			fills = append(fills, f)
		}
	})

	n.OnQuote(quote(100, 101, 1_000))
	o, err := n.Factory().Market(inst, schema.OrderSideBuy, 10)
	require.NoError(t, err)
	require.NoError(t, n.Submit(exec.NewSubmitOrder(o, n.Clock().Now())))

	require.Len(t, fills, 1)
	assert.Equal(t, schema.Price(101), fills[0].LastPx)
	assert.Equal(t, schema.Fee(1), fills[0].Commission)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	n, err := New(config(t, ""))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Close())

	o, err := n.Factory().Limit(inst, schema.OrderSideBuy, 1, 95)
	require.NoError(t, err)
	assert.ErrorIs(t, n.Submit(exec.NewSubmitOrder(o, 0)), exception.ErrNodeStopped)
	assert.NoError(t, n.Close())
}

func TestJournalRecoveryRestoresWorkingOrders(t *testing.T) {
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "snapshot.json")
	cfg := config(t, fmt.Sprintf(`"journal": {"dir": %q, "snapshotPath": %q}`, filepath.Join(dir, "wal"), snapshot))

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	first.OnQuote(quote(100, 101, 1_000))
	id := submitLimit(t, first, 95)
	require.Equal(t, order.StatusAccepted, status(t, first, id))
	require.NoError(t, first.Close())

	snap, err := state.ReadSnapshot(snapshot)
	require.NoError(t, err)
	require.Len(t, snap.Orders, 1)
	assert.Positive(t, snap.LastSeq)

	second := start(t, cfg)
	assert.Equal(t, order.StatusAccepted, status(t, second, id))
	assert.Equal(t, snap.LastSeq, second.Journal().Seq())
	assert.Equal(t, schema.ClientOrderID("O-S-1-2"), second.Factory().NextClientOrderID())
}

func TestBacktestReplaysJournaledMarketData(t *testing.T) {
	cfg := config(t, "")
	reg, err := cfg.BuildRegistry()
	require.NoError(t, err)

	w, err := recorder.NewWriter(recorder.DefaultConfig(cfg.Feed.ReplayDir))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	j := recorder.NewJournal(w, codec.NewMarketCodec(reg), obs.NewMetrics())
	require.NoError(t, j.RecordQuote(quote(100, 101, 1_000)))
	require.NoError(t, j.RecordQuote(quote(94, 95, 2_000)))
	require.NoError(t, w.Close())

	n := start(t, cfg)
	n.OnQuote(quote(100, 101, 500))
	id := submitLimit(t, n, 95)

	require.NoError(t, n.Run(context.Background()))
	assert.Equal(t, order.StatusFilled, status(t, n, id))
	assert.Equal(t, int64(2_000), n.Clock().Now())
}

func TestStartFailsOnDivergence(t *testing.T) {
	mass := func(context.Context) (reconcile.Mass, error) {
		return reconcile.Mass{OrderReports: []reconcile.OrderStatusReport{{
			InstrumentID:  inst,
			ClientOrderID: "O-S-1-9",
			VenueOrderID:  "V-9",
			Status:        order.StatusAccepted,
		}}}, nil
	}
	cfg := config(t, `"reconcile": {"generateMissingOrders": false}`)
	n, err := New(cfg, WithMassStatus(mass))
	require.NoError(t, err)
	defer n.Close()
	require.ErrorContains(t, n.Start(context.Background()), exception.ErrReconcileDivergence.Error())

	cfg.Node.AllowDivergence = true
	n2, err := New(cfg, WithMassStatus(mass))
	require.NoError(t, err)
	defer n2.Close()
	assert.NoError(t, n2.Start(context.Background()))
}

func TestNewRejectsBadStore(t *testing.T) {
	cfg := config(t, "")
	cfg.Store = ops.StoreConfig{Driver: ops.StorePebble, Path: filepath.Join(t.TempDir(), "db")}
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	f, err := os.CreateTemp(t.TempDir(), "file")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	cfg.Store.Path = filepath.Join(f.Name(), "db")
	_, err = New(cfg)
	assert.ErrorContains(t, err, "open pebble store")
}
