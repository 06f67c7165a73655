package core

import (
	"context"
	stderrors "errors"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"ordercore/internal/bus"
	"ordercore/internal/cache"
	"ordercore/internal/chaos"
	"ordercore/internal/clock"
	"ordercore/internal/codec"
	"ordercore/internal/emulator"
	"ordercore/internal/engine"
	"ordercore/internal/exec"
	"ordercore/internal/market"
	"ordercore/internal/mdg"
	"ordercore/internal/obs"
	"ordercore/internal/ops"
	"ordercore/internal/order"
	"ordercore/internal/reconcile"
	"ordercore/internal/recorder"
	"ordercore/internal/risk"
	"ordercore/internal/schema"
	"ordercore/internal/state"
	"ordercore/internal/store"
	"ordercore/pkg/exception"
)

type postBus interface {
	bus.Bus
	Post(fn func())
}

type closer interface {
	Close() error
}

// MassSource fetches the venue's view of every order, used on start.
type MassSource func(ctx context.Context) (reconcile.Mass, error)

type Option func(*Node)

// WithVenue replaces the simulated exchange with a venue client. querier
// answers in-flight checks and may be nil.
func WithVenue(c exec.Client, querier reconcile.StatusQuerier) Option {
	return func(n *Node) {
		n.client = c
		n.querier = querier
	}
}

// WithMassStatus reconciles against the venue's reports on Start.
func WithMassStatus(src MassSource) Option {
	return func(n *Node) { n.mass = src }
}

// Node owns every component of one trader and the goroutines that drive them.
type Node struct {
	cfg     ops.Config
	reg     *schema.Registry
	metrics *obs.Metrics

	bus       postBus
	live      *bus.LiveBus
	clock     clock.Clock
	testClock *clock.TestClock

	store    closer
	cache    *cache.Cache
	exec     *exec.Engine
	risk     *risk.Engine
	emulator *emulator.Emulator
	exchange *engine.SimulatedExchange
	chaos    *chaos.Engine
	recon    *reconcile.Manager
	writer   *recorder.Writer
	journal  *recorder.Journal
	market   *codec.MarketCodec
	factory  *order.Factory

	client  exec.Client
	querier reconcile.StatusQuerier
	mass    MassSource
	errc    chan error
	stopped atomic.Bool
}

// New builds a node from cfg. Nothing runs until Start.
func New(cfg ops.Config, opts ...Option) (*Node, error) {
	reg, err := cfg.BuildRegistry()
	if err != nil {
		return nil, errors.Wrap(err, "build registry")
	}
	n := &Node{
		cfg:     cfg,
		reg:     reg,
		metrics: obs.NewMetrics(),
		market:  codec.NewMarketCodec(reg),
		errc:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(n)
	}

	if cfg.Node.Mode == ops.ModeBacktest {
		n.testClock = clock.NewTestClock(0)
		n.clock = n.testClock
		n.bus = bus.NewSyncBus()
	} else {
		n.live = bus.NewLiveBus(cfg.Node.QueueCapacity, n.metrics)
		n.clock = clock.NewLiveClock(n.live.Post)
		n.bus = n.live
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	var cs cache.Store
	if st != nil {
		cs = st
		n.store = st
	}
	n.cache = cache.New(reg, cs)
	if err := n.cache.Load(); err != nil {
		n.closeStore()
		return nil, err
	}

	execOpts := []exec.Option{exec.WithMetrics(n.metrics)}
	if cfg.Journal.Enabled() {
		n.writer, err = recorder.NewWriter(cfg.Journal.Config)
		if err != nil {
			n.closeStore()
			return nil, errors.Wrap(err, "open journal")
		}
		n.journal = recorder.NewJournal(n.writer, n.market, n.metrics)
		execOpts = append(execOpts, exec.WithJournal(n.journal))
	}
	n.exec = exec.NewEngine(n.cache, n.bus, n.clock, execOpts...)
	n.exec.Register()

	if n.client == nil {
		if err := n.simulateVenue(); err != nil {
			n.closeStore()
			return nil, err
		}
	}
	n.exec.RegisterClient(n.client)

	n.risk = risk.NewEngine(cfg.Risk, n.cache, n.bus, n.exec, n.clock, n.metrics)
	n.risk.Register()
	n.emulator = emulator.New(n.cache, n.bus, n.exec, n.clock)
	n.emulator.Register()
	n.recon = reconcile.NewManager(cfg.Reconcile, n.cache, n.exec, n.clock, n.querier, n.metrics)
	n.factory = order.NewFactory(cfg.Node.TraderID, cfg.Node.StrategyID, n.clock.Now)
	return n, nil
}

func openStore(cfg ops.StoreConfig) (interface {
	cache.Store
	closer
}, error) {
	switch cfg.Driver {
	case ops.StorePebble:
		s, err := store.OpenPebble(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "open pebble store").With("path", cfg.Path)
		}
		return s, nil
	case ops.StorePostgres:
		s, err := store.OpenPostgres(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres store")
		}
		return s, nil
	default:
		return nil, nil
	}
}

// simulateVenue wires the simulated exchange, optionally behind the chaos
// engine, and answers status queries from its books.
func (n *Node) simulateVenue() error {
	toExec := func(ev order.Event) {
		if err := n.bus.Send(bus.EndpointVenue, ev); err != nil {
			logs.Errorf("node: deliver venue %s for %s, err: %+v", ev.Kind(), ev.Meta().ClientOrderID, err)
		}
	}
	sink := toExec
	if c := n.cfg.Chaos; c.Enabled() {
		ch, err := chaos.NewEngine(chaos.Config{
			Seed:          c.Seed,
			DropRate:      c.DropRate,
			DuplicateRate: c.DuplicateRate,
			ReorderWindow: c.ReorderWindow,
			MaxDelay:      c.MaxDelay,
		}, toExec)
		if err != nil {
			return err
		}
		n.chaos = ch
		sink = ch.Process
		logs.Warnf("node: chaos enabled on venue events, drop %.2f dup %.2f window %d", c.DropRate, c.DuplicateRate, c.ReorderWindow)
	}
	x, err := engine.NewSimulatedExchange(n.cfg.Engine, n.reg, n.clock, sink, engine.WithFeeModel(n.cfg.Fees))
	if err != nil {
		return errors.Wrap(err, "create simulated exchange")
	}
	n.exchange = x
	n.client = x
	n.querier = reconcile.QuerierFunc(func(_ context.Context, o *order.Order) (reconcile.OrderStatusReport, bool, error) {
		venue, ok := x.Order(o.ClientOrderID())
		if !ok {
			return reconcile.OrderStatusReport{}, false, nil
		}
		return reconcile.ReportFromOrder(venue, n.clock.Now()), true, nil
	})
	return nil
}

// Start restores state, starts the journal, restarts GTD timers and emulated
// orders, then reconciles with the venue when a mass status source is set.
func (n *Node) Start(ctx context.Context) error {
	if err := n.recover(ctx); err != nil {
		return err
	}
	if n.writer != nil {
		if err := n.writer.Start(ctx); err != nil {
			return errors.Wrap(err, "start journal")
		}
	}
	n.restoreCounts()
	n.exec.Start()
	n.emulator.Start()

	if n.mass == nil {
		return nil
	}
	mass, err := n.mass(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch mass status")
	}
	res, err := n.recon.Reconcile(ctx, mass)
	if err != nil {
		return err
	}
	if !res.Converged {
		if !n.cfg.Node.AllowDivergence {
			return errors.Wrap(exception.ErrReconcileDivergence, "start").With("divergences", len(res.Divergences))
		}
		logs.Warnf("node: starting with %d divergences", len(res.Divergences))
	}
	return nil
}

// recover rebuilds the cache from snapshot and journal when no store holds it.
func (n *Node) recover(ctx context.Context) error {
	if n.journal == nil || n.store != nil {
		return nil
	}
	cfg := state.RecoverConfig{JournalDir: n.cfg.Journal.Dir, FilePrefix: n.cfg.Journal.FilePrefix}
	if p := n.cfg.Journal.SnapshotPath; p != "" {
		if _, err := os.Stat(p); err == nil {
			cfg.SnapshotPath = p
		}
	}
	res, err := state.Recover(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "recover from journal")
	}
	n.journal.ResumeAfter(res.LastSeq)
	if len(res.Orders) == 0 && res.Positions.Count() == 0 {
		return nil
	}
	orders := make([]*order.Order, 0, len(res.Orders))
	for _, o := range res.Orders {
		orders = append(orders, o)
	}
	n.cache.Restore(orders, res.Positions.Positions())
	if n.testClock != nil && res.LastEventTs > n.testClock.Now() {
		n.testClock.AdvanceTo(res.LastEventTs)
	}
	logs.Infof("node: recovered %d orders up to seq %d, skipped %d events", len(orders), res.LastSeq, res.Skipped)
	return nil
}

// restoreCounts moves the factory past the ids already used by this strategy.
func (n *Node) restoreCounts() {
	var orders, lists uint64
	for _, o := range n.cache.Orders(cache.Filter{StrategyID: n.cfg.Node.StrategyID}) {
		orders = max(orders, idSeq(string(o.ClientOrderID())))
		lists = max(lists, idSeq(string(o.OrderListID())))
	}
	n.factory.SetCounts(orders, lists)
}

func idSeq(id string) uint64 {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return 0
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// Run drives the node until ctx is done, the process is asked to shut down,
// the replay ends or a component fails.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.Node.Mode == ops.ModeBacktest {
		return n.runBacktest(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.live.Run(ctx)

	inflight := time.NewTicker(n.cfg.Node.InflightInterval)
	defer inflight.Stop()
	var feed <-chan time.Time
	var gen *mdg.Generator
	if n.cfg.Node.Mode == ops.ModePaper {
		var err error
		gen, err = mdg.NewGenerator(n.reg, mdg.Config{
			Seed:       n.cfg.Feed.Seed,
			BasePrice:  n.cfg.Feed.BasePrice,
			BaseSize:   n.cfg.Feed.BaseSize,
			Spread:     n.cfg.Feed.Spread,
			TradeEvery: 4,
		})
		if err != nil {
			return err
		}
		t := time.NewTicker(n.cfg.Feed.Interval)
		defer t.Stop()
		feed = t.C
	}

	logs.Infof("node: running %s", n.cfg.Node.Mode)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sys.Shutdown():
			logs.Infof("node: shutdown requested")
			return nil
		case err := <-n.errc:
			return err
		case <-feed:
			tick := gen.Next(n.clock.Now())
			n.OnQuote(tick.Quote)
			if tick.Trade != nil {
				n.OnTrade(*tick.Trade)
			}
		case <-inflight.C:
			n.bus.Post(func() {
				if _, err := n.recon.CheckInflight(ctx); err != nil {
					logs.Warnf("node: inflight check, err: %+v", err)
				}
				n.checkFailure()
			})
		}
	}
}

func (n *Node) checkFailure() {
	err := n.exec.Err()
	if err == nil && n.writer != nil {
		err = n.writer.Err()
	}
	if err == nil {
		return
	}
	select {
	case n.errc <- err:
	default:
	}
}

// runBacktest replays the market data of a journal through the node.
func (n *Node) runBacktest(ctx context.Context) error {
	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:   n.cfg.Feed.ReplayDir,
		Speed: n.cfg.Feed.Speed,
	})
	if err != nil {
		return err
	}
	var records int
	err = pb.Run(ctx, func(h schema.EventHeader, payload []byte) error {
		if err := n.replay(h, payload); err != nil {
			return err
		}
		records++
		n.checkFailure()
		select {
		case err := <-n.errc:
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return errors.Wrap(err, "backtest").With("records", records)
	}
	n.FlushVenue()
	logs.Infof("node: backtest replayed %d records", records)
	return n.exec.Err()
}

func (n *Node) replay(h schema.EventHeader, payload []byte) error {
	switch h.Type {
	case schema.EventQuoteTick:
		q, err := n.market.DecodeQuote(h, payload)
		if err != nil {
			return err
		}
		n.OnQuote(q)
	case schema.EventTradeTick:
		t, err := n.market.DecodeTrade(h, payload)
		if err != nil {
			return err
		}
		n.OnTrade(t)
	case schema.EventOrderBook:
		b, err := n.market.DecodeBook(h, payload)
		if err != nil {
			return err
		}
		n.OnBook(b)
	case schema.EventInstrumentStatus:
		s, err := n.market.DecodeStatus(h, payload)
		if err != nil {
			return err
		}
		n.OnStatus(s)
	case schema.EventInstrumentClose:
		c, err := n.market.DecodeClose(h, payload)
		if err != nil {
			return err
		}
		n.OnClose(c)
	}
	return nil
}

// post runs fn on the bus, advancing the backtest clock to ts first so
// timers due before the data fire in order.
func (n *Node) post(ts int64, fn func()) {
	n.bus.Post(func() {
		if n.testClock != nil && ts > n.testClock.Now() {
			n.testClock.AdvanceTo(ts)
		}
		fn()
	})
}

func (n *Node) record(err error) {
	if err != nil {
		logs.Warnf("node: journal market data, err: %+v", err)
	}
}

// recording reports whether market data is journaled. Backtests read theirs
// from a journal already.
func (n *Node) recording() bool {
	return n.journal != nil && n.testClock == nil
}

func (n *Node) OnQuote(q market.QuoteTick) {
	n.post(q.TsEvent, func() {
		if n.recording() {
			n.record(n.journal.RecordQuote(q))
		}
		n.cache.AddQuote(q)
		if n.exchange != nil {
			n.exchange.ProcessQuoteTick(q)
		}
		n.emulator.OnQuoteTick(q)
	})
}

func (n *Node) OnTrade(t market.TradeTick) {
	n.post(t.TsEvent, func() {
		if n.recording() {
			n.record(n.journal.RecordTrade(t))
		}
		n.cache.AddTrade(t)
		if n.exchange != nil {
			n.exchange.ProcessTradeTick(t)
		}
		n.emulator.OnTradeTick(t)
	})
}

func (n *Node) OnBook(b market.OrderBook) {
	n.post(b.TsEvent, func() {
		if n.recording() {
			n.record(n.journal.RecordBook(b))
		}
		if q, ok := b.TopOfBook(); ok {
			n.cache.AddQuote(q)
		}
		if n.exchange != nil {
			n.exchange.ProcessOrderBook(b)
		}
		n.emulator.OnOrderBook(b)
	})
}

func (n *Node) OnStatus(s market.InstrumentStatus) {
	n.post(s.TsEvent, func() {
		if n.recording() {
			n.record(n.journal.RecordStatus(s))
		}
		if n.exchange != nil {
			n.exchange.ProcessStatus(s)
		}
	})
}

func (n *Node) OnClose(c market.InstrumentClose) {
	n.post(c.TsEvent, func() {
		if n.recording() {
			n.record(n.journal.RecordClose(c))
		}
		if n.exchange != nil {
			n.exchange.ProcessInstrumentClose(c)
		}
	})
}

// FlushVenue releases venue events held by the chaos engine.
func (n *Node) FlushVenue() {
	if n.chaos == nil {
		return
	}
	n.bus.Post(n.chaos.Flush)
}

// Submit hands a strategy command to the risk engine.
func (n *Node) Submit(cmd exec.Command) error {
	if n.stopped.Load() {
		return exception.ErrNodeStopped
	}
	return n.bus.Send(bus.EndpointRisk, cmd)
}

// OnOrderEvent subscribes h to every applied order event. Live nodes must
// subscribe before Run.
func (n *Node) OnOrderEvent(h func(order.Event)) {
	n.bus.Subscribe(bus.TopicOrderEvents, func(msg any) {
		if ev, ok := msg.(order.Event); ok {
			h(ev)
		}
	})
}

// CheckInflight runs one in-flight check on the bus.
func (n *Node) CheckInflight(ctx context.Context) {
	n.bus.Post(func() {
		if _, err := n.recon.CheckInflight(ctx); err != nil {
			logs.Warnf("node: inflight check, err: %+v", err)
		}
	})
}

func (n *Node) Factory() *order.Factory { return n.factory }
func (n *Node) Cache() *cache.Cache { return n.cache }
func (n *Node) Clock() clock.Clock { return n.clock }
func (n *Node) Metrics() *obs.Metrics { return n.metrics }
func (n *Node) Exchange() *engine.SimulatedExchange { return n.exchange }
func (n *Node) Emulator() *emulator.Emulator { return n.emulator }
func (n *Node) Reconciler() *reconcile.Manager { return n.recon }
func (n *Node) Risk() *risk.Engine { return n.risk }
func (n *Node) Chaos() *chaos.Engine { return n.chaos }
func (n *Node) Registry() *schema.Registry { return n.reg }
func (n *Node) Journal() *recorder.Journal { return n.journal }
func (n *Node) Err() error { return n.exec.Err() }

// Close stops the bus, writes the snapshot and closes the journal and store.
func (n *Node) Close() error {
	if n.stopped.Swap(true) {
		return nil
	}
	if n.live != nil {
		n.live.Close()
	}
	var errs []error
	if p := n.cfg.Journal.SnapshotPath; p != "" && n.journal != nil {
		snap := n.cache.Snapshot(n.journal.Seq(), n.clock.Now())
		if err := state.WriteSnapshot(p, snap); err != nil {
			errs = append(errs, errors.Wrap(err, "write snapshot"))
		}
	}
	if n.writer != nil {
		if err := n.writer.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close journal"))
		}
	}
	if err := n.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (n *Node) closeStore() error {
	if n.store == nil {
		return nil
	}
	if err := n.store.Close(); err != nil {
		return errors.Wrap(err, "close store")
	}
	return nil
}
