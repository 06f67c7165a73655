package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/codec"
	"ordercore/internal/mdg"
	"ordercore/internal/obs"
	"ordercore/internal/ops"
	"ordercore/internal/recorder"
	"ordercore/internal/schema"
)

// mdg writes a journal of synthetic market data that backtests replay.
func main() {
	if err := run(); err != nil {
		logs.Errorf("mdg: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.json", "Path to JSON config (registry and feed)")
	out := flag.String("out", "", "Journal directory (default: feed.replayDir)")
	ticks := flag.Int("ticks", 1_000, "Number of quotes to generate")
	start := flag.Int64("start", 0, "Timestamp of the first quote in ns (0=now)")
	step := flag.Duration("step", 100*time.Millisecond, "Time between quotes")
	basePrice := flag.Int64("base-price", 0, "Base mid price, scaled (default: feed.basePrice)")
	tradeEvery := flag.Int("trade-every", 4, "Emit a trade every n quotes (0=never)")
	flag.Parse()

	if *ticks <= 0 || *step <= 0 {
		return errors.New("ticks and step must be > 0")
	}
	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}
	reg, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	dir := *out
	if dir == "" {
		dir = cfg.Feed.ReplayDir
	}
	if dir == "" {
		return errors.New("no journal directory, use -out")
	}
	price := schema.Price(*basePrice)
	if price == 0 {
		price = cfg.Feed.BasePrice
	}

	gen, err := mdg.NewGenerator(reg, mdg.Config{
		Seed:       cfg.Feed.Seed,
		BasePrice:  price,
		BaseSize:   cfg.Feed.BaseSize,
		Spread:     cfg.Feed.Spread,
		TradeEvery: *tradeEvery,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	wcfg := recorder.DefaultConfig(dir)
	wcfg.QueueSize = max(wcfg.QueueSize, 2*(*ticks))
	w, err := recorder.NewWriter(wcfg)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	metrics := obs.NewMetrics()
	journal := recorder.NewJournal(w, codec.NewMarketCodec(reg), metrics)

	ts := *start
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	var genErr error
	for i := 0; i < *ticks && genErr == nil; i++ {
		tick := gen.Next(ts)
		genErr = journal.RecordQuote(tick.Quote)
		if genErr == nil && tick.Trade != nil {
			genErr = journal.RecordTrade(*tick.Trade)
		}
		ts += int64(*step)
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close journal")
	}
	if genErr != nil {
		return errors.Wrap(genErr, "record market data")
	}

	snap := metrics.Snapshot()
	logs.Infof("mdg: wrote %d records to %s, events=%v drops=%d", w.Written(), dir, snap.EventCounts, snap.QueueDrops)
	return nil
}
