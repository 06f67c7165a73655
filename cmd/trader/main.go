package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"ordercore/internal/core"
	"ordercore/internal/ops"
	"ordercore/internal/order"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	envPath := flag.String("env", ".env", "Env file overlaid on the config (optional)")
	flag.Parse()

	if err := ops.LoadEnv(*envPath); err != nil {
		return err
	}
	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := cfg.Node.PyroscopeAddr; addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "ordercore.trader",
			ServerAddress:   addr,
			Tags: map[string]string{
				"mode":   string(cfg.Node.Mode),
				"trader": string(cfg.Node.TraderID),
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	node, err := core.New(cfg)
	if err != nil {
		return err
	}
	node.OnOrderEvent(func(ev order.Event) {
		m := ev.Meta()
		logs.Debugf("trader: %s %s %s", m.InstrumentID, m.ClientOrderID, ev.Kind())
	})
	if err := node.Start(ctx); err != nil {
		_ = node.Close()
		return err
	}

	runErr := node.Run(ctx)
	closeErr := node.Close()

	snap := node.Metrics().Snapshot()
	logs.Infof("trader: stopped, order_events=%v commands=%v risk_reasons=%v drops=%d synthetic_fills=%d reconcile_diffs=%d",
		snap.OrderEventCounts, snap.CommandCounts, snap.RiskReasonCounts, snap.QueueDrops, snap.SyntheticFills, snap.ReconcileDiffs)
	if runErr != nil {
		return runErr
	}
	return closeErr
}
