package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/codec"
	"ordercore/internal/ops"
	"ordercore/internal/recorder"
	"ordercore/internal/schema"
	"ordercore/internal/state"
)

// replay prints a journal and optionally checks the positions it rebuilds
// against a snapshot.
func main() {
	if err := run(); err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	dir := flag.String("dir", "testdata/journal", "Journal directory")
	prefix := flag.String("prefix", "", "Journal file prefix (default: journal)")
	configPath := flag.String("config", "", "Config with the instrument registry, needed to decode market data")
	decode := flag.Bool("decode", false, "Decode payloads")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	verify := flag.String("verify-snapshot", "", "Compare recovered positions with this snapshot")
	flag.Parse()

	var mc *codec.MarketCodec
	if *configPath != "" {
		cfg, err := ops.Load(*configPath)
		if err != nil {
			return err
		}
		reg, err := cfg.BuildRegistry()
		if err != nil {
			return err
		}
		mc = codec.NewMarketCodec(reg)
	}

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	counts := make(map[schema.EventType]int)
	var index int
	err = pb.Run(ctx, func(h schema.EventHeader, payload []byte) error {
		index++
		counts[h.Type]++
		fmt.Printf("%06d seq=%d type=%s trace=%016x ts_event=%d ts_init=%d len=%d\n", index, h.Seq, h.Type, h.TraceID, h.TsEvent, h.TsInit, len(payload))
		if *decode {
			printDecoded(mc, h, payload)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logs.Infof("replay: %d records, counts=%v", index, counts)

	if *verify == "" {
		return nil
	}
	expected, err := state.ReadSnapshot(*verify)
	if err != nil {
		return err
	}
	res, err := state.Recover(ctx, state.RecoverConfig{
		JournalDir:      *dir,
		FilePrefix:      *prefix,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		return err
	}
	if err := state.CompareSnapshots(expected, res.Positions.Snapshot()); err != nil {
		return errors.Wrap(err, "verify snapshot").With("snapshot", *verify)
	}
	logs.Infof("replay: snapshot verified, positions=%d skipped=%d", res.Positions.Count(), res.Skipped)
	return nil
}

func printDecoded(mc *codec.MarketCodec, h schema.EventHeader, payload []byte) {
	var (
		v   any
		err error
	)
	switch h.Type {
	case schema.EventOrderEvent:
		v, err = codec.DecodeOrderEvent(payload)
	case schema.EventQuoteTick, schema.EventTradeTick, schema.EventOrderBook, schema.EventInstrumentStatus, schema.EventInstrumentClose:
		if mc == nil {
			fmt.Println("  market data needs -config to decode")
			return
		}
		v, err = decodeMarket(mc, h, payload)
	default:
		return
	}
	if err != nil {
		fmt.Printf("  decode %s failed: %v\n", h.Type, err)
		return
	}
	out, err := sonic.MarshalString(v)
	if err != nil {
		fmt.Printf("  encode %s failed: %v\n", h.Type, err)
		return
	}
	fmt.Printf("  %s\n", out)
}

func decodeMarket(mc *codec.MarketCodec, h schema.EventHeader, payload []byte) (any, error) {
	switch h.Type {
	case schema.EventQuoteTick:
		return mc.DecodeQuote(h, payload)
	case schema.EventTradeTick:
		return mc.DecodeTrade(h, payload)
	case schema.EventOrderBook:
		return mc.DecodeBook(h, payload)
	case schema.EventInstrumentStatus:
		return mc.DecodeStatus(h, payload)
	default:
		return mc.DecodeClose(h, payload)
	}
}
