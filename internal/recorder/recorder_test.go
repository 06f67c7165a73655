package recorder

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/codec"
	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

func TestWriterPlaybackKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, SegmentMaxBytes: 200})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	for i := uint64(1); i <= 5; i++ {
		h := schema.NewHeader(schema.EventQuoteTick, schema.SourceMarketData, i, int64(i*10), int64(i*10+1))
		require.NoError(t, w.TryAppend(h, bytes.Repeat([]byte{byte(i)}, 60)))
	}
	require.NoError(t, w.Close())
	require.Equal(t, uint64(5), w.Written())

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.jnl"))
	require.NoError(t, err)
	assert.Greater(t, len(files), 1, "small segments should rotate")

	pb, err := NewPlayback(PlaybackConfig{Dir: dir, AfterSeq: 2})
	require.NoError(t, err)
	var seqs []uint64
	require.NoError(t, pb.Run(context.Background(), func(h schema.EventHeader, payload []byte) error {
		seqs = append(seqs, h.Seq)
		assert.Equal(t, int64(h.Seq*10+1), h.TsInit)
		assert.Equal(t, byte(h.Seq), payload[0])
		return nil
	}))
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
}

func TestReaderDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, recordHeaderSize)
	payload := []byte("payload")
	putHeader(header, schema.NewHeader(schema.EventOrderEvent, 0, 1, 1, 1), len(payload))
	buf.Write(header)
	buf.Write(payload)
	buf.Write([]byte{0, 0, 0, 0})

	_, _, err := NewReader(bytes.NewReader(buf.Bytes()), ReaderOptions{}).Next()
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, got, err := NewReader(bytes.NewReader(buf.Bytes()), ReaderOptions{DisableChecksum: true}).Next()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriterRejectsBeforeStart(t *testing.T) {
	w, err := NewWriter(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	require.ErrorIs(t, w.TryAppend(schema.EventHeader{}, nil), ErrNotStarted)
}

func TestJournalRecordsMarketDataAndEvents(t *testing.T) {
	dir := t.TempDir()
	reg := schema.NewRegistry()
	_, err := reg.AddVenue("SIM")
	require.NoError(t, err)
	_, err = reg.AddInstrument("BTCUSDT.SIM", schema.InstrumentSpec{})
	require.NoError(t, err)
	mc := codec.NewMarketCodec(reg)

	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	j := NewJournal(w, mc, nil)
	j.ResumeAfter(41)

	q := market.QuoteTick{InstrumentID: "BTCUSDT.SIM", Bid: 100, Ask: 101, BidSize: 1, AskSize: 2, TsEvent: 5, TsInit: 6}
	require.NoError(t, j.RecordQuote(q))
	o, err := order.New(order.Init{
		ClientOrderID: "O-1", InstrumentID: "BTCUSDT.SIM", Side: schema.OrderSideBuy,
		Type: schema.OrderTypeMarket, Quantity: 1, TimeInForce: schema.TimeInForceGTC,
	})
	require.NoError(t, err)
	require.NoError(t, j.RecordOrderEvent(order.OrderSubmitted{EventMeta: order.NewMeta(o, 7), AccountID: "A-1"}))
	require.Equal(t, uint64(43), j.Seq())
	require.NoError(t, w.Close())

	pb, err := NewPlayback(PlaybackConfig{Dir: dir})
	require.NoError(t, err)
	var kinds []schema.EventType
	require.NoError(t, pb.Run(context.Background(), func(h schema.EventHeader, payload []byte) error {
		kinds = append(kinds, h.Type)
		switch h.Type {
		case schema.EventQuoteTick:
			got, err := mc.DecodeQuote(h, payload)
			require.NoError(t, err)
			assert.Equal(t, q, got)
		case schema.EventOrderEvent:
			ev, err := codec.DecodeOrderEvent(payload)
			require.NoError(t, err)
			assert.Equal(t, order.KindSubmitted, ev.Kind())
			assert.Equal(t, schema.AccountID("A-1"), ev.(order.OrderSubmitted).AccountID)
		}
		return nil
	}))
	assert.Equal(t, []schema.EventType{schema.EventQuoteTick, schema.EventOrderEvent}, kinds)
}

func TestPlaybackMissingDir(t *testing.T) {
	pb, err := NewPlayback(PlaybackConfig{Dir: filepath.Join(t.TempDir(), "none")})
	require.NoError(t, err)
	err = pb.Run(context.Background(), func(schema.EventHeader, []byte) error { return nil })
	require.Error(t, err)
}
