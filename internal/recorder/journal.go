package recorder

import (
	"sync"

	"github.com/yanun0323/errors"

	"ordercore/internal/codec"
	"ordercore/internal/market"
	"ordercore/internal/obs"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// Journal stamps sequence numbers on market data and order events and hands
// them to the writer.
type Journal struct {
	mu      sync.Mutex
	w       *Writer
	market  *codec.MarketCodec
	metrics *obs.Metrics
	seq     uint64
	buf     []byte
}

func NewJournal(w *Writer, mc *codec.MarketCodec, metrics *obs.Metrics) *Journal {
	return &Journal{w: w, market: mc, metrics: metrics}
}

// ResumeAfter continues numbering after seq, e.g. the last seq seen on recovery.
func (j *Journal) ResumeAfter(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Seq returns the last assigned sequence number.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) append(typ schema.EventType, source uint16, trace string, tsEvent, tsInit int64, encode func([]byte) ([]byte, error)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	payload, err := encode(j.buf[:0])
	if err != nil {
		return err
	}
	j.buf = payload
	j.seq++
	header := schema.NewHeader(typ, source, j.seq, tsEvent, tsInit)
	header.TraceID = obs.TraceID(trace)
	if err := j.w.TryAppend(header, payload); err != nil {
		return errors.Wrap(err, "append journal record").With("type", typ.String())
	}
	j.metrics.ObserveEvent(header)
	return nil
}

// RecordOrderEvent journals an applied order event.
func (j *Journal) RecordOrderEvent(ev order.Event) error {
	meta := ev.Meta()
	return j.append(schema.EventOrderEvent, schema.SourceExec, string(meta.ClientOrderID), meta.TsEvent, meta.TsInit, func([]byte) ([]byte, error) {
		return codec.EncodeOrderEvent(ev)
	})
}

func (j *Journal) RecordQuote(q market.QuoteTick) error {
	return j.append(schema.EventQuoteTick, schema.SourceMarketData, string(q.InstrumentID), q.TsEvent, q.TsInit, func(dst []byte) ([]byte, error) {
		return j.market.EncodeQuote(dst, q)
	})
}

func (j *Journal) RecordTrade(t market.TradeTick) error {
	return j.append(schema.EventTradeTick, schema.SourceMarketData, string(t.InstrumentID), t.TsEvent, t.TsInit, func(dst []byte) ([]byte, error) {
		return j.market.EncodeTrade(dst, t)
	})
}

func (j *Journal) RecordBook(b market.OrderBook) error {
	return j.append(schema.EventOrderBook, schema.SourceMarketData, string(b.InstrumentID), b.TsEvent, b.TsEvent, func(dst []byte) ([]byte, error) {
		return j.market.EncodeBook(dst, b)
	})
}

func (j *Journal) RecordStatus(s market.InstrumentStatus) error {
	return j.append(schema.EventInstrumentStatus, schema.SourceMarketData, string(s.InstrumentID), s.TsEvent, s.TsEvent, func(dst []byte) ([]byte, error) {
		return j.market.EncodeStatus(dst, s)
	})
}

func (j *Journal) RecordClose(c market.InstrumentClose) error {
	return j.append(schema.EventInstrumentClose, schema.SourceMarketData, string(c.InstrumentID), c.TsEvent, c.TsEvent, func(dst []byte) ([]byte, error) {
		return j.market.EncodeClose(dst, c)
	})
}
