package codec

import (
	"encoding/binary"

	"github.com/yanun0323/errors"

	"ordercore/internal/market"
	"ordercore/internal/schema"
)

const (
	QuotePayloadSize  = 40
	tradeFixedSize    = 24
	bookFixedSize     = 8
	bookLevelSize     = 16
	StatusPayloadSize = 8
	ClosePayloadSize  = 16
	maxTradeIDLen     = 1<<16 - 1
)

var (
	ErrShortPayload      = errors.New("codec: payload too short")
	ErrUnknownInstrument = errors.New("codec: unknown instrument")
)

// MarketCodec encodes market data into fixed layouts keyed by the registry's
// numeric symbol ids. Timestamps travel in the record header.
type MarketCodec struct {
	reg *schema.Registry
}

func NewMarketCodec(reg *schema.Registry) *MarketCodec {
	return &MarketCodec{reg: reg}
}

func (c *MarketCodec) symbol(id schema.InstrumentID) (schema.SymbolID, error) {
	inst, ok := c.reg.Instrument(id)
	if !ok {
		return 0, errors.Wrap(ErrUnknownInstrument, string(id))
	}
	return inst.ID, nil
}

func (c *MarketCodec) name(src []byte) (schema.InstrumentID, error) {
	sym := schema.SymbolID(binary.LittleEndian.Uint32(src[0:4]))
	inst, ok := c.reg.InstrumentByID(sym)
	if !ok {
		return "", errors.Wrapf(ErrUnknownInstrument, "symbol id %d", sym)
	}
	return inst.Name, nil
}

// EncodeQuote serializes a quote into a fixed-size payload.
func (c *MarketCodec) EncodeQuote(dst []byte, q market.QuoteTick) ([]byte, error) {
	sym, err := c.symbol(q.InstrumentID)
	if err != nil {
		return nil, err
	}
	dst = grow(dst, QuotePayloadSize)
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], uint32(sym))
	le.PutUint32(dst[4:8], 0)
	le.PutUint64(dst[8:16], uint64(q.Bid))
	le.PutUint64(dst[16:24], uint64(q.Ask))
	le.PutUint64(dst[24:32], uint64(q.BidSize))
	le.PutUint64(dst[32:40], uint64(q.AskSize))
	return dst, nil
}

// DecodeQuote parses a quote payload. Timestamps come from the header.
func (c *MarketCodec) DecodeQuote(h schema.EventHeader, src []byte) (market.QuoteTick, error) {
	if len(src) < QuotePayloadSize {
		return market.QuoteTick{}, ErrShortPayload
	}
	id, err := c.name(src)
	if err != nil {
		return market.QuoteTick{}, err
	}
	le := binary.LittleEndian
	return market.QuoteTick{
		InstrumentID: id,
		Bid:          schema.Price(int64(le.Uint64(src[8:16]))),
		Ask:          schema.Price(int64(le.Uint64(src[16:24]))),
		BidSize:      schema.Quantity(int64(le.Uint64(src[24:32]))),
		AskSize:      schema.Quantity(int64(le.Uint64(src[32:40]))),
		TsEvent:      h.TsEvent,
		TsInit:       h.TsInit,
	}, nil
}

// EncodeTrade serializes a trade. The trade id follows the fixed part.
func (c *MarketCodec) EncodeTrade(dst []byte, t market.TradeTick) ([]byte, error) {
	sym, err := c.symbol(t.InstrumentID)
	if err != nil {
		return nil, err
	}
	if len(t.TradeID) > maxTradeIDLen {
		return nil, errors.Errorf("codec: trade id too long: %d", len(t.TradeID))
	}
	dst = grow(dst, tradeFixedSize+len(t.TradeID))
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], uint32(sym))
	le.PutUint16(dst[4:6], uint16(t.AggressorSide))
	le.PutUint16(dst[6:8], uint16(len(t.TradeID)))
	le.PutUint64(dst[8:16], uint64(t.Price))
	le.PutUint64(dst[16:24], uint64(t.Size))
	copy(dst[tradeFixedSize:], t.TradeID)
	return dst, nil
}

func (c *MarketCodec) DecodeTrade(h schema.EventHeader, src []byte) (market.TradeTick, error) {
	if len(src) < tradeFixedSize {
		return market.TradeTick{}, ErrShortPayload
	}
	le := binary.LittleEndian
	idLen := int(le.Uint16(src[6:8]))
	if len(src) < tradeFixedSize+idLen {
		return market.TradeTick{}, ErrShortPayload
	}
	id, err := c.name(src)
	if err != nil {
		return market.TradeTick{}, err
	}
	return market.TradeTick{
		InstrumentID:  id,
		AggressorSide: schema.AggressorSide(le.Uint16(src[4:6])),
		Price:         schema.Price(int64(le.Uint64(src[8:16]))),
		Size:          schema.Quantity(int64(le.Uint64(src[16:24]))),
		TradeID:       schema.TradeID(src[tradeFixedSize : tradeFixedSize+idLen]),
		TsEvent:       h.TsEvent,
		TsInit:        h.TsInit,
	}, nil
}

// EncodeBook serializes a depth snapshot: counts, then bids and asks.
func (c *MarketCodec) EncodeBook(dst []byte, b market.OrderBook) ([]byte, error) {
	sym, err := c.symbol(b.InstrumentID)
	if err != nil {
		return nil, err
	}
	if len(b.Bids) > 1<<16-1 || len(b.Asks) > 1<<16-1 {
		return nil, errors.New("codec: too many book levels")
	}
	dst = grow(dst, bookFixedSize+bookLevelSize*(len(b.Bids)+len(b.Asks)))
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], uint32(sym))
	le.PutUint16(dst[4:6], uint16(len(b.Bids)))
	le.PutUint16(dst[6:8], uint16(len(b.Asks)))
	off := bookFixedSize
	for _, side := range [][]market.Level{b.Bids, b.Asks} {
		for _, lvl := range side {
			le.PutUint64(dst[off:off+8], uint64(lvl.Price))
			le.PutUint64(dst[off+8:off+16], uint64(lvl.Size))
			off += bookLevelSize
		}
	}
	return dst, nil
}

func (c *MarketCodec) DecodeBook(h schema.EventHeader, src []byte) (market.OrderBook, error) {
	if len(src) < bookFixedSize {
		return market.OrderBook{}, ErrShortPayload
	}
	le := binary.LittleEndian
	nBids, nAsks := int(le.Uint16(src[4:6])), int(le.Uint16(src[6:8]))
	if len(src) < bookFixedSize+bookLevelSize*(nBids+nAsks) {
		return market.OrderBook{}, ErrShortPayload
	}
	id, err := c.name(src)
	if err != nil {
		return market.OrderBook{}, err
	}
	levels := make([]market.Level, nBids+nAsks)
	off := bookFixedSize
	for i := range levels {
		levels[i] = market.Level{
			Price: schema.Price(int64(le.Uint64(src[off : off+8]))),
			Size:  schema.Quantity(int64(le.Uint64(src[off+8 : off+16]))),
		}
		off += bookLevelSize
	}
	return market.NewOrderBook(id, levels[:nBids], levels[nBids:], h.TsEvent), nil
}

func (c *MarketCodec) EncodeStatus(dst []byte, s market.InstrumentStatus) ([]byte, error) {
	sym, err := c.symbol(s.InstrumentID)
	if err != nil {
		return nil, err
	}
	dst = grow(dst, StatusPayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(sym))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(s.Action))
	binary.LittleEndian.PutUint16(dst[6:8], 0)
	return dst, nil
}

func (c *MarketCodec) DecodeStatus(h schema.EventHeader, src []byte) (market.InstrumentStatus, error) {
	if len(src) < StatusPayloadSize {
		return market.InstrumentStatus{}, ErrShortPayload
	}
	id, err := c.name(src)
	if err != nil {
		return market.InstrumentStatus{}, err
	}
	return market.InstrumentStatus{
		InstrumentID: id,
		Action:       market.StatusAction(binary.LittleEndian.Uint16(src[4:6])),
		TsEvent:      h.TsEvent,
	}, nil
}

func (c *MarketCodec) EncodeClose(dst []byte, ic market.InstrumentClose) ([]byte, error) {
	sym, err := c.symbol(ic.InstrumentID)
	if err != nil {
		return nil, err
	}
	dst = grow(dst, ClosePayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(sym))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(ic.Type))
	binary.LittleEndian.PutUint16(dst[6:8], 0)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(ic.ClosePrice))
	return dst, nil
}

func (c *MarketCodec) DecodeClose(h schema.EventHeader, src []byte) (market.InstrumentClose, error) {
	if len(src) < ClosePayloadSize {
		return market.InstrumentClose{}, ErrShortPayload
	}
	id, err := c.name(src)
	if err != nil {
		return market.InstrumentClose{}, err
	}
	return market.InstrumentClose{
		InstrumentID: id,
		Type:         market.CloseType(binary.LittleEndian.Uint16(src[4:6])),
		ClosePrice:   schema.Price(int64(binary.LittleEndian.Uint64(src[8:16]))),
		TsEvent:      h.TsEvent,
	}, nil
}

func grow(dst []byte, n int) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	return dst[:n]
}
