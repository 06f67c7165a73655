package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/market"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.AddVenue("SIM")
	require.NoError(t, err)
	_, err = reg.AddInstrument("ETHUSDT.SIM", schema.InstrumentSpec{})
	require.NoError(t, err)
	return reg
}

func TestTradeCarriesTradeID(t *testing.T) {
	c := NewMarketCodec(testRegistry(t))
	in := market.TradeTick{InstrumentID: "ETHUSDT.SIM", Price: 2500, Size: 3, AggressorSide: schema.AggressorSeller, TradeID: "T-77"}
	buf, err := c.EncodeTrade(nil, in)
	require.NoError(t, err)

	out, err := c.DecodeTrade(schema.EventHeader{}, buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = c.DecodeTrade(schema.EventHeader{}, buf[:len(buf)-1])
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestBookLevelsSurviveEncoding(t *testing.T) {
	c := NewMarketCodec(testRegistry(t))
	in := market.NewOrderBook("ETHUSDT.SIM",
		[]market.Level{{Price: 99, Size: 1}, {Price: 98, Size: 2}},
		[]market.Level{{Price: 101, Size: 4}},
		9)
	buf, err := c.EncodeBook(nil, in)
	require.NoError(t, err)

	out, err := c.DecodeBook(schema.EventHeader{TsEvent: 9}, buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnknownInstrument(t *testing.T) {
	c := NewMarketCodec(testRegistry(t))
	_, err := c.EncodeQuote(nil, market.QuoteTick{InstrumentID: "XRP.SIM"})
	require.Error(t, err)
}

func TestOrderEventEnvelope(t *testing.T) {
	fill := order.OrderFilled{
		EventMeta: order.EventMeta{EventID: "e-1", ClientOrderID: "O-1", InstrumentID: "ETHUSDT.SIM", TsEvent: 3},
		TradeID:   "T-1",
		Side:      schema.OrderSideSell,
		LastQty:   2,
		LastPx:    2500,
		Synthetic: true,
	}
	data, err := EncodeOrderEvent(fill)
	require.NoError(t, err)

	ev, err := DecodeOrderEvent(data)
	require.NoError(t, err)
	got, ok := ev.(order.OrderFilled)
	require.True(t, ok)
	assert.Equal(t, fill, got)

	init := order.OrderInitialized{Init: order.Init{ClientOrderID: "O-2", LinkedOrderIDs: []schema.ClientOrderID{"O-3"}}}
	data, err = EncodeOrderEvent(init)
	require.NoError(t, err)
	ev, err = DecodeOrderEvent(data)
	require.NoError(t, err)
	assert.Equal(t, []schema.ClientOrderID{"O-3"}, ev.(order.OrderInitialized).Init.LinkedOrderIDs)

	_, err = DecodeOrderEvent([]byte(`{"kind":999,"event":{}}`))
	require.ErrorContains(t, err, "unknown order event kind")
}
