package market

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ordercore/internal/schema"
)

func TestNewOrderBookSortsAndDropsEmpty(t *testing.T) {
	b := NewOrderBook("BTCUSDT.SIM",
		[]Level{{Price: 99, Size: 1}, {Price: 100, Size: 2}, {Price: 98, Size: 0}},
		[]Level{{Price: 103, Size: 1}, {Price: 101, Size: 5}},
		1)

	require.Equal(t, []Level{{Price: 100, Size: 2}, {Price: 99, Size: 1}}, b.Bids)
	require.Equal(t, []Level{{Price: 101, Size: 5}, {Price: 103, Size: 1}}, b.Asks)
}

func TestConsumeWalksLevelsUpToLimit(t *testing.T) {
	b := NewOrderBook("BTCUSDT.SIM", nil,
		[]Level{{Price: 101, Size: 2}, {Price: 102, Size: 3}, {Price: 105, Size: 10}},
		1)

	require.Equal(t, schema.Quantity(5), b.Available(schema.OrderSideBuy, 102))

	fills := b.Consume(schema.OrderSideBuy, 4, 102)
	require.Equal(t, []Level{{Price: 101, Size: 2}, {Price: 102, Size: 2}}, fills)
	require.Equal(t, []Level{{Price: 102, Size: 1}, {Price: 105, Size: 10}}, b.Asks)

	fills = b.Consume(schema.OrderSideBuy, 20, 0)
	require.Equal(t, []Level{{Price: 102, Size: 1}, {Price: 105, Size: 10}}, fills)
	require.Empty(t, b.Asks)
}

func TestApplyTradeSetsBothSides(t *testing.T) {
	var b OrderBook
	b.ApplyQuote(QuoteTick{Bid: 100, Ask: 101, BidSize: 1, AskSize: 1})
	b.ApplyTrade(TradeTick{Price: 94, Size: 3})

	bid, ok := b.BestBid()
	require.True(t, ok)
	ask, _ := b.BestAsk()
	require.Equal(t, Level{Price: 94, Size: 3}, bid)
	require.Equal(t, Level{Price: 94, Size: 3}, ask)

	b.Consume(schema.OrderSideSell, 1, 0)
	bid, _ = b.BestBid()
	ask, _ = b.BestAsk()
	require.Equal(t, schema.Quantity(2), bid.Size)
	require.Equal(t, schema.Quantity(3), ask.Size)
}

func TestTopOfBook(t *testing.T) {
	b := NewOrderBook("BTCUSDT.SIM", nil, []Level{{Price: 101, Size: 2}}, 7)
	_, ok := b.TopOfBook()
	require.False(t, ok)

	b = NewOrderBook("BTCUSDT.SIM",
		[]Level{{Price: 99, Size: 4}, {Price: 100, Size: 1}},
		[]Level{{Price: 102, Size: 3}, {Price: 101, Size: 2}},
		7)
	q, ok := b.TopOfBook()
	require.True(t, ok)
	require.Equal(t, QuoteTick{InstrumentID: "BTCUSDT.SIM", Bid: 100, Ask: 101, BidSize: 1, AskSize: 2, TsEvent: 7}, q)
}
