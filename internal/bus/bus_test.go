package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/obs"
)

func TestSyncBusDefersNestedSends(t *testing.T) {
	b := NewSyncBus()
	var trace []string
	b.Register("a", func(msg any) {
		trace = append(trace, "a:start")
		require.NoError(t, b.Send("b", msg))
		require.NoError(t, b.Publish("topic", msg))
		trace = append(trace, "a:end")
	})
	b.Register("b", func(any) { trace = append(trace, "b") })
	b.Subscribe("topic", func(any) { trace = append(trace, "sub1") })
	b.Subscribe("topic", func(any) { trace = append(trace, "sub2") })

	require.NoError(t, b.Send("a", 1))
	assert.Equal(t, []string{"a:start", "a:end", "b", "sub1", "sub2"}, trace)
	assert.Zero(t, b.Pending())
}

func TestSyncBusUnknownEndpoint(t *testing.T) {
	b := NewSyncBus()
	require.ErrorIs(t, b.Send("missing", nil), ErrUnknownEndpoint)
}

func TestLiveBusDropsWhenFull(t *testing.T) {
	m := obs.NewMetrics()
	b := NewLiveBus(1, m)
	b.Register("x", func(any) {})

	require.NoError(t, b.Send("x", 1))
	require.ErrorIs(t, b.Send("x", 2), ErrQueueFull)
	b.Close()
	require.ErrorIs(t, b.Send("x", 3), ErrQueueClosed)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.QueueDrops)
	assert.Equal(t, uint64(1), snap.QueueClosed)
}

func TestLiveBusRunDeliversInOrder(t *testing.T) {
	b := NewLiveBus(8, nil)
	got := make(chan int, 3)
	b.Subscribe("t", func(msg any) { got <- msg.(int) })
	for i := 1; i <= 2; i++ {
		require.NoError(t, b.Publish("t", i))
	}
	b.Post(func() { got <- 3 })
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Run(ctx)

	assert.Equal(t, 1, <-got)
	assert.Equal(t, 2, <-got)
	assert.Equal(t, 3, <-got)
}
