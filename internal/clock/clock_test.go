package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestClockFiresInTimeOrder(t *testing.T) {
	c := NewTestClock(100)
	var fired []string
	record := func(name string, ts int64) {
		fired = append(fired, name)
		require.Equal(t, ts, c.Now())
	}
	c.SetTimer("b", 300, record)
	c.SetTimer("a", 200, record)
	c.SetTimer("late", 900, record)

	require.Equal(t, 2, c.AdvanceTo(500))
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, int64(500), c.Now())
	require.Equal(t, []string{"late"}, c.TimerNames())
}

func TestTestClockReplaceAndCancel(t *testing.T) {
	c := NewTestClock(0)
	calls := 0
	c.SetTimer("x", 10, func(string, int64) { calls++ })
	c.SetTimer("x", 50, func(string, int64) { calls += 10 })

	require.Equal(t, 0, c.AdvanceTo(20))
	require.True(t, c.CancelTimer("x"))
	require.False(t, c.CancelTimer("x"))
	require.Equal(t, 0, c.AdvanceTo(100))
	require.Equal(t, 0, calls)
}

func TestTestClockCallbackCanRearm(t *testing.T) {
	c := NewTestClock(0)
	count := 0
	var tick Callback
	tick = func(name string, ts int64) {
		count++
		if count < 3 {
			c.SetTimer(name, ts+10, tick)
		}
	}
	c.SetTimer("tick", 10, tick)
	require.Equal(t, 3, c.AdvanceTo(100))
	require.Empty(t, c.TimerNames())
}
