package chaos

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

func events(n int) []order.Event {
	out := make([]order.Event, 0, n)
	for i := range n {
		out = append(out, order.OrderAccepted{EventMeta: order.EventMeta{
			ClientOrderID: schema.ClientOrderID(fmt.Sprintf("O-%d", i)),
			TsEvent:       int64(i * 10),
		}})
	}
	return out
}

func ids(evs []order.Event) []schema.ClientOrderID {
	out := make([]schema.ClientOrderID, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Meta().ClientOrderID)
	}
	return out
}

func run(t *testing.T, cfg Config, in []order.Event) (*Engine, []order.Event) {
	t.Helper()
	var got []order.Event
	e, err := NewEngine(cfg, func(ev order.Event) { got = append(got, ev) })
	require.NoError(t, err)
	for _, ev := range in {
		e.Process(ev)
	}
	e.Flush()
	return e, got
}

func TestPassThrough(t *testing.T) {
	in := events(5)
	e, got := run(t, Config{Seed: 1}, in)

	assert.Equal(t, ids(in), ids(got))
	assert.Empty(t, e.Dropped())
	assert.Zero(t, e.Held())
}

func TestDropAll(t *testing.T) {
	in := events(4)
	e, got := run(t, Config{Seed: 1, DropRate: 1}, in)

	assert.Empty(t, got)
	assert.Equal(t, ids(in), ids(e.Dropped()))
}

func TestDuplicateAll(t *testing.T) {
	in := events(3)
	e, got := run(t, Config{Seed: 1, DuplicateRate: 1}, in)

	assert.Equal(t, []schema.ClientOrderID{"O-0", "O-0", "O-1", "O-1", "O-2", "O-2"}, ids(got))
	assert.Equal(t, 3, e.Duplicated())
}

func TestReorderKeepsEveryEvent(t *testing.T) {
	in := events(20)
	_, got := run(t, Config{Seed: 3, ReorderWindow: 4}, in)

	assert.ElementsMatch(t, ids(in), ids(got))
	assert.NotEqual(t, ids(in), ids(got))

	_, again := run(t, Config{Seed: 3, ReorderWindow: 4}, in)
	assert.Equal(t, ids(got), ids(again))
}

func TestDelayHoldsUntilLaterEvent(t *testing.T) {
	var got []order.Event
	e, err := NewEngine(Config{Seed: 1, MaxDelay: time.Duration(1_000)}, func(ev order.Event) { got = append(got, ev) })
	require.NoError(t, err)

	in := events(3)
	for _, ev := range in {
		e.Process(ev)
	}
	late := order.OrderAccepted{EventMeta: order.EventMeta{ClientOrderID: "LATE", TsEvent: 5_000}}
	e.Process(late)

	assert.Subset(t, ids(got), ids(in))
	e.Flush()
	assert.ElementsMatch(t, append(ids(in), "LATE"), ids(got))
	assert.Zero(t, e.Held())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"drop rate", Config{DropRate: 2}},
		{"duplicate rate", Config{DuplicateRate: -1}},
		{"window", Config{ReorderWindow: -1}},
		{"delay", Config{MaxDelay: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg, func(order.Event) {})
			assert.Error(t, err)
		})
	}
}
