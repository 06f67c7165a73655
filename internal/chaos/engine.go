// Package chaos perturbs the venue event stream of a simulated exchange so
// duplicate handling and reconciliation can be exercised end to end.
package chaos

import (
	"math/rand"
	"slices"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/order"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	// ReorderWindow holds this many events and releases a random one.
	ReorderWindow int
	// MaxDelay holds an event until a later event is at least this much newer.
	MaxDelay time.Duration
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.New("chaos: dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.New("chaos: duplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return errors.New("chaos: reorderWindow must be >= 1")
	}
	if c.MaxDelay < 0 {
		return errors.New("chaos: maxDelay must be >= 0")
	}
	return nil
}

type held struct {
	ev  order.Event
	due int64
}

// Engine sits between a venue and its event sink.
type Engine struct {
	cfg  Config
	rng  *rand.Rand
	sink func(order.Event)
	held []held
	last int64

	dropped    []order.Event
	duplicated int
}

// NewEngine creates a chaos engine forwarding surviving events to sink.
func NewEngine(cfg Config, sink func(order.Event)) (*Engine, error) {
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		sink: sink,
	}, nil
}

// Process takes one venue event. It has the signature of engine.EventSink.
func (e *Engine) Process(ev order.Event) {
	ts := ev.Meta().TsEvent
	e.last = max(e.last, ts)
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		logs.Debugf("chaos: drop %s for %s", ev.Kind(), ev.Meta().ClientOrderID)
		e.dropped = append(e.dropped, ev)
		e.release(false)
		return
	}
	due := ts
	if e.cfg.MaxDelay > 0 {
		due += e.rng.Int63n(int64(e.cfg.MaxDelay) + 1)
	}
	e.held = append(e.held, held{ev: ev, due: due})
	e.release(false)
}

// Flush releases every held event.
func (e *Engine) Flush() {
	e.release(true)
}

// Held is the number of events not yet released.
func (e *Engine) Held() int { return len(e.held) }

// Dropped returns the events that never reached the sink.
func (e *Engine) Dropped() []order.Event { return slices.Clone(e.dropped) }

// Duplicated is the number of events delivered twice.
func (e *Engine) Duplicated() int { return e.duplicated }

func (e *Engine) release(flush bool) {
	for len(e.held) > 0 {
		if !flush && len(e.held) < e.cfg.ReorderWindow {
			return
		}
		ready := make([]int, 0, len(e.held))
		for i, h := range e.held {
			if flush || h.due <= e.last {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			return
		}
		i := ready[0]
		if e.cfg.ReorderWindow > 1 {
			i = ready[e.rng.Intn(len(ready))]
		}
		ev := e.held[i].ev
		e.held = slices.Delete(e.held, i, i+1)
		e.emit(ev)
	}
}

func (e *Engine) emit(ev order.Event) {
	e.sink(ev)
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		e.duplicated++
		e.sink(ev)
	}
}
