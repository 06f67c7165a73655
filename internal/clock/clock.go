// Package clock provides the time source and named timers used by the
// execution components. Timestamps are unix nanoseconds.
package clock

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// Callback runs when a timer fires. ts is the firing time.
type Callback func(name string, ts int64)

// Clock is a time source with named one-shot timers. Setting a timer with a
// name already in use replaces it.
type Clock interface {
	Now() int64
	SetTimer(name string, at int64, cb Callback)
	CancelTimer(name string) bool
	TimerNames() []string
}

type pending struct {
	name string
	at   int64
	seq  uint64
	cb   Callback
}

// TestClock advances only when told to. Used for backtests and tests.
type TestClock struct {
	mu     sync.Mutex
	now    int64
	seq    uint64
	timers map[string]pending
}

// NewTestClock creates a clock starting at start.
func NewTestClock(start int64) *TestClock {
	return &TestClock{now: start, timers: make(map[string]pending)}
}

func (c *TestClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) SetTimer(name string, at int64, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.timers[name] = pending{name: name, at: at, seq: c.seq, cb: cb}
}

func (c *TestClock) CancelTimer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[name]; !ok {
		return false
	}
	delete(c.timers, name)
	return true
}

func (c *TestClock) TimerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.timers))
	for name := range c.timers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AdvanceTo moves time forward to ts, firing due timers in time order.
// Callbacks run without the lock held and may set new timers; those fire
// too if they are due. It returns the number of timers fired.
func (c *TestClock) AdvanceTo(ts int64) int {
	fired := 0
	for {
		next, ok := c.popDue(ts)
		if !ok {
			break
		}
		next.cb(next.name, next.at)
		fired++
	}
	c.mu.Lock()
	if ts > c.now {
		c.now = ts
	}
	c.mu.Unlock()
	return fired
}

func (c *TestClock) popDue(ts int64) (pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	due := make([]pending, 0, len(c.timers))
	for _, p := range c.timers {
		if p.at <= ts {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return pending{}, false
	}
	slices.SortFunc(due, func(a, b pending) int {
		if r := cmp.Compare(a.at, b.at); r != 0 {
			return r
		}
		return cmp.Compare(a.seq, b.seq)
	})
	next := due[0]
	delete(c.timers, next.name)
	if next.at > c.now {
		c.now = next.at
	}
	return next, true
}

// Dispatcher hands a timer callback to the thread that owns the components.
type Dispatcher func(fn func())

// LiveClock reads wall time and fires timers through a Dispatcher.
type LiveClock struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	dispatch Dispatcher
}

// NewLiveClock creates a wall clock. A nil dispatcher runs callbacks on the
// timer goroutine.
func NewLiveClock(dispatch Dispatcher) *LiveClock {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &LiveClock{timers: make(map[string]*time.Timer), dispatch: dispatch}
}

func (c *LiveClock) Now() int64 { return time.Now().UnixNano() }

func (c *LiveClock) SetTimer(name string, at int64, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.timers[name]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(time.Until(time.Unix(0, at)), func() {
		c.mu.Lock()
		current, ok := c.timers[name]
		if ok && current == t {
			delete(c.timers, name)
		}
		c.mu.Unlock()
		if !ok || current != t {
			return
		}
		c.dispatch(func() { cb(name, at) })
	})
	c.timers[name] = t
}

func (c *LiveClock) CancelTimer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(c.timers, name)
	return true
}

func (c *LiveClock) TimerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.timers))
	for name := range c.timers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
