package exec

import (
	"slices"
	"strings"

	"ordercore/internal/clock"
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

const expiryTimerPrefix = "gtd-expire:"

// ExpiryManager keeps one clock timer per working GTD order.
type ExpiryManager struct {
	clock    clock.Clock
	onExpire func(id schema.ClientOrderID, ts int64)
	pending  map[schema.ClientOrderID]int64
}

func NewExpiryManager(clk clock.Clock, onExpire func(id schema.ClientOrderID, ts int64)) *ExpiryManager {
	return &ExpiryManager{
		clock:    clk,
		onExpire: onExpire,
		pending:  make(map[schema.ClientOrderID]int64),
	}
}

func timerName(id schema.ClientOrderID) string { return expiryTimerPrefix + string(id) }

// Schedule arms the timer of a GTD order. An order already past its expire
// time expires immediately. It returns true when that happened.
func (m *ExpiryManager) Schedule(o *order.Order) bool {
	if o.TimeInForce() != schema.TimeInForceGTD || o.ExpireTime() <= 0 || o.IsClosed() {
		return false
	}
	id := o.ClientOrderID()
	if now := m.clock.Now(); o.ExpireTime() <= now {
		m.Cancel(id)
		m.onExpire(id, now)
		return true
	}
	m.pending[id] = o.ExpireTime()
	m.clock.SetTimer(timerName(id), o.ExpireTime(), m.fire)
	return false
}

func (m *ExpiryManager) fire(name string, ts int64) {
	id := schema.ClientOrderID(strings.TrimPrefix(name, expiryTimerPrefix))
	if _, ok := m.pending[id]; !ok {
		return
	}
	delete(m.pending, id)
	m.onExpire(id, ts)
}

// Cancel disarms the timer of an order.
func (m *ExpiryManager) Cancel(id schema.ClientOrderID) bool {
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	m.clock.CancelTimer(timerName(id))
	return true
}

// Restore recreates timers after a restart and returns how many orders
// expired immediately.
func (m *ExpiryManager) Restore(orders []*order.Order) int {
	expired := 0
	for _, o := range orders {
		if m.Schedule(o) {
			expired++
		}
	}
	return expired
}

// Scheduled returns the ids with an armed timer.
func (m *ExpiryManager) Scheduled() []schema.ClientOrderID {
	out := make([]schema.ClientOrderID, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ExpireTime returns the armed expire time of an order.
func (m *ExpiryManager) ExpireTime(id schema.ClientOrderID) (int64, bool) {
	ts, ok := m.pending[id]
	return ts, ok
}
