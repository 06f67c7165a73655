package obs

import (
	"sync/atomic"
	"time"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

const (
	maxEventType   = int(schema.EventInstrumentClose)
	maxOrderEvent  = int(order.KindExpired)
	maxCommandKind = int(schema.CommandQueryOrder)
	maxRiskReason  = int(schema.RiskReasonReduceOnly)
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	eventCounts      [maxEventType + 1]uint64
	orderEventCounts [maxOrderEvent + 1]uint64
	commandCounts    [maxCommandKind + 1]uint64
	riskReasonCounts [maxRiskReason + 1]uint64
	queueDrops       uint64
	queueClosed      uint64
	syntheticFills   uint64
	reconcileDiffs   uint64

	eventLatency     LatencyStats
	orderFlowLatency LatencyStats
	riskEvalLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[schema.EventType]uint64
	OrderEventCounts map[order.EventKind]uint64
	CommandCounts    map[schema.CommandKind]uint64
	RiskReasonCounts map[schema.RiskReason]uint64
	QueueDrops       uint64
	QueueClosed      uint64
	SyntheticFills   uint64
	ReconcileDiffs   uint64
	EventLatency     LatencySnapshot
	OrderFlowLatency LatencySnapshot
	RiskEvalLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent counts a journaled record and tracks its ingest latency.
func (m *Metrics) ObserveEvent(header schema.EventHeader) {
	if m == nil {
		return
	}
	idx := int(header.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
	if header.TsEvent > 0 && header.TsInit > 0 {
		if delta := header.TsInit - header.TsEvent; delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
}

// ObserveOrderEvent counts an order event applied by the execution engine.
func (m *Metrics) ObserveOrderEvent(kind order.EventKind) {
	if m == nil {
		return
	}
	if idx := int(kind); idx >= 0 && idx < len(m.orderEventCounts) {
		atomic.AddUint64(&m.orderEventCounts[idx], 1)
	}
}

// IncCommand counts a command received by the risk engine.
func (m *Metrics) IncCommand(kind schema.CommandKind) {
	if m == nil {
		return
	}
	if idx := int(kind); idx >= 0 && idx < len(m.commandCounts) {
		atomic.AddUint64(&m.commandCounts[idx], 1)
	}
}

// IncRiskReason increments the risk reason counter.
func (m *Metrics) IncRiskReason(reason schema.RiskReason) {
	if m == nil {
		return
	}
	if idx := int(reason); idx >= 0 && idx < len(m.riskReasonCounts) {
		atomic.AddUint64(&m.riskReasonCounts[idx], 1)
	}
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncSyntheticFill records a fill inferred by reconciliation.
func (m *Metrics) IncSyntheticFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.syntheticFills, 1)
}

// AddReconcileDiffs records unresolved reconciliation differences.
func (m *Metrics) AddReconcileDiffs(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.reconcileDiffs, uint64(n))
}

// ObserveOrderFlow measures submit-to-accept latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		EventCounts:      collect[schema.EventType](m.eventCounts[:]),
		OrderEventCounts: collect[order.EventKind](m.orderEventCounts[:]),
		CommandCounts:    collect[schema.CommandKind](m.commandCounts[:]),
		RiskReasonCounts: collect[schema.RiskReason](m.riskReasonCounts[:]),
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		QueueClosed:      atomic.LoadUint64(&m.queueClosed),
		SyntheticFills:   atomic.LoadUint64(&m.syntheticFills),
		ReconcileDiffs:   atomic.LoadUint64(&m.reconcileDiffs),
		EventLatency:     m.eventLatency.Snapshot(),
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
	}
}

func collect[K ~uint16](counts []uint64) map[K]uint64 {
	out := make(map[K]uint64)
	for i := range counts {
		if v := atomic.LoadUint64(&counts[i]); v > 0 {
			out[K(i)] = v
		}
	}
	return out
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}
	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
