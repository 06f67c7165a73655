package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"ordercore/internal/obs"
)

// LiveBus is a bounded, non-blocking queue drained by a single goroutine.
// Publishing never blocks; a full queue drops the message and reports it.
type LiveBus struct {
	mu      sync.RWMutex
	router  router
	ch      chan envelope
	closed  uint32
	metrics *obs.Metrics
}

// NewLiveBus allocates a bus with the given capacity.
func NewLiveBus(capacity int, metrics *obs.Metrics) *LiveBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &LiveBus{router: newRouter(), ch: make(chan envelope, capacity), metrics: metrics}
}

// Register must be called before Run.
func (b *LiveBus) Register(endpoint string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router.register(endpoint, h)
}

// Subscribe must be called before Run.
func (b *LiveBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router.subscribe(topic, h)
}

func (b *LiveBus) Send(endpoint string, msg any) error {
	b.mu.RLock()
	_, ok := b.router.endpoints[endpoint]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	return b.tryPublish(envelope{endpoint: endpoint, msg: msg})
}

func (b *LiveBus) Publish(topic string, msg any) error {
	return b.tryPublish(envelope{topic: topic, msg: msg})
}

// Post schedules fn on the bus goroutine. Used for timer callbacks.
func (b *LiveBus) Post(fn func()) {
	if err := b.tryPublish(envelope{fn: fn}); err != nil {
		logs.Errorf("bus: drop posted callback, err: %+v", err)
	}
}

func (b *LiveBus) tryPublish(env envelope) error {
	if atomic.LoadUint32(&b.closed) != 0 {
		b.metrics.IncQueueClosed()
		return ErrQueueClosed
	}
	select {
	case b.ch <- env:
		return nil
	default:
		b.metrics.IncQueueDrop()
		return ErrQueueFull
	}
}

// Close stops the bus from accepting new messages. Queued messages are still
// delivered by Run.
func (b *LiveBus) Close() {
	if atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		close(b.ch)
	}
}

// Run consumes messages until the context is done or the bus is closed.
func (b *LiveBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.ch:
			if !ok {
				return
			}
			b.mu.RLock()
			r := b.router
			b.mu.RUnlock()
			r.deliver(env)
		}
	}
}
