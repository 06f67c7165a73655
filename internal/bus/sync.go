package bus

// SyncBus delivers messages on the caller's goroutine in FIFO order. A
// message sent from inside a handler is queued and handled after the current
// handler returns, so every component sees a consistent state.
type SyncBus struct {
	router
	queue    []envelope
	handling bool
}

func NewSyncBus() *SyncBus {
	return &SyncBus{router: newRouter()}
}

func (b *SyncBus) Register(endpoint string, h Handler) { b.register(endpoint, h) }
func (b *SyncBus) Subscribe(topic string, h Handler)   { b.subscribe(topic, h) }

func (b *SyncBus) Send(endpoint string, msg any) error {
	if _, ok := b.endpoints[endpoint]; !ok {
		return ErrUnknownEndpoint
	}
	b.push(envelope{endpoint: endpoint, msg: msg})
	return nil
}

func (b *SyncBus) Publish(topic string, msg any) error {
	b.push(envelope{topic: topic, msg: msg})
	return nil
}

// Post runs fn in delivery order.
func (b *SyncBus) Post(fn func()) {
	b.push(envelope{fn: fn})
}

// Pending returns the number of queued messages.
func (b *SyncBus) Pending() int { return len(b.queue) }

func (b *SyncBus) push(env envelope) {
	b.queue = append(b.queue, env)
	if b.handling {
		return
	}
	b.handling = true
	defer func() { b.handling = false }()
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = envelope{}
		b.queue = b.queue[1:]
		b.deliver(next)
	}
}
