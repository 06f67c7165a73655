// Package bus routes commands to component endpoints and publishes order
// events to subscribers. Handlers always run one at a time.
package bus

import (
	"github.com/yanun0323/errors"
)

// Well-known endpoints and topics.
const (
	EndpointRisk     = "RiskEngine.execute"
	EndpointExec     = "ExecEngine.execute"
	EndpointEmulator = "OrderEmulator.execute"
	EndpointVenue    = "ExecEngine.process"

	TopicOrderEvents = "events.order"
	TopicRiskEvents  = "events.risk"
)

var (
	ErrQueueFull       = errors.New("bus: queue full")
	ErrQueueClosed     = errors.New("bus: queue closed")
	ErrUnknownEndpoint = errors.New("bus: no handler for endpoint")
)

// Handler consumes one message.
type Handler func(msg any)

// Bus delivers messages between components.
type Bus interface {
	Register(endpoint string, h Handler)
	Subscribe(topic string, h Handler)
	Send(endpoint string, msg any) error
	Publish(topic string, msg any) error
}

type envelope struct {
	endpoint string
	topic    string
	msg      any
	fn       func()
}

type router struct {
	endpoints map[string]Handler
	topics    map[string][]Handler
}

func newRouter() router {
	return router{
		endpoints: make(map[string]Handler),
		topics:    make(map[string][]Handler),
	}
}

func (r *router) register(endpoint string, h Handler) {
	r.endpoints[endpoint] = h
}

func (r *router) subscribe(topic string, h Handler) {
	r.topics[topic] = append(r.topics[topic], h)
}

func (r *router) deliver(env envelope) {
	switch {
	case env.fn != nil:
		env.fn()
	case env.endpoint != "":
		if h, ok := r.endpoints[env.endpoint]; ok {
			h(env.msg)
		}
	default:
		for _, h := range r.topics[env.topic] {
			h(env.msg)
		}
	}
}
