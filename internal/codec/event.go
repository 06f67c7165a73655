package codec

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"ordercore/internal/order"
)

var ErrUnknownEventKind = errors.New("codec: unknown order event kind")

type eventEnvelope struct {
	Kind  order.EventKind `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// EncodeOrderEvent serializes an order event with its kind tag.
func EncodeOrderEvent(ev order.Event) ([]byte, error) {
	body, err := sonic.ConfigFastest.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "marshal order event").With("kind", ev.Kind().String())
	}
	return sonic.ConfigFastest.Marshal(eventEnvelope{Kind: ev.Kind(), Event: body})
}

// DecodeOrderEvent parses a payload written by EncodeOrderEvent.
func DecodeOrderEvent(data []byte) (order.Event, error) {
	var env eventEnvelope
	if err := sonic.ConfigFastest.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal order event envelope")
	}
	switch env.Kind {
	case order.KindInitialized:
		return decodeAs[order.OrderInitialized](env.Event)
	case order.KindDenied:
		return decodeAs[order.OrderDenied](env.Event)
	case order.KindEmulated:
		return decodeAs[order.OrderEmulated](env.Event)
	case order.KindReleased:
		return decodeAs[order.OrderReleased](env.Event)
	case order.KindSubmitted:
		return decodeAs[order.OrderSubmitted](env.Event)
	case order.KindAccepted:
		return decodeAs[order.OrderAccepted](env.Event)
	case order.KindRejected:
		return decodeAs[order.OrderRejected](env.Event)
	case order.KindTriggered:
		return decodeAs[order.OrderTriggered](env.Event)
	case order.KindPendingUpdate:
		return decodeAs[order.OrderPendingUpdate](env.Event)
	case order.KindPendingCancel:
		return decodeAs[order.OrderPendingCancel](env.Event)
	case order.KindModifyRejected:
		return decodeAs[order.OrderModifyRejected](env.Event)
	case order.KindCancelRejected:
		return decodeAs[order.OrderCancelRejected](env.Event)
	case order.KindUpdated:
		return decodeAs[order.OrderUpdated](env.Event)
	case order.KindFilled:
		return decodeAs[order.OrderFilled](env.Event)
	case order.KindCanceled:
		return decodeAs[order.OrderCanceled](env.Event)
	case order.KindExpired:
		return decodeAs[order.OrderExpired](env.Event)
	default:
		return nil, errors.Wrapf(ErrUnknownEventKind, "kind %d", env.Kind)
	}
}

func decodeAs[T order.Event](raw []byte) (order.Event, error) {
	var ev T
	if err := sonic.ConfigFastest.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Wrap(err, "unmarshal order event")
	}
	return ev, nil
}
