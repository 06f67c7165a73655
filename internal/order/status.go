package order

// Status is the lifecycle state of an order.
type Status uint16

const (
	StatusInitialized Status = iota
	StatusDenied
	StatusEmulated
	StatusReleased
	StatusSubmitted
	StatusAccepted
	StatusRejected
	StatusTriggered
	StatusPendingUpdate
	StatusPendingCancel
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "INITIALIZED"
	case StatusDenied:
		return "DENIED"
	case StatusEmulated:
		return "EMULATED"
	case StatusReleased:
		return "RELEASED"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRejected:
		return "REJECTED"
	case StatusTriggered:
		return "TRIGGERED"
	case StatusPendingUpdate:
		return "PENDING_UPDATE"
	case StatusPendingCancel:
		return "PENDING_CANCEL"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the status can never be left.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDenied, StatusRejected, StatusCanceled, StatusExpired, StatusFilled:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order is working at a venue.
func (s Status) IsOpen() bool {
	switch s {
	case StatusAccepted, StatusTriggered, StatusPartiallyFilled, StatusPendingUpdate, StatusPendingCancel:
		return true
	default:
		return false
	}
}

// IsActiveLocal reports whether the order is still held locally.
func (s Status) IsActiveLocal() bool {
	return s == StatusInitialized || s == StatusEmulated
}

// IsInflight reports whether a venue answer is outstanding.
func (s Status) IsInflight() bool {
	return s == StatusSubmitted || s == StatusPendingUpdate || s == StatusPendingCancel
}

func (s Status) isPending() bool {
	return s == StatusPendingUpdate || s == StatusPendingCancel
}

var transitions = map[Status][]Status{
	StatusInitialized: {StatusDenied, StatusEmulated, StatusSubmitted, StatusReleased, StatusCanceled, StatusExpired},
	StatusEmulated:    {StatusReleased, StatusCanceled, StatusExpired},
	StatusReleased:    {StatusSubmitted, StatusDenied, StatusCanceled},
	StatusSubmitted: {StatusAccepted, StatusRejected, StatusCanceled, StatusPartiallyFilled, StatusFilled,
		StatusPendingUpdate, StatusPendingCancel},
	StatusAccepted: {StatusTriggered, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired,
		StatusPendingUpdate, StatusPendingCancel, StatusRejected},
	StatusTriggered: {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired, StatusRejected,
		StatusPendingUpdate, StatusPendingCancel},
	StatusPendingUpdate: {StatusAccepted, StatusRejected, StatusCanceled, StatusExpired, StatusTriggered,
		StatusPartiallyFilled, StatusFilled, StatusPendingCancel},
	StatusPendingCancel: {StatusCanceled, StatusAccepted, StatusTriggered, StatusPartiallyFilled, StatusFilled,
		StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired,
		StatusPendingUpdate, StatusPendingCancel},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
