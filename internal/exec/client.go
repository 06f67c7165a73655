package exec

import (
	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// Client sends commands to one venue. Venue answers arrive asynchronously as
// order events sent to bus.EndpointVenue; a returned error means the command
// never reached the venue.
type Client interface {
	Venue() string
	AccountID() schema.AccountID
	SubmitOrder(cmd SubmitOrder) error
	SubmitOrderList(cmd SubmitOrderList) error
	ModifyOrder(cmd ModifyOrder) error
	CancelOrder(cmd CancelOrder) error
	CancelAllOrders(cmd CancelAllOrders) error
	BatchCancelOrders(cmd BatchCancelOrders) error
	QueryOrder(cmd QueryOrder) error
}

// Journal records applied order events.
type Journal interface {
	RecordOrderEvent(ev order.Event) error
}
