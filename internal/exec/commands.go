package exec

import (
	"github.com/google/uuid"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// Command is a trading instruction routed through risk, emulator and exec.
type Command interface {
	Kind() schema.CommandKind
	Header() CommandHeader
}

// CommandHeader is embedded by every command.
type CommandHeader struct {
	CommandID    string
	TraderID     schema.TraderID
	StrategyID   schema.StrategyID
	InstrumentID schema.InstrumentID
	TsInit       int64
}

func (h CommandHeader) Header() CommandHeader { return h }

// NewHeader stamps a command for the given strategy and instrument.
func NewHeader(trader schema.TraderID, strategy schema.StrategyID, instrument schema.InstrumentID, ts int64) CommandHeader {
	return CommandHeader{
		CommandID:    uuid.NewString(),
		TraderID:     trader,
		StrategyID:   strategy,
		InstrumentID: instrument,
		TsInit:       ts,
	}
}

func headerFor(o *order.Order, ts int64) CommandHeader {
	return NewHeader(o.TraderID(), o.StrategyID(), o.InstrumentID(), ts)
}

// SubmitOrder carries a snapshot of the order taken when the command was
// created. Exec submits the cached version, which may have been released since.
type SubmitOrder struct {
	CommandHeader
	Order *order.Order
}

// SubmitOrderList submits every order of a list atomically.
type SubmitOrderList struct {
	CommandHeader
	List   order.List
	Orders []*order.Order
}

// ModifyOrder changes quantity, price or trigger price. Zero means unchanged.
type ModifyOrder struct {
	CommandHeader
	ClientOrderID schema.ClientOrderID
	VenueOrderID  schema.VenueOrderID
	Quantity      schema.Quantity
	Price         schema.Price
	TriggerPrice  schema.Price
}

type CancelOrder struct {
	CommandHeader
	ClientOrderID schema.ClientOrderID
	VenueOrderID  schema.VenueOrderID
	Reason        string
}

// CancelAllOrders cancels every working order of the instrument. A zero Side
// means both sides.
type CancelAllOrders struct {
	CommandHeader
	Side schema.OrderSide
}

type BatchCancelOrders struct {
	CommandHeader
	Cancels []CancelOrder
}

// QueryOrder asks the venue for the current status of an order.
type QueryOrder struct {
	CommandHeader
	ClientOrderID schema.ClientOrderID
	VenueOrderID  schema.VenueOrderID
}

func (SubmitOrder) Kind() schema.CommandKind       { return schema.CommandSubmitOrder }
func (SubmitOrderList) Kind() schema.CommandKind   { return schema.CommandSubmitOrderList }
func (ModifyOrder) Kind() schema.CommandKind       { return schema.CommandModifyOrder }
func (CancelOrder) Kind() schema.CommandKind       { return schema.CommandCancelOrder }
func (CancelAllOrders) Kind() schema.CommandKind   { return schema.CommandCancelAllOrders }
func (BatchCancelOrders) Kind() schema.CommandKind { return schema.CommandBatchCancelOrders }
func (QueryOrder) Kind() schema.CommandKind        { return schema.CommandQueryOrder }

// NewSubmitOrder builds a submit command for o.
func NewSubmitOrder(o *order.Order, ts int64) SubmitOrder {
	return SubmitOrder{CommandHeader: headerFor(o, ts), Order: o.Clone()}
}

// NewCancelOrder builds a cancel command for o.
func NewCancelOrder(o *order.Order, reason string, ts int64) CancelOrder {
	return CancelOrder{
		CommandHeader: headerFor(o, ts),
		ClientOrderID: o.ClientOrderID(),
		VenueOrderID:  o.VenueOrderID(),
		Reason:        reason,
	}
}

// NewModifyOrder builds a modify command for o.
func NewModifyOrder(o *order.Order, qty schema.Quantity, price, trigger schema.Price, ts int64) ModifyOrder {
	return ModifyOrder{
		CommandHeader: headerFor(o, ts),
		ClientOrderID: o.ClientOrderID(),
		VenueOrderID:  o.VenueOrderID(),
		Quantity:      qty,
		Price:         price,
		TriggerPrice:  trigger,
	}
}

// Changes reports whether the modify would alter o.
func (m ModifyOrder) Changes(o *order.Order) bool {
	return (m.Quantity != 0 && m.Quantity != o.Quantity()) ||
		(m.Price != 0 && m.Price != o.Price()) ||
		(m.TriggerPrice != 0 && m.TriggerPrice != o.TriggerPrice())
}
