package order

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordercore/internal/schema"
)

// EventKind identifies the concrete type of an order event.
type EventKind uint16

const (
	KindUnknown EventKind = iota
	KindInitialized
	KindDenied
	KindEmulated
	KindReleased
	KindSubmitted
	KindAccepted
	KindRejected
	KindTriggered
	KindPendingUpdate
	KindPendingCancel
	KindModifyRejected
	KindCancelRejected
	KindUpdated
	KindFilled
	KindCanceled
	KindExpired
)

func (k EventKind) String() string {
	switch k {
	case KindInitialized:
		return "OrderInitialized"
	case KindDenied:
		return "OrderDenied"
	case KindEmulated:
		return "OrderEmulated"
	case KindReleased:
		return "OrderReleased"
	case KindSubmitted:
		return "OrderSubmitted"
	case KindAccepted:
		return "OrderAccepted"
	case KindRejected:
		return "OrderRejected"
	case KindTriggered:
		return "OrderTriggered"
	case KindPendingUpdate:
		return "OrderPendingUpdate"
	case KindPendingCancel:
		return "OrderPendingCancel"
	case KindModifyRejected:
		return "OrderModifyRejected"
	case KindCancelRejected:
		return "OrderCancelRejected"
	case KindUpdated:
		return "OrderUpdated"
	case KindFilled:
		return "OrderFilled"
	case KindCanceled:
		return "OrderCanceled"
	case KindExpired:
		return "OrderExpired"
	default:
		return "Unknown"
	}
}

// target is the status an event moves the order to. Events that keep or
// revert the status return ok=false.
func (k EventKind) target() (Status, bool) {
	switch k {
	case KindDenied:
		return StatusDenied, true
	case KindEmulated:
		return StatusEmulated, true
	case KindReleased:
		return StatusReleased, true
	case KindSubmitted:
		return StatusSubmitted, true
	case KindAccepted:
		return StatusAccepted, true
	case KindRejected:
		return StatusRejected, true
	case KindTriggered:
		return StatusTriggered, true
	case KindPendingUpdate:
		return StatusPendingUpdate, true
	case KindPendingCancel:
		return StatusPendingCancel, true
	case KindCanceled:
		return StatusCanceled, true
	case KindExpired:
		return StatusExpired, true
	default:
		return 0, false
	}
}

// Event is an immutable fact about one order.
type Event interface {
	Meta() EventMeta
	Kind() EventKind
}

// EventMeta is embedded by every order event.
type EventMeta struct {
	EventID       string               `json:"eventId"`
	TraderID      schema.TraderID      `json:"traderId"`
	StrategyID    schema.StrategyID    `json:"strategyId"`
	InstrumentID  schema.InstrumentID  `json:"instrumentId"`
	ClientOrderID schema.ClientOrderID `json:"clientOrderId"`
	TsEvent       int64                `json:"tsEvent"`
	TsInit        int64                `json:"tsInit"`
}

func (m EventMeta) Meta() EventMeta { return m }

// NewMeta stamps a new event for the order at ts.
func NewMeta(o *Order, ts int64) EventMeta {
	return EventMeta{
		EventID:       uuid.NewString(),
		TraderID:      o.traderID,
		StrategyID:    o.strategyID,
		InstrumentID:  o.instrumentID,
		ClientOrderID: o.clientOrderID,
		TsEvent:       ts,
		TsInit:        ts,
	}
}

type OrderInitialized struct {
	EventMeta
	Init Init `json:"init"`
}

type OrderDenied struct {
	EventMeta
	Reason string `json:"reason"`
}

type OrderEmulated struct {
	EventMeta
}

// OrderReleased moves an emulated order out of local holding. The order kind
// is transformed to the kind it is submitted as (see schema.OrderType.Released).
type OrderReleased struct {
	EventMeta
	ReleasedPrice schema.Price `json:"releasedPrice"`
}

type OrderSubmitted struct {
	EventMeta
	AccountID schema.AccountID `json:"accountId"`
}

type OrderAccepted struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
	AccountID    schema.AccountID    `json:"accountId"`
}

type OrderRejected struct {
	EventMeta
	AccountID schema.AccountID `json:"accountId"`
	Reason    string           `json:"reason"`
}

type OrderTriggered struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
}

type OrderPendingUpdate struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
}

type OrderPendingCancel struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
}

type OrderModifyRejected struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
	Reason       string              `json:"reason"`
}

type OrderCancelRejected struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
	Reason       string              `json:"reason"`
}

// OrderUpdated carries the new values of a modified order; zero means unchanged.
type OrderUpdated struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
	Quantity     schema.Quantity     `json:"quantity"`
	Price        schema.Price        `json:"price"`
	TriggerPrice schema.Price        `json:"triggerPrice"`
	// QuoteConverted marks Quantity as the base quantity of a former quote quantity order.
	QuoteConverted bool `json:"quoteConverted"`
}

type OrderFilled struct {
	EventMeta
	VenueOrderID  schema.VenueOrderID  `json:"venueOrderId"`
	AccountID     schema.AccountID     `json:"accountId"`
	TradeID       schema.TradeID       `json:"tradeId"`
	PositionID    schema.PositionID    `json:"positionId"`
	Side          schema.OrderSide     `json:"side"`
	OrderType     schema.OrderType     `json:"orderType"`
	LastQty       schema.Quantity      `json:"lastQty"`
	LastPx        schema.Price         `json:"lastPx"`
	Commission    schema.Fee           `json:"commission"`
	LiquiditySide schema.LiquiditySide `json:"liquiditySide"`
	// Synthetic marks a fill fabricated by reconciliation at the average price.
	Synthetic bool `json:"synthetic"`
}

type OrderCanceled struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
	Reason       string              `json:"reason"`
}

type OrderExpired struct {
	EventMeta
	VenueOrderID schema.VenueOrderID `json:"venueOrderId"`
}

func (OrderInitialized) Kind() EventKind    { return KindInitialized }
func (OrderDenied) Kind() EventKind         { return KindDenied }
func (OrderEmulated) Kind() EventKind       { return KindEmulated }
func (OrderReleased) Kind() EventKind       { return KindReleased }
func (OrderSubmitted) Kind() EventKind      { return KindSubmitted }
func (OrderAccepted) Kind() EventKind       { return KindAccepted }
func (OrderRejected) Kind() EventKind       { return KindRejected }
func (OrderTriggered) Kind() EventKind      { return KindTriggered }
func (OrderPendingUpdate) Kind() EventKind  { return KindPendingUpdate }
func (OrderPendingCancel) Kind() EventKind  { return KindPendingCancel }
func (OrderModifyRejected) Kind() EventKind { return KindModifyRejected }
func (OrderCancelRejected) Kind() EventKind { return KindCancelRejected }
func (OrderUpdated) Kind() EventKind        { return KindUpdated }
func (OrderFilled) Kind() EventKind         { return KindFilled }
func (OrderCanceled) Kind() EventKind       { return KindCanceled }
func (OrderExpired) Kind() EventKind        { return KindExpired }

// Notional returns last_qty * last_px in unscaled units.
func (f OrderFilled) Notional(scale schema.ScaleSpec) decimal.Decimal {
	qty := decimal.New(int64(f.LastQty), -int32(scale.QuantityScale))
	px := decimal.New(int64(f.LastPx), -int32(scale.PriceScale))
	return qty.Mul(px)
}

// Reason returns the human readable reason carried by the event, if any.
func Reason(ev Event) string {
	switch e := ev.(type) {
	case OrderDenied:
		return e.Reason
	case OrderRejected:
		return e.Reason
	case OrderCanceled:
		return e.Reason
	case OrderModifyRejected:
		return e.Reason
	case OrderCancelRejected:
		return e.Reason
	default:
		return ""
	}
}
