package reconcile

import (
	"github.com/shopspring/decimal"

	"ordercore/internal/order"
	"ordercore/internal/schema"
)

// OrderStatusReport is the venue's view of one order.
type OrderStatusReport struct {
	AccountID     schema.AccountID     `json:"accountId"`
	InstrumentID  schema.InstrumentID  `json:"instrumentId"`
	ClientOrderID schema.ClientOrderID `json:"clientOrderId"`
	VenueOrderID  schema.VenueOrderID  `json:"venueOrderId"`
	Side          schema.OrderSide     `json:"side"`
	Type          schema.OrderType     `json:"type"`
	TimeInForce   schema.TimeInForce   `json:"timeInForce"`
	ExpireTime    int64                `json:"expireTime"`
	Status        order.Status         `json:"status"`
	Quantity      schema.Quantity      `json:"quantity"`
	FilledQty     schema.Quantity      `json:"filledQty"`
	// AvgPx is in scaled price units.
	AvgPx        decimal.Decimal `json:"avgPx"`
	Price        schema.Price    `json:"price"`
	TriggerPrice schema.Price    `json:"triggerPrice"`
	PostOnly     bool            `json:"postOnly"`
	ReduceOnly   bool            `json:"reduceOnly"`
	CancelReason string          `json:"cancelReason"`
	TsAccepted   int64           `json:"tsAccepted"`
	TsTriggered  int64           `json:"tsTriggered"`
	TsLast       int64           `json:"tsLast"`
}

// FillReport is one venue execution.
type FillReport struct {
	AccountID     schema.AccountID     `json:"accountId"`
	InstrumentID  schema.InstrumentID  `json:"instrumentId"`
	ClientOrderID schema.ClientOrderID `json:"clientOrderId"`
	VenueOrderID  schema.VenueOrderID  `json:"venueOrderId"`
	TradeID       schema.TradeID       `json:"tradeId"`
	Side          schema.OrderSide     `json:"side"`
	LastQty       schema.Quantity      `json:"lastQty"`
	LastPx        schema.Price         `json:"lastPx"`
	Commission    schema.Fee           `json:"commission"`
	LiquiditySide schema.LiquiditySide `json:"liquiditySide"`
	TsEvent       int64                `json:"tsEvent"`
}

// Mass is a batch of venue reports. Complete marks a full snapshot of the
// venue's open orders, so local open orders missing from it are divergent.
type Mass struct {
	Venue        string              `json:"venue"`
	OrderReports []OrderStatusReport `json:"orderReports"`
	FillReports  []FillReport        `json:"fillReports"`
	Complete     bool                `json:"complete"`
}

// Divergence is a difference reconciliation could not resolve.
type Divergence struct {
	ClientOrderID schema.ClientOrderID `json:"clientOrderId"`
	InstrumentID  schema.InstrumentID  `json:"instrumentId"`
	Reason        string               `json:"reason"`
}

// Result reports what a reconciliation run did.
type Result struct {
	Converged   bool          `json:"converged"`
	Applied     []order.Event `json:"-"`
	Divergences []Divergence  `json:"divergences"`
}

// ReportFromOrder describes o the way a venue would report it.
func ReportFromOrder(o *order.Order, ts int64) OrderStatusReport {
	return OrderStatusReport{
		AccountID:     o.AccountID(),
		InstrumentID:  o.InstrumentID(),
		ClientOrderID: o.ClientOrderID(),
		VenueOrderID:  o.VenueOrderID(),
		Side:          o.Side(),
		Type:          o.Type(),
		TimeInForce:   o.TimeInForce(),
		ExpireTime:    o.ExpireTime(),
		Status:        o.Status(),
		Quantity:      o.Quantity(),
		FilledQty:     o.FilledQty(),
		AvgPx:         o.AvgPx(),
		Price:         o.Price(),
		TriggerPrice:  o.TriggerPrice(),
		PostOnly:      o.IsPostOnly(),
		ReduceOnly:    o.IsReduceOnly(),
		CancelReason:  order.Reason(o.LastEvent()),
		TsAccepted:    o.TsAccepted(),
		TsTriggered:   o.TsTriggered(),
		TsLast:        ts,
	}
}
