package order

import (
	"slices"

	"github.com/shopspring/decimal"

	"ordercore/internal/schema"
)

// State is the persisted form of an order, sufficient to rebuild it after a restart.
type State struct {
	Init           Init                 `json:"init"`
	VenueOrderID   schema.VenueOrderID  `json:"venueOrderId"`
	AccountID      schema.AccountID     `json:"accountId"`
	PositionID     schema.PositionID    `json:"positionId"`
	Type           schema.OrderType     `json:"type"`
	Quantity       schema.Quantity      `json:"quantity"`
	FilledQty      schema.Quantity      `json:"filledQty"`
	Price          schema.Price         `json:"price"`
	TriggerPrice   schema.Price         `json:"triggerPrice"`
	TrailingOffset schema.Price         `json:"trailingOffset"`
	LimitOffset    schema.Price         `json:"limitOffset"`
	QuoteQuantity  bool                 `json:"quoteQuantity"`
	AvgPx          decimal.Decimal      `json:"avgPx"`
	Emulation      schema.TriggerType   `json:"emulationTrigger"`
	Status         Status               `json:"status"`
	PreviousStatus Status               `json:"previousStatus"`
	IsActiveLocal  bool                 `json:"isActiveLocal"`
	TsSubmitted    int64                `json:"tsSubmitted"`
	TsAccepted     int64                `json:"tsAccepted"`
	TsTriggered    int64                `json:"tsTriggered"`
	TsLast         int64                `json:"tsLast"`
	TradeIDs       []schema.TradeID     `json:"tradeIds"`
}

// State captures the order for persistence.
func (o *Order) State() State {
	return State{
		Init:           o.Init(),
		VenueOrderID:   o.venueOrderID,
		AccountID:      o.accountID,
		PositionID:     o.positionID,
		Type:           o.orderType,
		Quantity:       o.quantity,
		FilledQty:      o.filledQty,
		Price:          o.price,
		TriggerPrice:   o.triggerPrice,
		TrailingOffset: o.trailingOffset,
		LimitOffset:    o.limitOffset,
		QuoteQuantity:  o.quoteQuantity,
		AvgPx:          o.avgPx,
		Emulation:      o.emulationTrigger,
		Status:         o.status,
		PreviousStatus: o.previousStatus,
		IsActiveLocal:  o.IsActiveLocal(),
		TsSubmitted:    o.tsSubmitted,
		TsAccepted:     o.tsAccepted,
		TsTriggered:    o.tsTriggered,
		TsLast:         o.tsLast,
		TradeIDs:       slices.Clone(o.tradeIDs),
	}
}

// FromState restores an order from its persisted form. The event history
// restarts at the initialization event.
func FromState(st State) *Order {
	o := FromInitialized(OrderInitialized{
		EventMeta: EventMeta{
			TraderID:      st.Init.TraderID,
			StrategyID:    st.Init.StrategyID,
			InstrumentID:  st.Init.InstrumentID,
			ClientOrderID: st.Init.ClientOrderID,
			TsEvent:       st.Init.TsInit,
			TsInit:        st.Init.TsInit,
		},
		Init: st.Init,
	})
	o.venueOrderID = st.VenueOrderID
	o.accountID = st.AccountID
	if st.PositionID != "" {
		o.positionID = st.PositionID
	}
	o.orderType = st.Type
	o.quantity = st.Quantity
	o.filledQty = st.FilledQty
	o.price = st.Price
	o.triggerPrice = st.TriggerPrice
	o.trailingOffset = st.TrailingOffset
	o.limitOffset = st.LimitOffset
	o.quoteQuantity = st.QuoteQuantity
	o.avgPx = st.AvgPx
	o.emulationTrigger = st.Emulation
	o.status = st.Status
	o.previousStatus = st.PreviousStatus
	o.tsSubmitted = st.TsSubmitted
	o.tsAccepted = st.TsAccepted
	o.tsTriggered = st.TsTriggered
	o.tsLast = st.TsLast
	o.tradeIDs = slices.Clone(st.TradeIDs)
	return o
}
