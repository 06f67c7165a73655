package order

import (
	"slices"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"ordercore/internal/schema"
)

// Init holds everything needed to create an order.
// Zero prices and timestamps mean "absent".
type Init struct {
	TraderID         schema.TraderID        `json:"traderId"`
	StrategyID       schema.StrategyID      `json:"strategyId"`
	InstrumentID     schema.InstrumentID    `json:"instrumentId"`
	ClientOrderID    schema.ClientOrderID   `json:"clientOrderId"`
	Side             schema.OrderSide       `json:"side"`
	Type             schema.OrderType       `json:"type"`
	Quantity         schema.Quantity        `json:"quantity"`
	Price            schema.Price           `json:"price"`
	TriggerPrice     schema.Price           `json:"triggerPrice"`
	TrailingOffset   schema.Price           `json:"trailingOffset"`
	LimitOffset      schema.Price           `json:"limitOffset"`
	TimeInForce      schema.TimeInForce     `json:"timeInForce"`
	ExpireTime       int64                  `json:"expireTime"`
	PostOnly         bool                   `json:"postOnly"`
	ReduceOnly       bool                   `json:"reduceOnly"`
	QuoteQuantity    bool                   `json:"quoteQuantity"`
	EmulationTrigger schema.TriggerType     `json:"emulationTrigger"`
	Contingency      schema.ContingencyType `json:"contingency"`
	LinkedOrderIDs   []schema.ClientOrderID `json:"linkedOrderIds"`
	ParentOrderID    schema.ClientOrderID   `json:"parentOrderId"`
	OrderListID      schema.OrderListID     `json:"orderListId"`
	PositionID       schema.PositionID      `json:"positionId"`
	TsInit           int64                  `json:"tsInit"`
}

// Validate checks the field combinations allowed for the order kind.
func (in Init) Validate() error {
	switch {
	case in.ClientOrderID == "":
		return errors.Wrap(ErrInvalidOrder, "client order id is empty")
	case in.InstrumentID == "":
		return errors.Wrap(ErrInvalidOrder, "instrument id is empty")
	case in.Side != schema.OrderSideBuy && in.Side != schema.OrderSideSell:
		return errors.Wrap(ErrInvalidOrder, "side is unknown")
	case in.Type == schema.OrderTypeUnknown:
		return errors.Wrap(ErrInvalidOrder, "order type is unknown")
	case in.TimeInForce == schema.TimeInForceUnknown:
		return errors.Wrap(ErrInvalidOrder, "time in force is unknown")
	case in.Quantity <= 0:
		return errors.Wrap(ErrInvalidOrder, "quantity must be positive")
	}
	if in.Type.HasPrice() != (in.Price > 0) {
		if in.Price > 0 {
			return errors.Wrapf(ErrInvalidOrder, "%s order cannot have a price", in.Type)
		}
		return errors.Wrapf(ErrInvalidOrder, "%s order requires a price", in.Type)
	}
	if in.Type.HasTrigger() != (in.TriggerPrice > 0) {
		if in.TriggerPrice > 0 {
			return errors.Wrapf(ErrInvalidOrder, "%s order cannot have a trigger price", in.Type)
		}
		return errors.Wrapf(ErrInvalidOrder, "%s order requires a trigger price", in.Type)
	}
	if in.Type.IsTrailing() && in.TrailingOffset <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "%s order requires a trailing offset", in.Type)
	}
	if !in.Type.IsTrailing() && (in.TrailingOffset != 0 || in.LimitOffset != 0) {
		return errors.Wrapf(ErrInvalidOrder, "%s order cannot have trailing offsets", in.Type)
	}
	if (in.TimeInForce == schema.TimeInForceGTD) != (in.ExpireTime > 0) {
		if in.ExpireTime > 0 {
			return errors.Wrap(ErrInvalidOrder, "expire time is only valid for GTD")
		}
		return errors.Wrap(ErrInvalidOrder, "GTD order requires an expire time")
	}
	if in.PostOnly && !in.Type.HasPrice() {
		return errors.Wrap(ErrInvalidOrder, "post only requires a limit price")
	}
	if in.Type == schema.OrderTypeMarket && in.EmulationTrigger != schema.TriggerNone {
		return errors.Wrap(ErrInvalidOrder, "market order cannot be emulated")
	}
	if in.Contingency != schema.ContingencyNone && len(in.LinkedOrderIDs) == 0 {
		return errors.Wrapf(ErrInvalidOrder, "%s order requires linked order ids", in.Contingency)
	}
	if slices.Contains(in.LinkedOrderIDs, in.ClientOrderID) {
		return errors.Wrap(ErrInvalidOrder, "order cannot be linked to itself")
	}
	return nil
}

// Order is the order aggregate. Its fields change only through Apply.
type Order struct {
	traderID      schema.TraderID
	strategyID    schema.StrategyID
	instrumentID  schema.InstrumentID
	clientOrderID schema.ClientOrderID
	venueOrderID  schema.VenueOrderID
	accountID     schema.AccountID
	positionID    schema.PositionID
	orderListID   schema.OrderListID

	side           schema.OrderSide
	orderType      schema.OrderType
	quantity       schema.Quantity
	filledQty      schema.Quantity
	price          schema.Price
	triggerPrice   schema.Price
	trailingOffset schema.Price
	limitOffset    schema.Price
	timeInForce    schema.TimeInForce
	expireTime     int64
	postOnly       bool
	reduceOnly     bool
	quoteQuantity  bool
	avgPx          decimal.Decimal

	emulationTrigger schema.TriggerType
	contingency      schema.ContingencyType
	linkedIDs        []schema.ClientOrderID
	parentID         schema.ClientOrderID

	status         Status
	previousStatus Status

	tsInit      int64
	tsSubmitted int64
	tsAccepted  int64
	tsTriggered int64
	tsLast      int64

	tradeIDs []schema.TradeID
	events   []Event
}

// New creates an INITIALIZED order from a validated Init.
func New(in Init) (*Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return FromInitialized(OrderInitialized{
		EventMeta: EventMeta{
			TraderID:      in.TraderID,
			StrategyID:    in.StrategyID,
			InstrumentID:  in.InstrumentID,
			ClientOrderID: in.ClientOrderID,
			TsEvent:       in.TsInit,
			TsInit:        in.TsInit,
		},
		Init: in,
	}), nil
}

// FromInitialized rebuilds an order from its first event.
func FromInitialized(ev OrderInitialized) *Order {
	in := ev.Init
	o := &Order{
		traderID:         in.TraderID,
		strategyID:       in.StrategyID,
		instrumentID:     in.InstrumentID,
		clientOrderID:    in.ClientOrderID,
		positionID:       in.PositionID,
		orderListID:      in.OrderListID,
		side:             in.Side,
		orderType:        in.Type,
		quantity:         in.Quantity,
		price:            in.Price,
		triggerPrice:     in.TriggerPrice,
		trailingOffset:   in.TrailingOffset,
		limitOffset:      in.LimitOffset,
		timeInForce:      in.TimeInForce,
		expireTime:       in.ExpireTime,
		postOnly:         in.PostOnly,
		reduceOnly:       in.ReduceOnly,
		quoteQuantity:    in.QuoteQuantity,
		emulationTrigger: in.EmulationTrigger,
		contingency:      in.Contingency,
		linkedIDs:        slices.Clone(in.LinkedOrderIDs),
		parentID:         in.ParentOrderID,
		status:           StatusInitialized,
		tsInit:           in.TsInit,
		tsLast:           in.TsInit,
	}
	if ev.EventID == "" {
		ev.EventID = NewMeta(o, in.TsInit).EventID
	}
	o.events = []Event{ev}
	return o
}

// Apply moves the order forward by one event.
func (o *Order) Apply(ev Event) error {
	meta := ev.Meta()
	if meta.ClientOrderID != o.clientOrderID {
		return errors.Wrap(ErrOrderMismatch, string(meta.ClientOrderID)).With("order", o.clientOrderID)
	}
	if o.status.IsTerminal() {
		if ev.Kind() == KindFilled {
			return ErrFillOnTerminal
		}
		return ErrInvalidTransition
	}

	switch e := ev.(type) {
	case OrderInitialized:
		return ErrAlreadyInitialized
	case OrderFilled:
		if err := o.applyFill(e); err != nil {
			return err
		}
	case OrderUpdated:
		if err := o.applyUpdate(e); err != nil {
			return err
		}
	case OrderModifyRejected:
		if o.status == StatusPendingUpdate {
			o.status = o.previousStatus
		}
	case OrderCancelRejected:
		if o.status == StatusPendingCancel {
			o.status = o.previousStatus
		}
	default:
		next, ok := ev.Kind().target()
		if !ok {
			return ErrInvalidTransition
		}
		if !CanTransition(o.status, next) {
			return ErrInvalidTransition
		}
		o.applyFields(ev)
		if next.isPending() && !o.status.isPending() {
			o.previousStatus = o.status
		}
		o.status = next
	}

	o.tsLast = meta.TsEvent
	o.events = append(o.events, ev)
	return nil
}

func (o *Order) applyFields(ev Event) {
	ts := ev.Meta().TsEvent
	switch e := ev.(type) {
	case OrderReleased:
		o.orderType = o.orderType.Released()
		if !o.orderType.HasPrice() {
			o.price = 0
		}
		o.triggerPrice = 0
		o.trailingOffset = 0
		o.limitOffset = 0
		o.emulationTrigger = schema.TriggerNone
		o.tsTriggered = ts
		if e.ReleasedPrice > 0 && o.orderType == schema.OrderTypeLimit && o.price == 0 {
			o.price = e.ReleasedPrice
		}
	case OrderSubmitted:
		if e.AccountID != "" {
			o.accountID = e.AccountID
		}
		o.tsSubmitted = ts
	case OrderAccepted:
		o.venueOrderID = e.VenueOrderID
		if e.AccountID != "" {
			o.accountID = e.AccountID
		}
		o.tsAccepted = ts
	case OrderTriggered:
		o.tsTriggered = ts
		o.setVenueOrderID(e.VenueOrderID)
	case OrderCanceled:
		o.setVenueOrderID(e.VenueOrderID)
	case OrderExpired:
		o.setVenueOrderID(e.VenueOrderID)
	case OrderPendingUpdate:
		o.setVenueOrderID(e.VenueOrderID)
	case OrderPendingCancel:
		o.setVenueOrderID(e.VenueOrderID)
	}
}

func (o *Order) setVenueOrderID(id schema.VenueOrderID) {
	if id != "" {
		o.venueOrderID = id
	}
}

func (o *Order) applyUpdate(e OrderUpdated) error {
	if e.Quantity != 0 && e.Quantity <= o.filledQty {
		return errors.Wrapf(ErrInvalidQuantity, "update quantity %d not above filled %d", e.Quantity, o.filledQty)
	}
	if e.Price != 0 && !o.orderType.HasPrice() {
		return errors.Wrapf(ErrInvalidOrder, "%s order cannot have a price", o.orderType)
	}
	if e.TriggerPrice != 0 && !o.orderType.HasTrigger() {
		return errors.Wrapf(ErrInvalidOrder, "%s order cannot have a trigger price", o.orderType)
	}
	if e.Quantity != 0 {
		o.quantity = e.Quantity
	}
	if e.Price != 0 {
		o.price = e.Price
	}
	if e.TriggerPrice != 0 {
		o.triggerPrice = e.TriggerPrice
	}
	if e.QuoteConverted {
		o.quoteQuantity = false
	}
	o.setVenueOrderID(e.VenueOrderID)
	if o.status == StatusPendingUpdate {
		o.status = o.previousStatus
	}
	return nil
}

func (o *Order) applyFill(e OrderFilled) error {
	if e.LastQty <= 0 {
		return ErrInvalidFill
	}
	if e.TradeID != "" && slices.Contains(o.tradeIDs, e.TradeID) {
		return ErrDuplicateFill
	}
	leaves := o.quantity - o.filledQty
	if e.LastQty > leaves {
		return errors.Wrapf(ErrOverfill, "last qty %d exceeds leaves %d", e.LastQty, leaves)
	}
	next := StatusPartiallyFilled
	if e.LastQty == leaves {
		next = StatusFilled
	}
	if !CanTransition(o.status, next) {
		return ErrInvalidTransition
	}

	prev := decimal.NewFromInt(int64(o.filledQty))
	last := decimal.NewFromInt(int64(e.LastQty))
	total := prev.Add(last)
	o.avgPx = o.avgPx.Mul(prev).Add(decimal.NewFromInt(int64(e.LastPx)).Mul(last)).Div(total)

	o.filledQty += e.LastQty
	o.setVenueOrderID(e.VenueOrderID)
	if e.AccountID != "" {
		o.accountID = e.AccountID
	}
	if e.PositionID != "" {
		o.positionID = e.PositionID
	}
	if e.TradeID != "" {
		o.tradeIDs = append(o.tradeIDs, e.TradeID)
	}
	o.status = next
	return nil
}

// Clone returns a deep copy that shares nothing mutable with o.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.linkedIDs = slices.Clone(o.linkedIDs)
	cp.tradeIDs = slices.Clone(o.tradeIDs)
	cp.events = slices.Clone(o.events)
	return &cp
}

func (o *Order) TraderID() schema.TraderID             { return o.traderID }
func (o *Order) StrategyID() schema.StrategyID         { return o.strategyID }
func (o *Order) InstrumentID() schema.InstrumentID     { return o.instrumentID }
func (o *Order) ClientOrderID() schema.ClientOrderID   { return o.clientOrderID }
func (o *Order) VenueOrderID() schema.VenueOrderID     { return o.venueOrderID }
func (o *Order) AccountID() schema.AccountID           { return o.accountID }
func (o *Order) PositionID() schema.PositionID         { return o.positionID }
func (o *Order) OrderListID() schema.OrderListID       { return o.orderListID }
func (o *Order) Side() schema.OrderSide                { return o.side }
func (o *Order) Type() schema.OrderType                { return o.orderType }
func (o *Order) Quantity() schema.Quantity             { return o.quantity }
func (o *Order) FilledQty() schema.Quantity            { return o.filledQty }
func (o *Order) LeavesQty() schema.Quantity            { return o.quantity - o.filledQty }
func (o *Order) Price() schema.Price                   { return o.price }
func (o *Order) TriggerPrice() schema.Price            { return o.triggerPrice }
func (o *Order) TrailingOffset() schema.Price          { return o.trailingOffset }
func (o *Order) LimitOffset() schema.Price             { return o.limitOffset }
func (o *Order) TimeInForce() schema.TimeInForce       { return o.timeInForce }
func (o *Order) ExpireTime() int64                     { return o.expireTime }
func (o *Order) IsPostOnly() bool                      { return o.postOnly }
func (o *Order) IsReduceOnly() bool                    { return o.reduceOnly }
func (o *Order) IsQuoteQuantity() bool                 { return o.quoteQuantity }
func (o *Order) AvgPx() decimal.Decimal                { return o.avgPx } // scaled price units
func (o *Order) EmulationTrigger() schema.TriggerType  { return o.emulationTrigger }
func (o *Order) Contingency() schema.ContingencyType   { return o.contingency }
func (o *Order) ParentOrderID() schema.ClientOrderID   { return o.parentID }
func (o *Order) Status() Status                        { return o.status }
func (o *Order) TsInit() int64                         { return o.tsInit }
func (o *Order) TsSubmitted() int64                    { return o.tsSubmitted }
func (o *Order) TsAccepted() int64                     { return o.tsAccepted }
func (o *Order) TsTriggered() int64                    { return o.tsTriggered }
func (o *Order) TsLast() int64                         { return o.tsLast }
func (o *Order) IsOpen() bool                          { return o.status.IsOpen() }
func (o *Order) IsClosed() bool                        { return o.status.IsTerminal() }
func (o *Order) IsActiveLocal() bool                   { return o.status.IsActiveLocal() }
func (o *Order) IsInflight() bool                      { return o.status.IsInflight() }
func (o *Order) IsEmulated() bool                      { return o.status == StatusEmulated }
func (o *Order) HasTradeID(id schema.TradeID) bool     { return slices.Contains(o.tradeIDs, id) }
func (o *Order) LinkedOrderIDs() []schema.ClientOrderID { return slices.Clone(o.linkedIDs) }
func (o *Order) TradeIDs() []schema.TradeID            { return slices.Clone(o.tradeIDs) }
func (o *Order) Events() []Event                       { return slices.Clone(o.events) }
func (o *Order) EventCount() int                       { return len(o.events) }

// LastEvent returns the most recently applied event.
func (o *Order) LastEvent() Event {
	return o.events[len(o.events)-1]
}

// Init returns the creation parameters of the order.
func (o *Order) Init() Init {
	if ev, ok := o.events[0].(OrderInitialized); ok {
		return ev.Init
	}
	return Init{}
}

// SignedLeaves returns leaves_qty signed by side (positive for buys).
func (o *Order) SignedLeaves() schema.Quantity {
	if o.side == schema.OrderSideSell {
		return -o.LeavesQty()
	}
	return o.LeavesQty()
}

// WouldReducePosition reports whether filling the order shrinks the given net position.
func (o *Order) WouldReducePosition(position schema.Quantity) bool {
	switch o.side {
	case schema.OrderSideBuy:
		return position < 0
	case schema.OrderSideSell:
		return position > 0
	default:
		return false
	}
}
