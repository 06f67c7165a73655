package schema

// Price is a scaled integer. The scale is defined by the instrument.
type Price int64

// Quantity is a scaled integer. The scale is defined by the instrument.
type Quantity int64

// Notional is a scaled integer. The scale is defined by configuration.
type Notional int64

// Fee is a scaled integer. The scale is defined by the instrument.
type Fee int64

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	switch s {
	case OrderSideBuy:
		return OrderSideSell
	case OrderSideSell:
		return OrderSideBuy
	default:
		return OrderSideUnknown
	}
}

// OrderType is the closed set of order kinds.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStopMarket
	OrderTypeStopLimit
	OrderTypeMarketIfTouched
	OrderTypeLimitIfTouched
	OrderTypeTrailingStopMarket
	OrderTypeTrailingStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStopMarket:
		return "STOP_MARKET"
	case OrderTypeStopLimit:
		return "STOP_LIMIT"
	case OrderTypeMarketIfTouched:
		return "MARKET_IF_TOUCHED"
	case OrderTypeLimitIfTouched:
		return "LIMIT_IF_TOUCHED"
	case OrderTypeTrailingStopMarket:
		return "TRAILING_STOP_MARKET"
	case OrderTypeTrailingStopLimit:
		return "TRAILING_STOP_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// HasPrice reports whether the order kind carries a limit price.
func (t OrderType) HasPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLimit, OrderTypeLimitIfTouched, OrderTypeTrailingStopLimit:
		return true
	default:
		return false
	}
}

// HasTrigger reports whether the order kind carries a trigger price.
func (t OrderType) HasTrigger() bool {
	switch t {
	case OrderTypeStopMarket, OrderTypeStopLimit, OrderTypeMarketIfTouched, OrderTypeLimitIfTouched,
		OrderTypeTrailingStopMarket, OrderTypeTrailingStopLimit:
		return true
	default:
		return false
	}
}

// IsStop reports whether the trigger fires on an adverse move.
func (t OrderType) IsStop() bool {
	switch t {
	case OrderTypeStopMarket, OrderTypeStopLimit, OrderTypeTrailingStopMarket, OrderTypeTrailingStopLimit:
		return true
	default:
		return false
	}
}

// IsTrailing reports whether the trigger follows the market.
func (t OrderType) IsTrailing() bool {
	return t == OrderTypeTrailingStopMarket || t == OrderTypeTrailingStopLimit
}

// Released returns the kind an order becomes once its trigger fires.
func (t OrderType) Released() OrderType {
	switch t {
	case OrderTypeStopLimit, OrderTypeLimitIfTouched, OrderTypeTrailingStopLimit, OrderTypeLimit:
		return OrderTypeLimit
	case OrderTypeStopMarket, OrderTypeMarketIfTouched, OrderTypeTrailingStopMarket, OrderTypeMarket:
		return OrderTypeMarket
	default:
		return OrderTypeUnknown
	}
}

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
	TimeInForceGTD
	TimeInForceDay
	TimeInForceAtTheOpen
	TimeInForceAtTheClose
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	case TimeInForceGTD:
		return "GTD"
	case TimeInForceDay:
		return "DAY"
	case TimeInForceAtTheOpen:
		return "AT_THE_OPEN"
	case TimeInForceAtTheClose:
		return "AT_THE_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ContingencyType describes how orders in a group affect each other.
type ContingencyType uint16

const (
	ContingencyNone ContingencyType = iota
	ContingencyOCO
	ContingencyOUO
	ContingencyOTO
)

func (c ContingencyType) String() string {
	switch c {
	case ContingencyOCO:
		return "OCO"
	case ContingencyOUO:
		return "OUO"
	case ContingencyOTO:
		return "OTO"
	default:
		return "NONE"
	}
}

// TriggerType selects the market data stream that activates a trigger.
type TriggerType uint16

const (
	TriggerNone TriggerType = iota
	TriggerDefault
	TriggerBidAsk
	TriggerLastPrice
	TriggerDoubleLast
	TriggerDoubleBidAsk
)

func (t TriggerType) String() string {
	switch t {
	case TriggerDefault:
		return "DEFAULT"
	case TriggerBidAsk:
		return "BID_ASK"
	case TriggerLastPrice:
		return "LAST_PRICE"
	case TriggerDoubleLast:
		return "DOUBLE_LAST"
	case TriggerDoubleBidAsk:
		return "DOUBLE_BID_ASK"
	default:
		return "NO_TRIGGER"
	}
}

// UsesQuotes reports whether the trigger reads bid/ask data.
func (t TriggerType) UsesQuotes() bool {
	return t == TriggerDefault || t == TriggerBidAsk || t == TriggerDoubleBidAsk
}

// UsesTrades reports whether the trigger reads last trade data.
func (t TriggerType) UsesTrades() bool {
	return t == TriggerLastPrice || t == TriggerDoubleLast
}

// Confirmations is the number of consecutive observations required to fire.
func (t TriggerType) Confirmations() int {
	if t == TriggerDoubleLast || t == TriggerDoubleBidAsk {
		return 2
	}
	return 1
}

// LiquiditySide describes whether a fill added or removed liquidity.
type LiquiditySide uint16

const (
	LiquidityNone LiquiditySide = iota
	LiquidityMaker
	LiquidityTaker
)

func (l LiquiditySide) String() string {
	switch l {
	case LiquidityMaker:
		return "MAKER"
	case LiquidityTaker:
		return "TAKER"
	default:
		return "NO_LIQUIDITY_SIDE"
	}
}

// MarketStatus is the trading session state of an instrument.
type MarketStatus uint16

const (
	MarketStatusOpen MarketStatus = iota
	MarketStatusClosed
	MarketStatusPaused
	MarketStatusHalted
	MarketStatusPreOpen
	MarketStatusSuspended
)

func (s MarketStatus) String() string {
	switch s {
	case MarketStatusOpen:
		return "OPEN"
	case MarketStatusClosed:
		return "CLOSED"
	case MarketStatusPaused:
		return "PAUSED"
	case MarketStatusHalted:
		return "HALTED"
	case MarketStatusPreOpen:
		return "PRE_OPEN"
	case MarketStatusSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// AggressorSide describes which side initiated a trade.
type AggressorSide uint16

const (
	AggressorNone AggressorSide = iota
	AggressorBuyer
	AggressorSeller
)

// RiskAction is the outcome of a risk decision.
type RiskAction uint16

const (
	RiskActionUnknown RiskAction = iota
	RiskActionAllow
	RiskActionDeny
)

// RiskReason is a coarse reason code for risk decisions.
type RiskReason uint16

const (
	RiskReasonNone RiskReason = iota
	RiskReasonKillSwitch
	RiskReasonMaxQty
	RiskReasonMaxNotional
	RiskReasonRateLimit
	RiskReasonPriceBand
	RiskReasonPositionLimit
	RiskReasonInvalidOrder
	RiskReasonDuplicateID
	RiskReasonReduceOnly
)

func (r RiskReason) String() string {
	switch r {
	case RiskReasonKillSwitch:
		return "trading halted by kill switch"
	case RiskReasonMaxQty:
		return "quantity exceeds max order quantity"
	case RiskReasonMaxNotional:
		return "notional exceeds max order notional"
	case RiskReasonRateLimit:
		return "order rate limit exceeded"
	case RiskReasonPriceBand:
		return "price outside allowed deviation"
	case RiskReasonPositionLimit:
		return "position would exceed max position"
	case RiskReasonInvalidOrder:
		return "invalid order"
	case RiskReasonDuplicateID:
		return "duplicate client order id"
	case RiskReasonReduceOnly:
		return "reduce only order would increase position"
	default:
		return "none"
	}
}
