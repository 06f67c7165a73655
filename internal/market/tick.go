package market

import "ordercore/internal/schema"

// QuoteTick is a top-of-book update.
type QuoteTick struct {
	InstrumentID schema.InstrumentID
	Bid          schema.Price
	Ask          schema.Price
	BidSize      schema.Quantity
	AskSize      schema.Quantity
	TsEvent      int64
	TsInit       int64
}

// TradeTick is a single public trade.
type TradeTick struct {
	InstrumentID  schema.InstrumentID
	Price         schema.Price
	Size          schema.Quantity
	AggressorSide schema.AggressorSide
	TradeID       schema.TradeID
	TsEvent       int64
	TsInit        int64
}

// CloseType describes why an instrument stopped trading.
type CloseType uint16

const (
	CloseEndOfSession CloseType = iota + 1
	CloseContractExpired
)

// InstrumentClose marks the final price of an instrument for a session or its lifetime.
type InstrumentClose struct {
	InstrumentID schema.InstrumentID
	ClosePrice   schema.Price
	Type         CloseType
	TsEvent      int64
}

// StatusAction is a venue session action.
type StatusAction uint16

const (
	ActionNone StatusAction = iota
	ActionPreOpen
	ActionTrading
	ActionPause
	ActionHalt
	ActionSuspend
	ActionClose
)

// InstrumentStatus carries a session action for one instrument.
type InstrumentStatus struct {
	InstrumentID schema.InstrumentID
	Action       StatusAction
	TsEvent      int64
}
