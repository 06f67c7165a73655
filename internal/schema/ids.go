package schema

import "strings"

// TraderID identifies the trader instance that owns a strategy.
type TraderID string

// StrategyID identifies the strategy that created an order.
type StrategyID string

// InstrumentID is formatted as "<symbol>.<venue>".
type InstrumentID string

// ClientOrderID is the locally assigned, immutable order identifier.
type ClientOrderID string

// VenueOrderID is the identifier assigned by the venue on acceptance.
type VenueOrderID string

// OrderListID groups the orders of one list submission.
type OrderListID string

// PositionID identifies a position.
type PositionID string

// TradeID identifies a single execution.
type TradeID string

// AccountID identifies a venue account.
type AccountID string

// Venue returns the venue suffix of the instrument id.
func (id InstrumentID) Venue() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Symbol returns the symbol part of the instrument id.
func (id InstrumentID) Symbol() string {
	s := string(id)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}
