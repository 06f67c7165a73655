package matching

import "ordercore/internal/schema"

// evaluate checks the order's condition against bid/ask. ok is false when the
// price needed for this side has not been seen yet.
func evaluate(h *HeldOrder, bid, ask schema.Price) (matched bool, px schema.Price, ok bool) {
	px = ask
	if h.Side == schema.OrderSideSell {
		px = bid
	}
	if px <= 0 {
		return false, 0, false
	}
	switch h.Type {
	case schema.OrderTypeStopMarket, schema.OrderTypeStopLimit,
		schema.OrderTypeTrailingStopMarket, schema.OrderTypeTrailingStopLimit:
		return IsStopTriggered(h.Side, h.TriggerPrice, bid, ask), px, true
	case schema.OrderTypeMarketIfTouched, schema.OrderTypeLimitIfTouched:
		return IsTouchTriggered(h.Side, h.TriggerPrice, bid, ask), px, true
	case schema.OrderTypeLimit:
		return IsLimitMatched(h.Side, h.Price, bid, ask), px, true
	default:
		return false, px, false
	}
}

// IsStopTriggered reports whether the market moved through a stop trigger:
// buys when ask >= trigger, sells when bid <= trigger.
func IsStopTriggered(side schema.OrderSide, trigger, bid, ask schema.Price) bool {
	switch side {
	case schema.OrderSideBuy:
		return ask > 0 && ask >= trigger
	case schema.OrderSideSell:
		return bid > 0 && bid <= trigger
	default:
		return false
	}
}

// IsTouchTriggered reports whether an if-touched trigger was reached from the
// favorable side: buys when ask <= trigger, sells when bid >= trigger.
func IsTouchTriggered(side schema.OrderSide, trigger, bid, ask schema.Price) bool {
	switch side {
	case schema.OrderSideBuy:
		return ask > 0 && ask <= trigger
	case schema.OrderSideSell:
		return bid > 0 && bid >= trigger
	default:
		return false
	}
}

// IsLimitMatched reports whether a limit price is marketable.
func IsLimitMatched(side schema.OrderSide, price, bid, ask schema.Price) bool {
	switch side {
	case schema.OrderSideBuy:
		return ask > 0 && ask <= price
	case schema.OrderSideSell:
		return bid > 0 && bid >= price
	default:
		return false
	}
}

// TrailingStop moves a trailing trigger toward the market. Sell stops ratchet
// up under the bid, buy stops ratchet down above the ask. For
// TRAILING_STOP_LIMIT the limit price keeps limitOffset from the trigger.
func TrailingStop(side schema.OrderSide, typ schema.OrderType, trigger, price, offset, limitOffset, bid, ask schema.Price) (schema.Price, schema.Price, bool) {
	var next schema.Price
	switch side {
	case schema.OrderSideSell:
		if bid <= 0 {
			return trigger, price, false
		}
		next = bid - offset
		if next <= trigger || next <= 0 {
			return trigger, price, false
		}
	case schema.OrderSideBuy:
		if ask <= 0 {
			return trigger, price, false
		}
		next = ask + offset
		if next >= trigger {
			return trigger, price, false
		}
	default:
		return trigger, price, false
	}
	if typ == schema.OrderTypeTrailingStopLimit {
		if side == schema.OrderSideSell {
			price = next - limitOffset
		} else {
			price = next + limitOffset
		}
	}
	return next, price, true
}

func trail(h *HeldOrder, bid, ask schema.Price) (TrailingMove, bool) {
	trigger, price, moved := TrailingStop(h.Side, h.Type, h.TriggerPrice, h.Price, h.TrailingOffset, h.LimitOffset, bid, ask)
	if !moved {
		return TrailingMove{}, false
	}
	h.TriggerPrice, h.Price = trigger, price
	return TrailingMove{ClientOrderID: h.ClientOrderID, TriggerPrice: h.TriggerPrice, Price: h.Price}, true
}
