package order

import (
	"github.com/yanun0323/errors"

	"ordercore/internal/schema"
)

// List is an immutable group of orders submitted together. The first order is the entry.
type List struct {
	ID           schema.OrderListID     `json:"id"`
	InstrumentID schema.InstrumentID    `json:"instrumentId"`
	StrategyID   schema.StrategyID      `json:"strategyId"`
	OrderIDs     []schema.ClientOrderID `json:"orderIds"`
	TsInit       int64                  `json:"tsInit"`
}

// NewList validates the orders and builds the list.
func NewList(id schema.OrderListID, orders []*Order, ts int64) (List, error) {
	if id == "" {
		return List{}, errors.Wrap(ErrInvalidOrderList, "list id is empty")
	}
	if len(orders) == 0 {
		return List{}, errors.Wrap(ErrInvalidOrderList, "list has no orders")
	}
	first := orders[0]
	seen := make(map[schema.ClientOrderID]struct{}, len(orders))
	ids := make([]schema.ClientOrderID, 0, len(orders))
	for _, o := range orders {
		if o.InstrumentID() != first.InstrumentID() {
			return List{}, errors.Wrapf(ErrInvalidOrderList, "mixed instruments %s and %s", first.InstrumentID(), o.InstrumentID())
		}
		if o.OrderListID() != id {
			return List{}, errors.Wrapf(ErrInvalidOrderList, "order %s belongs to list %q", o.ClientOrderID(), o.OrderListID())
		}
		if _, ok := seen[o.ClientOrderID()]; ok {
			return List{}, errors.Wrapf(ErrInvalidOrderList, "duplicate order %s", o.ClientOrderID())
		}
		seen[o.ClientOrderID()] = struct{}{}
		ids = append(ids, o.ClientOrderID())
	}
	for _, o := range orders {
		for _, linked := range o.LinkedOrderIDs() {
			if _, ok := seen[linked]; !ok {
				return List{}, errors.Wrapf(ErrInvalidOrderList, "order %s links to %s outside the list", o.ClientOrderID(), linked)
			}
		}
		if p := o.ParentOrderID(); p != "" {
			if _, ok := seen[p]; !ok {
				return List{}, errors.Wrapf(ErrInvalidOrderList, "order %s has parent %s outside the list", o.ClientOrderID(), p)
			}
		}
	}
	return List{
		ID:           id,
		InstrumentID: first.InstrumentID(),
		StrategyID:   first.StrategyID(),
		OrderIDs:     ids,
		TsInit:       ts,
	}, nil
}

// First returns the entry order id.
func (l List) First() schema.ClientOrderID {
	if len(l.OrderIDs) == 0 {
		return ""
	}
	return l.OrderIDs[0]
}
