package order

import "github.com/yanun0323/errors"

var (
	ErrInvalidOrder       = errors.New("order: invalid order")
	ErrInvalidQuantity    = errors.New("order: invalid quantity")
	ErrInvalidTransition  = errors.New("order: invalid state transition")
	ErrInvalidFill        = errors.New("order: invalid fill quantity")
	ErrOverfill           = errors.New("order: fill exceeds leaves quantity")
	ErrDuplicateFill      = errors.New("order: duplicate trade id")
	ErrFillOnTerminal     = errors.New("order: fill on closed order")
	ErrOrderMismatch      = errors.New("order: event for another order")
	ErrAlreadyInitialized = errors.New("order: already initialized")
	ErrInvalidOrderList   = errors.New("order list: invalid")
)
