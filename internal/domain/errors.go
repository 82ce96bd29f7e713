package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidInput     = errors.New("invalid input")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrTradeFailed      = errors.New("trade execution failed")
	ErrActionPending    = errors.New("action already pending for position")
	ErrPositionClosed   = errors.New("position closed")
	ErrHalted           = errors.New("position halted pending manual intervention")
	ErrLockHeld         = errors.New("lock already held")
)
