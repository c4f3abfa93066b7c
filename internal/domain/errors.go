package domain

import "errors"

var (
	ErrNotRunning        = errors.New("orderbook is not running")
	ErrValidation        = errors.New("validation error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrExecution         = errors.New("execution error")
)
