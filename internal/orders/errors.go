package orders

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid state")
)

// Error is a domain failure with a message safe to show to the caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func errOrderNotFound() *Error { return newError(ErrNotFound, "Order not found") }

func errProductNotFound(id string) *Error {
	return newError(ErrNotFound, "Product not found: %s", id)
}

func errInsufficientStock(name string) *Error {
	return newError(ErrInsufficientStock, "Insufficient stock for %s", name)
}
