package orders

import "errors"

var (
	ErrNotFound             = errors.New("order not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrStaleTransition      = errors.New("order changed concurrently")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrProductUnavailable   = errors.New("product unavailable")
	ErrArrivalCodeMismatch  = errors.New("arrival code mismatch")
	ErrCancelWindowClosed   = errors.New("cancellation window closed")
	ErrCancelNotAllowed     = errors.New("cancellation not allowed")
	ErrDiscountInvalid      = errors.New("discount invalid or inactive")
	ErrRefundExceedsBalance = errors.New("refund exceeds remaining balance")
)
