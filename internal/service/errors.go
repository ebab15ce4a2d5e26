package service

import (
	"errors"
	"fmt"

	"reconciliation-service/internal/models"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrAlreadyReversed    = errors.New("stock transaction already reversed")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrInvalidStockChange = errors.New("invalid stock change")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrLockTimeout        = errors.New("timed out waiting for order lock")
)

// InvalidTransitionError is returned when an event's precondition does not
// hold for the order's current status.
type InvalidTransitionError struct {
	From  models.OrderStatus
	To    models.OrderStatus
	Event EventType
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s on %s", e.From, e.To, e.Event)
}

// IsInvalidTransition reports whether err wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
