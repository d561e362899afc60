package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit engine.
var (
	ErrInsufficientCredits        = errors.New("insufficient credits")
	ErrReservationNotFound        = errors.New("reservation not found")
	ErrReservationAlreadyResolved = errors.New("reservation already resolved")
	ErrAccountNotFound            = errors.New("account not found")
	ErrDuplicateTransaction       = errors.New("duplicate ledger transaction")
	ErrDuplicateEvent             = errors.New("duplicate webhook event")
	ErrInvalidSignature           = errors.New("invalid webhook signature")
	ErrStaleTimestamp             = errors.New("webhook timestamp outside tolerance")
	ErrInvalidTransition          = errors.New("invalid subscription transition")
	ErrConflict                   = errors.New("transaction conflict")
	ErrInvalidAccountID           = errors.New("invalid account id")
	ErrInvalidReservationID       = errors.New("invalid reservation id")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidPool                = errors.New("invalid pool")
	ErrInvalidTransactionKind     = errors.New("invalid transaction kind")
	ErrInvalidReservationStatus   = errors.New("invalid reservation status")
	ErrInvalidSubscriptionStatus  = errors.New("invalid subscription status")
	ErrInvalidEventType           = errors.New("invalid event type")
	ErrInvalidEventPayload        = errors.New("invalid event payload")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
	ErrInvalidBalance             = errors.New("invalid balance")
)

// InsufficientCreditsError carries the exact shortfall surfaced to end users.
type InsufficientCreditsError struct {
	Required  Credits
	Available Credits
}

// Error returns the formatted shortfall message.
func (shortfall InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", shortfall.Required, shortfall.Available)
}

// Is matches the ErrInsufficientCredits sentinel.
func (shortfall InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
