package marketledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the marketplace ledger service.
var (
	ErrLeadNotFound             = errors.New("lead not found")
	ErrLeadAlreadySold          = errors.New("lead already sold")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrPurchaseExists           = errors.New("purchase already recorded for lead")
	ErrInvalidLeadID            = errors.New("invalid lead id")
	ErrInvalidWorkspaceID       = errors.New("invalid workspace id")
	ErrInvalidPurchaseID        = errors.New("invalid purchase id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidMarketplaceStatus = errors.New("invalid marketplace status")
	ErrInvalidPurchaseStatus    = errors.New("invalid purchase status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientFundsError carries the amounts needed by the payment-required
// response. errors.Is(err, ErrInsufficientFunds) matches it.
type InsufficientFundsError struct {
	RequiredCents int64
	CurrentCents  int64
}

// Error returns the formatted error message.
func (fundsError InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, current %d", fundsError.RequiredCents, fundsError.CurrentCents)
}

// Unwrap returns the insufficient-funds sentinel.
func (fundsError InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
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
