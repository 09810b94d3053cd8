package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrUnknownOrder           = errors.New("unknown order")
	ErrOrderAlreadyReversed   = errors.New("order already reversed")
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrInvalidDelta           = errors.New("invalid delta")
	ErrInvalidDriverID        = errors.New("invalid driver id")
	ErrInvalidSponsorID       = errors.New("invalid sponsor id")
	ErrInvalidActorID         = errors.New("invalid actor id")
	ErrInvalidOrderID         = errors.New("invalid order id")
	ErrInvalidReason          = errors.New("invalid reason")
	ErrInvalidAmountPoints    = errors.New("invalid amount points")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidRatio           = errors.New("invalid points ratio")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// ShortfallError reports how many points a debit or allocation was short by.
// It unwraps to ErrInsufficientBalance.
type ShortfallError struct {
	NeedPoints Points
	HavePoints Points
}

// Error returns the formatted error message.
func (shortfall ShortfallError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d points, have %d (short %d)",
		shortfall.NeedPoints, shortfall.HavePoints, shortfall.Shortfall())
}

// Unwrap returns the sentinel so errors.Is(err, ErrInsufficientBalance) holds.
func (shortfall ShortfallError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall returns the uncovered remainder.
func (shortfall ShortfallError) Shortfall() Points {
	return shortfall.NeedPoints - shortfall.HavePoints
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
