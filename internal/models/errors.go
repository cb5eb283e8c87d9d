package models

import (
	"errors"
	"fmt"

	"stockfolio/internal/money"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientShares = errors.New("insufficient shares")
	// ErrNotFound covers both missing entities and entities owned by someone else.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent modification")
	ErrStorage  = errors.New("storage failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientSharesError names the sell at which the replayed share count
// would go negative.
type InsufficientSharesError struct {
	TransactionID string
	Available     money.Money
	Requested     money.Money
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares for transaction %s: have %s, selling %s",
		e.TransactionID, e.Available, e.Requested)
}

func (e *InsufficientSharesError) Is(target error) bool { return target == ErrInsufficientShares }
