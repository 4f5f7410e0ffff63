package stock

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrContention indicates the slot lock could not be acquired in time. Retryable.
	ErrContention = errors.New("stock: contention on balance row")
	// ErrInsufficientStock indicates the delta would drive the balance negative.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInvalidQuantity indicates a zero, negative or over-precise quantity.
	ErrInvalidQuantity = errors.New("stock: invalid quantity")
	// ErrInvalidReason indicates a reason outside the enum.
	ErrInvalidReason = errors.New("stock: invalid reason")
	// ErrInvalidKey indicates missing warehouse or item.
	ErrInvalidKey = errors.New("stock: warehouse and item required")
	// ErrInvalidReference indicates a missing business reference.
	ErrInvalidReference = errors.New("stock: reference required")
	// ErrInvalidBatchDates indicates inconsistent batch dates.
	ErrInvalidBatchDates = errors.New("stock: invalid batch dates")
	// ErrReferenceConflict indicates a reference line already used by a
	// different kind of movement.
	ErrReferenceConflict = errors.New("stock: reference line already used")
	// ErrEntryNotFound indicates no ledger entry matched.
	ErrEntryNotFound = errors.New("stock: ledger entry not found")
)

// InsufficientStockError describes a rejected adjustment.
type InsufficientStockError struct {
	Key     Key
	Current decimal.Decimal
	Delta   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock at %s: current %s, delta %s",
		e.Key, e.Current.String(), e.Delta.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Shortfall returns how much stock is missing.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Current.Add(e.Delta).Neg()
}

// IsRetryable reports whether the same request may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

// IsClientError reports whether err stems from the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidReference) ||
		errors.Is(err, ErrReferenceConflict) ||
		errors.Is(err, ErrInvalidBatchDates)
}
