/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Writer errors - InvalidLocation, DuplicateMovement, InvalidMovement
  2. Read errors - InvalidScope
  3. Lookup errors - NotFound

  Writer failures are local and never leave partial state: a rejected
  movement (or batch) writes nothing. None of them are retryable without
  the caller changing its input.

USAGE:
  if errors.Is(err, stock.ErrDuplicateMovement) {
      // already recorded, safe to treat as done
  }

SEE ALSO:
  - variant.ErrInvalidDefinition: malformed variation axes
  - conflict: resolution outcomes (no error for already-healed balances)
*/
package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidLocation is returned when a movement references an unknown location.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrDuplicateMovement is returned when a transaction id was already recorded.
	ErrDuplicateMovement = errors.New("duplicate movement")

	// ErrInvalidMovement is returned for zero deltas, unknown reason codes,
	// sign violations and decreases without a reference document.
	ErrInvalidMovement = errors.New("invalid movement")

	// ErrInvalidScope is returned when a balance read is ambiguous.
	ErrInvalidScope = errors.New("invalid balance scope")

	// ErrNotFound is returned by lookups of missing records.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidMovementError names the offending field.
type InvalidMovementError struct {
	Field  string
	Reason string
}

func (e *InvalidMovementError) Error() string {
	return fmt.Sprintf("invalid movement: %s: %s", e.Field, e.Reason)
}

func (e *InvalidMovementError) Unwrap() error { return ErrInvalidMovement }

// DuplicateMovementError carries the transaction id that already exists.
type DuplicateMovementError struct {
	TransactionID TransactionID
}

func (e *DuplicateMovementError) Error() string {
	return fmt.Sprintf("duplicate movement: transaction %s already recorded", e.TransactionID)
}

func (e *DuplicateMovementError) Unwrap() error { return ErrDuplicateMovement }

// InvalidLocationError carries the unknown location id.
type InvalidLocationError struct {
	LocationID LocationID
}

func (e *InvalidLocationError) Error() string {
	return fmt.Sprintf("invalid location: %q does not exist", e.LocationID)
}

func (e *InvalidLocationError) Unwrap() error { return ErrInvalidLocation }

type InvalidScopeError struct {
	Reason string
}

func (e *InvalidScopeError) Error() string { return "invalid balance scope: " + e.Reason }

func (e *InvalidScopeError) Unwrap() error { return ErrInvalidScope }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidLocation) ||
		errors.Is(err, ErrInvalidMovement) ||
		errors.Is(err, ErrInvalidScope)
}

// IsDuplicate returns true for idempotency violations.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateMovement)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
