/*
errors.go - Centralized error types for the loyalty engine

ERROR CATEGORIES:
  1. Validation - rejected before any mutation (ErrInvalidAmount, ErrInvalidInput)
  2. Not found - unknown program, account, task, tier or progress
  3. Business rule - ErrInsufficientPoints, ErrProgramImmutable, duplicates
  4. Transient - ErrConcurrentModification (retried), ErrBusy (retries exhausted)
  5. Fan-out - PartialFailureError from task progress tracking

USAGE:
  if errors.Is(err, loyalty.ErrInsufficientPoints) { ... }

  var pf *loyalty.PartialFailureError
  if errors.As(err, &pf) { ... }
*/
package loyalty

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is the parent of every validation failure.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidAmount is returned for non-positive amounts or conversions
	// that round to zero points.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrInvalidInput)

	ErrNotFound         = errors.New("not found")
	ErrProgramNotFound  = fmt.Errorf("program %w", ErrNotFound)
	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)
	ErrTaskNotFound     = fmt.Errorf("task %w", ErrNotFound)
	ErrTierNotFound     = fmt.Errorf("tier %w", ErrNotFound)
	ErrProgressNotFound = fmt.Errorf("task progress %w", ErrNotFound)

	// ErrInsufficientPoints is returned when a redemption exceeds the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. Nothing is written.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrDuplicateProgram = errors.New("program already exists")
	ErrDuplicateTier    = errors.New("tier name or threshold already exists in program")
	ErrDuplicateTask    = errors.New("task already exists")

	// ErrProgramImmutable is returned when updating a program that is
	// referenced by transactions.
	ErrProgramImmutable = errors.New("program is referenced by transactions")

	// ErrConcurrentModification is returned by stores when an optimistic
	// version check fails. Engines retry it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrBusy is returned when retries for a conflicting write are exhausted.
	ErrBusy = errors.New("resource busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError details a rejected redemption.
type InsufficientPointsError struct {
	Key       AccountKey
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// BusyError reports how many attempts were made before giving up.
type BusyError struct {
	Op       string
	Key      string
	Attempts int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s %s: gave up after %d conflicting attempts", e.Op, e.Key, e.Attempts)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// TaskFailure is one task whose progress could not be updated.
type TaskFailure struct {
	TaskID TaskID
	Err    error
}

// PartialFailureError aggregates per-task failures of a progress fan-out.
// The transaction that triggered the fan-out is already committed.
type PartialFailureError struct {
	TransactionID TransactionID
	Failures      []TaskFailure
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("task %s: %v", f.TaskID, f.Err)
	}
	return fmt.Sprintf("task progress failed for %d task(s) after transaction %s: %s",
		len(e.Failures), e.TransactionID, strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrDuplicateProgram) ||
		errors.Is(err, ErrDuplicateTier) ||
		errors.Is(err, ErrDuplicateTask) ||
		errors.Is(err, ErrProgramImmutable)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
