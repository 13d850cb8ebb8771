/*
errors.go - Centralized error types for the EVM engine

ERROR CATEGORIES:
  1. Invalid input - rejected at the boundary (ledger, factory, handlers)
     before any data reaches the calculation path
  2. Not found - missing hierarchy nodes, baselines, baseline rows
  3. Baseline write conflicts - recoverable; the caller retries or reports

NOT ERRORS:
  Undefined and overrun indices are values (see Index in types.go).
  Missing schedules, progress records or costs are zero contributions.

SEE ALSO:
  - validate.go: boundary validation producing ValidationError
  - baseline.go: produces BaselineConflictError
*/
package evm

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is wrapped by every ValidationError.
	ErrInvalidInput = errors.New("invalid input")

	ErrProjectNotFound     = errors.New("project not found")
	ErrWBENotFound         = errors.New("wbe not found")
	ErrCostElementNotFound = errors.New("cost element not found")
	ErrBaselineNotFound    = errors.New("baseline not found")
	ErrPlanNotFound        = errors.New("baseline plan not found")

	// ErrBaselineMetricsNotFound is returned when a baseline exists but holds
	// no row for the requested (level, entity), e.g. the entity was created
	// after the baseline date.
	ErrBaselineMetricsNotFound = errors.New("baseline has no metrics for entity")

	// ErrBaselineExists is returned when a snapshot is already committed
	// under the requested baseline id.
	ErrBaselineExists = errors.New("baseline already committed")

	// ErrBaselineInProgress is returned to the loser of two concurrent
	// attempts to write the same baseline.
	ErrBaselineInProgress = errors.New("baseline write already in progress")

	// ErrBaselineCancelled is returned when cancelling twice.
	ErrBaselineCancelled = errors.New("baseline already cancelled")

	// ErrDuplicateIdempotencyKey is returned when a record with the same
	// idempotency key already exists. Expected on client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// BaselineConflictError carries the state that blocked a snapshot write.
type BaselineConflictError struct {
	BaselineID BaselineID
	State      SnapshotState
}

func (e *BaselineConflictError) Error() string {
	return fmt.Sprintf("baseline %s cannot be written: state %s", e.BaselineID, e.State)
}

func (e *BaselineConflictError) Unwrap() error {
	if e.State == SnapshotWriting {
		return ErrBaselineInProgress
	}
	return ErrBaselineExists
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrWBENotFound) ||
		errors.Is(err, ErrCostElementNotFound) ||
		errors.Is(err, ErrBaselineNotFound) ||
		errors.Is(err, ErrBaselineMetricsNotFound) ||
		errors.Is(err, ErrPlanNotFound)
}

// IsConflict returns true for errors that map to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBaselineExists) ||
		errors.Is(err, ErrBaselineInProgress) ||
		errors.Is(err, ErrBaselineCancelled) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBaselineInProgress)
}
