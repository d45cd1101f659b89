/*
errors.go - Centralized error types for the session ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Workflow packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - Bad input or a business rule rejecting the call
  2. State errors - A transition attempted from the wrong state
  3. Not found - Missing mapping or request
  4. Conflict - Concurrent modification, lock contention (retryable)

  Invariant violations found by the consistency engine are NOT errors.
  They are recorded and queued for repair.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientSessions) {
      // mapping is exhausted
  }

  switch ledger.Classify(err) {
  case ledger.OutcomeRejected: ...
  }

SEE ALSO:
  - session.go: Returns the balance errors
  - extension/workflow.go, refund/workflow.go: Return state errors
  - api/handlers.go: Maps outcomes to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientSessions is returned when consuming from a mapping with
	// no remaining sessions.
	ErrInsufficientSessions = errors.New("insufficient sessions")

	// ErrRefundExceedsBalance is returned when a refund asks for more sessions
	// than remain on the mapping.
	ErrRefundExceedsBalance = errors.New("refund exceeds remaining sessions")

	ErrInvalidSessionCount = errors.New("session count must be positive")

	// ErrInvalidInput covers malformed arguments (empty ids, bad enums).
	ErrInvalidInput = errors.New("invalid input")

	ErrMappingNotFound = errors.New("mapping not found")
	ErrRequestNotFound = errors.New("request not found")

	// ErrInvalidStateTransition is returned when a workflow call arrives in
	// the wrong state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrMappingNotActive is returned when an operation requires an ACTIVE mapping.
	ErrMappingNotActive = errors.New("mapping is not active")

	// ErrMappingTerminated is returned when the balance of a terminated
	// mapping would change.
	ErrMappingTerminated = errors.New("mapping is terminated")

	// ErrConcurrentModification is returned when the version check on save fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockNotAcquired is returned when a mapping lock could not be taken
	// before the context expired.
	ErrLockNotAcquired = errors.New("mapping lock not acquired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientSessionsError provides details about an exhausted mapping.
type InsufficientSessionsError struct {
	MappingID string
	Remaining int
}

func (e *InsufficientSessionsError) Error() string {
	return fmt.Sprintf("insufficient sessions on mapping %s: remaining %d", e.MappingID, e.Remaining)
}

func (e *InsufficientSessionsError) Unwrap() error {
	return ErrInsufficientSessions
}

// RefundExceedsBalanceError provides details about an oversized refund.
type RefundExceedsBalanceError struct {
	MappingID string
	Requested int
	Remaining int
}

func (e *RefundExceedsBalanceError) Error() string {
	return fmt.Sprintf("refund of %d sessions exceeds remaining %d on mapping %s",
		e.Requested, e.Remaining, e.MappingID)
}

func (e *RefundExceedsBalanceError) Unwrap() error {
	return ErrRefundExceedsBalance
}

// InvalidStateTransitionError names the current and attempted states.
type InvalidStateTransitionError struct {
	Kind      string // "extension" or "refund"
	RequestID string
	Current   string
	Attempted string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s request %s: cannot %s, current status: %s",
		e.Kind, e.RequestID, e.Attempted, e.Current)
}

func (e *InvalidStateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// MappingNotActiveError names the status that blocked the operation.
type MappingNotActiveError struct {
	MappingID string
	Status    MappingStatus
}

func (e *MappingNotActiveError) Error() string {
	return fmt.Sprintf("mapping %s is not active, current status: %s", e.MappingID, e.Status)
}

func (e *MappingNotActiveError) Unwrap() error {
	return ErrMappingNotActive
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotAcquired)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule rejecting the call.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientSessions) ||
		errors.Is(err, ErrRefundExceedsBalance) ||
		errors.Is(err, ErrInvalidSessionCount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrMappingNotActive) ||
		errors.Is(err, ErrMappingTerminated)
}

// IsStateViolation returns true if a workflow call arrived in the wrong state.
func IsStateViolation(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMappingNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}

// Outcome is the typed result callers receive for a ledger operation.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRejected       Outcome = "rejected"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeStateViolation Outcome = "state_violation"
	OutcomeConflict       Outcome = "conflict"
	OutcomeInternal       Outcome = "internal"
)

// Classify maps an error onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsNotFound(err):
		return OutcomeNotFound
	case IsStateViolation(err):
		return OutcomeStateViolation
	case IsClientError(err):
		return OutcomeRejected
	case IsRetryable(err):
		return OutcomeConflict
	default:
		return OutcomeInternal
	}
}
