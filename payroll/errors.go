/*
errors.go - Centralized error types for the reconciliation core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Detection, reconciliation and tracing wrap these with context; the API
  layer maps them to HTTP status codes with the Is* helpers below.

ERROR CATEGORIES:
  1. Not found - run, employee or anomaly absent or outside the tenant
  2. Invalid state - double resolution, illegal run transition, blockers
  3. Conflict - concurrent detection passes on the same run
  4. Input - malformed client payloads, unsupported export formats

USAGE:
  if errors.Is(err, payroll.ErrAlreadyResolved) {
      // second resolve call, reject as client error
  }

SEE ALSO:
  - status.go: Produces TransitionError and BlockingError
  - api/handlers.go: Maps errors to HTTP statuses
*/
package payroll

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRunNotFound is returned when a payroll run does not exist for the tenant.
	ErrRunNotFound = errors.New("payroll run not found")

	// ErrEmployeeNotFound is returned when an employee does not exist for the tenant.
	ErrEmployeeNotFound = errors.New("employee not found")

	// ErrAnomalyNotFound is returned when an anomaly id does not resolve.
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrJobNotFound is returned when a reconciliation job id does not resolve.
	ErrJobNotFound = errors.New("reconciliation job not found")

	// ErrAnomalyNotInRun is returned when an anomaly belongs to another run.
	ErrAnomalyNotInRun = errors.New("anomaly does not belong to run")

	// ErrAlreadyResolved is returned on a second resolution of the same finding.
	ErrAlreadyResolved = errors.New("anomaly already resolved")

	// ErrInvalidTransition is returned when a run cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrBlockingAnomalies is returned when unresolved CRITICAL anomalies
	// prevent a run from being approved.
	ErrBlockingAnomalies = errors.New("run has unresolved blocking anomalies")

	// ErrConcurrentModification is returned when a detection generation
	// compare-and-swap loses against another pass.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockNotObtained is returned when another pass holds the run lock.
	ErrLockNotObtained = errors.New("run lock not obtained")

	// ErrInvalidInput is returned for malformed client input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedFormat is returned for unknown export formats.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected run status change.
type TransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot move from %s to %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// BlockingError is returned when CRITICAL findings are still unresolved.
type BlockingError struct {
	RunID         string
	CriticalCount int
}

func (e *BlockingError) Error() string {
	return fmt.Sprintf("run %s has %d unresolved critical anomalies", e.RunID, e.CriticalCount)
}

func (e *BlockingError) Unwrap() error {
	return ErrBlockingAnomalies
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrAnomalyNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrAnomalyNotInRun)
}

// IsConflict returns true if the request clashes with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrBlockingAnomalies) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotObtained)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockNotObtained)
}
