// Package errors provides the shared error taxonomy and wrapping helpers used
// across the job queue's components.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy from §7: callers type-switch or
// errors.Is against these rather than inspecting driver-specific types.
var (
	// ErrConflict is returned by insert when a uniqueness match was found;
	// it is not treated as a failure, callers inspect the returned job.
	ErrConflict = errors.New("job: uniqueness conflict")
	// ErrNotFound is returned when an operation targets a job or peer row
	// that does not exist.
	ErrNotFound = errors.New("job: not found")
	// ErrInvalidTransition is returned when a requested state transition is
	// not legal from the row's current state.
	ErrInvalidTransition = errors.New("job: invalid state transition")
	// ErrDBUnavailable names a transient store error that outlasted the
	// retry budget. internal/backoff.Retry reports that case as
	// backoff.ErrMaxAttemptsExceeded; no package here returns this value.
	ErrDBUnavailable = errors.New("job: database unavailable")
	// ErrDBFatal wraps a non-transient store error (missing table,
	// permission denied) that a retry cannot resolve.
	ErrDBFatal = errors.New("job: database fatal error")
	// ErrWorkerNotFound is returned by the executor when no worker is
	// registered under a job's worker name.
	ErrWorkerNotFound = errors.New("job: worker not found")
	// ErrInvalidJob is returned at insert time when a changeset fails
	// validation before it ever reaches the table.
	ErrInvalidJob = errors.New("job: invalid job")
)

// WrapWithContext wraps an error with additional context information.
// This provides consistent error wrapping across the codebase.
func WrapWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// WrapWithContextf wraps an error with formatted context information.
func WrapWithContextf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", context, err)
}
