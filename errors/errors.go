// Package errors provides error handling for tempo.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marking errors with sentinel identities that survive wrapping
//
// Usage:
//
//	if err := store.AcquireNextTriggers(ctx, ...); err != nil {
//	    if errors.IsStoreUnavailable(err) {
//	        // back off and retry the cycle
//	    }
//	    return errors.Wrap(err, "acquire triggers")
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New       = crdb.New
	Newf      = crdb.Newf
	Wrap      = crdb.Wrap
	Wrapf     = crdb.Wrapf
	WithStack = crdb.WithStack
	Mark      = crdb.Mark
)

// User-facing messages and details
var (
	WithHint   = crdb.WithHint
	WithDetail = crdb.WithDetail
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors for the scheduler.
// Use these with errors.Is(); Mark or Wrap them to add context while preserving identity.
var (
	// ErrNotFound indicates the requested job, trigger or calendar does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates an object with the same key already exists,
	// or a delete would leave dangling references
	ErrConflict = New("resource conflict")

	// ErrInvalidRequest indicates the request was malformed
	ErrInvalidRequest = New("invalid request")

	// ErrStoreUnavailable indicates a transient failure of the backing store.
	// The firing loop retries the whole cycle after backoff.
	ErrStoreUnavailable = New("store unavailable")

	// ErrLockLost indicates the cluster lock was no longer held when the store expected it
	ErrLockLost = New("cluster lock lost")

	// ErrLockTimeout indicates the bounded wait for the cluster lock expired
	ErrLockTimeout = New("cluster lock wait timed out")

	// ErrJobExecutionFailure indicates a job body reported failure
	ErrJobExecutionFailure = New("job execution failed")

	// ErrMisfireUnrecoverable is informational: a one-shot trigger misfired under
	// do-nothing and completed without firing
	ErrMisfireUnrecoverable = New("misfire unrecoverable")

	// ErrConfiguration indicates an invalid schedule, calendar reference or misfire
	// instruction. Rejected synchronously at scheduling time.
	ErrConfiguration = New("configuration error")

	// ErrSchedulerShutdown indicates the scheduler is shut down
	ErrSchedulerShutdown = New("scheduler is shut down")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsStoreUnavailable checks if an error is marked as a transient store failure
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// IsLockLost checks if an error reports a lost or unobtainable cluster lock
func IsLockLost(err error) bool {
	return err != nil && IsAny(err, ErrLockLost, ErrLockTimeout)
}

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsJobExecutionFailure checks if an error was reported by a job body
func IsJobExecutionFailure(err error) bool {
	return err != nil && Is(err, ErrJobExecutionFailure)
}

// IsConfigurationError checks if an error is or wraps ErrConfiguration
func IsConfigurationError(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConfiguration)
}

// WrapStoreUnavailable marks err as a transient store failure with context
func WrapStoreUnavailable(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrStoreUnavailable)
}
