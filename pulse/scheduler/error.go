package scheduler

import (
	"context"
	"strings"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/pulse/job"
)

// ErrorCode classifies a job failure
type ErrorCode string

const (
	ErrorCodeCancelled     ErrorCode = "cancelled"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeNetwork       ErrorCode = "network_error"
	ErrorCodeDatabase      ErrorCode = "database_error"
	ErrorCodeConfiguration ErrorCode = "configuration_error"
	ErrorCodeValidation    ErrorCode = "validation_error"
	ErrorCodePanic         ErrorCode = "panic"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ErrorContext provides structured information about a failed execution
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Would a later fire plausibly succeed?
}

var (
	errFatal       = errors.New("fatal job failure")
	errRecoverable = errors.New("recoverable job failure")
	errPanic       = errors.New("job panicked")
)

// Fatal marks err so the trigger that fired the job goes to ERROR
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Mark(err, errFatal), errors.ErrJobExecutionFailure)
}

// Recoverable marks err so the trigger keeps its schedule
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Mark(err, errRecoverable), errors.ErrJobExecutionFailure)
}

// ClassifyError categorizes an execution error by identity first, then by message
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}

	switch {
	case errors.Is(err, errPanic):
		ctx.Code = ErrorCodePanic
		ctx.Retryable = true
		return ctx
	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCancelled
		ctx.Retryable = true
		return ctx
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		return ctx
	case errors.Is(err, errors.ErrConfiguration):
		ctx.Code = ErrorCodeConfiguration
		return ctx
	case errors.Is(err, errors.ErrInvalidRequest):
		ctx.Code = ErrorCodeValidation
		return ctx
	case errors.Is(err, errors.ErrStoreUnavailable):
		ctx.Code = ErrorCodeDatabase
		ctx.Retryable = true
		return ctx
	}

	errLower := strings.ToLower(ctx.Message)
	switch {
	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection"):
		ctx.Code = ErrorCodeNetwork
		ctx.Retryable = true
	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabase
		ctx.Retryable = true
	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidation
	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
	}
	return ctx
}

// OutcomeOf maps an execution error to the outcome reported to the store.
// Explicit Fatal/Recoverable marks win; configuration errors are fatal and
// anything else keeps the trigger scheduled.
func OutcomeOf(err error) job.Outcome {
	switch {
	case err == nil:
		return job.OutcomeSucceeded
	case errors.Is(err, errFatal):
		return job.OutcomeFailedFatal
	case errors.Is(err, errRecoverable):
		return job.OutcomeFailedRecoverable
	case ClassifyError("execute", err).Code == ErrorCodeConfiguration:
		return job.OutcomeFailedFatal
	}
	return job.OutcomeFailedRecoverable
}
