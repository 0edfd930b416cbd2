package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Scheduler identity
	FieldInstanceID     = "instance_id"
	FieldTriggerKey     = "trigger_key"
	FieldJobKey         = "job_key"
	FieldFireInstanceID = "fire_instance_id"
	FieldCalendar       = "calendar"
	FieldLockName       = "lock_name"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// Operations
	FieldOperation = "operation"
	FieldOutcome   = "outcome"
	FieldState     = "state"

	// Timing
	FieldDurationMS    = "duration_ms"
	FieldFireTime      = "fire_time"
	FieldScheduledTime = "scheduled_time"
	FieldNextFireTime  = "next_fire_time"
	FieldBackoff       = "backoff"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Files
	FieldFile = "file"

	FieldSymbol = "symbol" // glyph (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	instanceIDKey     contextKey = "logger_instance_id"
	fireInstanceIDKey contextKey = "logger_fire_instance_id"
)

// WithInstanceID adds the scheduler instance id to the context for logging
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceIDKey, instanceID)
}

// WithFireInstanceID adds a fire instance id to the context for logging
func WithFireInstanceID(ctx context.Context, fireInstanceID string) context.Context {
	return context.WithValue(ctx, fireInstanceIDKey, fireInstanceID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(instanceIDKey).(string); ok && id != "" {
		fields = append(fields, FieldInstanceID, id)
	}
	if id, ok := ctx.Value(fireInstanceIDKey).(string); ok && id != "" {
		fields = append(fields, FieldFireInstanceID, id)
	}

	return fields
}

// FromContext returns base with fields extracted from ctx attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
// This is the preferred way to get a logger for dependency injection from cmd/.
//
// Example:
//
//	sched, err := scheduler.New(cfg, scheduler.Deps{
//	    Logger: logger.ComponentLogger("scheduler"),
//	})
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
// Example:
//
//	triggerLog := logger.ChildLogger(baseLogger, logger.FieldTriggerKey, key.String())
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
