package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldTenantID  = "tenant_id"
	FieldProjectID = "project_id"
	FieldWorkerID  = "worker_id"
	FieldRequestID = "request_id"

	// Scheduling
	FieldDeliveryAt     = "delivery_at"
	FieldDeadline       = "deadline"
	FieldAttempt        = "attempt"
	FieldMaxAttempts    = "max_attempts"
	FieldNextAttemptAt  = "next_attempt_at"
	FieldLedgerDate     = "ledger_date"
	FieldIdempotencyKey = "idempotency_key"

	// HTTP
	FieldMethod = "method"
	FieldPath   = "path"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"

	FieldSymbol = "symbol" // subsystem symbol (꩜, ✿, ❀, ⊔, ≡)
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// LoggerFromContext returns base enriched with fields carried by ctx.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
