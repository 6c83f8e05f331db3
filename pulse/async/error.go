package async

import (
	"context"
	"strings"

	"github.com/teranos/episodic/errors"
)

var (
	// ErrInvalidTransition is returned when a mutation's source state does not match,
	// e.g. a duplicate completion callback for a job that already succeeded
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrLeaseLost is returned when a worker acts on a claim it no longer holds
	ErrLeaseLost = errors.New("job lease lost")
)

// ErrorCode classifies a failed attempt for job.last_error_code
type ErrorCode string

const (
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeNetworkError  ErrorCode = "network_error"
	ErrorCodeUpstream      ErrorCode = "upstream_error"
	ErrorCodeUnavailable   ErrorCode = "unavailable"
	ErrorCodeLeaseExpired  ErrorCode = "lease_expired"
	ErrorCodeWindowExpired ErrorCode = "window_expired"
	ErrorCodeCostCapped    ErrorCode = "cost_capped"
	ErrorCodeRejected      ErrorCode = "rejected"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ClassifyError categorizes an attempt failure from its error or message.
// Every code is retried under the same policy; the code is for operators.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage categorizes a failure reported as text by the workflow
func ClassifyMessage(msg string) ErrorCode {
	m := strings.ToLower(msg)
	switch {
	case m == "":
		return ErrorCodeUnknown
	case strings.Contains(m, "lease expired"):
		return ErrorCodeLeaseExpired
	case strings.Contains(m, "window expired"):
		return ErrorCodeWindowExpired
	case strings.Contains(m, "deadline exceeded") || strings.Contains(m, "timed out") || strings.Contains(m, "timeout"):
		return ErrorCodeTimeout
	case strings.Contains(m, "circuit breaker") || strings.Contains(m, "unavailable"):
		return ErrorCodeUnavailable
	case strings.Contains(m, "connection") || strings.Contains(m, "network") || strings.Contains(m, "dial"):
		return ErrorCodeNetworkError
	case strings.Contains(m, "status 5") || strings.Contains(m, "upstream") || strings.Contains(m, "model"):
		return ErrorCodeUpstream
	case strings.Contains(m, "status 4") || strings.Contains(m, "rejected") || strings.Contains(m, "invalid"):
		return ErrorCodeRejected
	default:
		return ErrorCodeUnknown
	}
}
