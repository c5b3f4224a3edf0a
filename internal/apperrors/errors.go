// Package apperrors provides the typed error taxonomy for remote operations.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrTransient marks failures worth retrying: network unreachable,
	// timeouts, 5xx responses.
	ErrTransient = errors.New("transient error")

	// ErrRejected marks non-retryable request failures: 4xx, validation.
	ErrRejected = errors.New("request rejected")

	// ErrNotFound marks an unknown or expired analysis id.
	ErrNotFound = errors.New("not found")

	// ErrPayloadTooLarge marks an upload exceeding the service limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrResultFetch marks a job that completed but whose result could not
	// be retrieved. Retryable independently of the job itself.
	ErrResultFetch = errors.New("result fetch failed")

	// ErrJobFailed marks a job the remote service itself reported as
	// errored. Terminal, not retryable.
	ErrJobFailed = errors.New("job failed")

	// ErrPushExhausted marks the push channel as permanently unavailable
	// for this session after the reconnect budget was spent.
	ErrPushExhausted = errors.New("push channel exhausted")
)

// Error provides a structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Op         string // Operation that failed (e.g., "client.submit")
	AnalysisID string // Job the failure belongs to, if any
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Transient creates a retryable error wrapping an underlying cause.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Rejected creates a non-retryable request error.
func Rejected(op, reason string) error {
	return &Error{
		Sentinel: ErrRejected,
		Message:  reason,
		Op:       op,
	}
}

// NotFound creates a not found error for an analysis id.
func NotFound(op, analysisID string) error {
	return &Error{
		Sentinel:   ErrNotFound,
		Message:    fmt.Sprintf("analysis %s not found", analysisID),
		Op:         op,
		AnalysisID: analysisID,
	}
}

// PayloadTooLarge creates an upload size error.
func PayloadTooLarge(op string) error {
	return &Error{
		Sentinel: ErrPayloadTooLarge,
		Message:  "upload exceeds the service size limit",
		Op:       op,
	}
}

// ResultFetch wraps a failed result retrieval for a completed job.
func ResultFetch(analysisID string, cause error) error {
	return &Error{
		Sentinel:   ErrResultFetch,
		Message:    fmt.Sprintf("result fetch for %s: %v", analysisID, cause),
		AnalysisID: analysisID,
		Cause:      cause,
	}
}

// JobFailed wraps the remote error message of an errored job.
func JobFailed(analysisID, message string) error {
	if message == "" {
		message = "analysis failed"
	}
	return &Error{
		Sentinel:   ErrJobFailed,
		Message:    message,
		AnalysisID: analysisID,
	}
}

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
