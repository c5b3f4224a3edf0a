package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FromStatus classifies an HTTP response status into the error taxonomy.
// 2xx returns nil.
func FromStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return &Error{
			Sentinel: ErrNotFound,
			Message:  fmt.Sprintf("%s: HTTP %d", op, status),
			Op:       op,
		}
	case status == http.StatusRequestEntityTooLarge:
		return PayloadTooLarge(op)
	case status >= 400 && status < 500:
		return Rejected(op, fmt.Sprintf("%s: HTTP %d", op, status))
	default:
		return Transient(op, fmt.Errorf("HTTP %d", status))
	}
}

// FromTransport classifies a transport-level failure (connection refused,
// DNS, timeout, cancelled context) as transient.
func FromTransport(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(op, fmt.Errorf("timeout: %w", err))
	case errors.As(err, &netErr) && netErr.Timeout():
		return Transient(op, fmt.Errorf("timeout: %w", err))
	default:
		return Transient(op, err)
	}
}
