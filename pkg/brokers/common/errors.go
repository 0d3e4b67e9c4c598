package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNotConnected   = errors.New("broker not connected")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNoPosition     = errors.New("no open position")
	ErrMissingSecrets = errors.New("credentials incomplete")
)

// ConnectionError is raised when a session cannot be established: bad
// credentials, refused auth, or a network failure during login.
type ConnectionError struct {
	Broker string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: connection error: %v", e.Broker, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OrderError is raised when a venue rejects or fails to process a request.
// Raw keeps the venue's message verbatim for the audit log.
type OrderError struct {
	Broker     string
	Op         string
	StatusCode int
	Message    string
	Raw        string
	// Partial is set when the order itself succeeded but a follow-up call
	// (e.g. attaching protection) failed.
	Partial bool
	Err     error
}

func (e *OrderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Broker, e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Broker, e.Op, e.Message)
}

func (e *OrderError) Unwrap() error { return e.Err }

// TimeoutError is raised when a call exceeds its bound.
type TimeoutError struct {
	Broker string
	Op     string
	After  time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s %s: timed out after %s", e.Broker, e.Op, e.After)
	}
	return fmt.Sprintf("%s %s: timed out", e.Broker, e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a TimeoutError or a context deadline.
func IsTimeout(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ErrorKind names the taxonomy bucket of err for logs and metrics.
func ErrorKind(err error) string {
	var (
		ce *ConnectionError
		oe *OrderError
	)
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return "timeout"
	case errors.As(err, &ce):
		return "connection"
	case errors.As(err, &oe):
		return "order"
	default:
		return "internal"
	}
}

// RawMessage returns the venue body carried by an OrderError, or err.Error().
func RawMessage(err error) string {
	var oe *OrderError
	if errors.As(err, &oe) && oe.Raw != "" {
		return oe.Raw
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
