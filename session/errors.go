package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/iothub-harness/connection-tests/transport"
)

// ErrSessionClosed is returned for any operation on a session after Close.
var ErrSessionClosed = errors.New("session is closed")

// ErrNotOpen is returned when a message is sent before Open succeeded.
var ErrNotOpen = errors.New("session is not open")

// ConnectionRejectedError means a proxy or the service refused the client.
type ConnectionRejectedError struct {
	Stage string
	Err   error
}

func (e *ConnectionRejectedError) Error() string {
	return fmt.Sprintf("connection rejected (%s): %s", e.Stage, e.Err)
}

func (e *ConnectionRejectedError) Unwrap() error { return e.Err }

// ConnectionTimeoutError means an operation did not finish within its time limit.
type ConnectionTimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s: %s", e.Op, e.Timeout, e.Err)
}

func (e *ConnectionTimeoutError) Unwrap() error { return e.Err }

// Classify maps a transport error to ConnectionRejectedError, ConnectionTimeoutError or a
// wrapped error naming op.
func Classify(op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var rejection *transport.RejectionError
	if errors.As(err, &rejection) {
		return &ConnectionRejectedError{Stage: rejection.Stage, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionTimeoutError{Op: op, Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectionTimeoutError{Op: op, Timeout: timeout, Err: err}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
