package host

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrHostDisconnected is returned when the channel to the host is broken.
	// It is broadcast to every pending request and never retried.
	ErrHostDisconnected = errors.New("host disconnected")

	// ErrCancelled is returned for requests discarded by a cancellation.
	// It wraps context.Canceled so errors.Is(err, context.Canceled) holds.
	ErrCancelled = fmt.Errorf("request cancelled: %w", context.Canceled)

	// ErrOperationConflict is the parent of errors raised synchronously when an
	// operation is not valid in the current state.
	ErrOperationConflict = errors.New("operation conflict")

	// ErrAlreadyRunning is returned when starting a host that is already running
	ErrAlreadyRunning = fmt.Errorf("%w: host is already running", ErrOperationConflict)

	// ErrNotRunning is returned when an operation needs a running host
	ErrNotRunning = fmt.Errorf("%w: host is not running", ErrOperationConflict)

	// ErrClosed is returned after the owner has been disposed
	ErrClosed = fmt.Errorf("%w: session is closed", ErrOperationConflict)

	// ErrDetached is returned when a value is not bound to a live frame
	ErrDetached = fmt.Errorf("%w: value is not bound to a live frame", ErrOperationConflict)

	// ErrIncompatibleHost is returned when the host version fails the configured constraint
	ErrIncompatibleHost = errors.New("incompatible host version")
)

// EvaluationError is reported when the host could not evaluate an expression,
// either because it failed to parse or because evaluation raised an error.
// It is local to the caller; the session survives.
type EvaluationError struct {
	Expression  string
	ParseStatus ParseStatus
	Message     string
}

func (e *EvaluationError) Error() string {
	if e.ParseStatus != ParseOK {
		return fmt.Sprintf("host could not parse %q: %s", e.Expression, e.ParseStatus)
	}
	return fmt.Sprintf("host evaluation of %q failed: %s", e.Expression, e.Message)
}

// ProtocolError reports a structured result whose shape does not match the
// contract. It is never retried.
type ProtocolError struct {
	Field   string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Field == "" {
		return "protocol violation: " + e.Message
	}
	return fmt.Sprintf("protocol violation at %s: %s", e.Field, e.Message)
}

// NewProtocolError creates a ProtocolError for the given field
func NewProtocolError(field, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsCancellation reports whether err is an expected, cooperative cancellation.
// Such errors should not be logged as failures.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
