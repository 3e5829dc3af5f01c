package sensorhub

import (
	stderrors "errors"

	"github.com/sagernet/sing/common/exceptions"
)

// Status is a client-facing result code. Errors never cross the client
// API as Go errors; every operation that can fail returns a Status.
// Inside the package, a statusError keeps the underlying cause (reachable
// through Unwrap) for logging.
type Status int

const (
	StatusSuccess Status = iota
	StatusUninitialized
	StatusInvalidParameter
	StatusInvalidOperation
	StatusTimeout
	StatusInternalError
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUninitialized:
		return "uninitialized"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusInvalidOperation:
		return "invalid_operation"
	case StatusTimeout:
		return "timeout"
	case StatusInternalError:
		return "internal_error"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unknown_status"
	}
}

// statusError pairs a Status with the underlying cause, so the cause can
// be logged without ever being handed to a client.
type statusError struct {
	status Status
	cause  error
}

func (e *statusError) Error() string {
	if e.cause == nil {
		return e.status.String()
	}
	return e.status.String() + ": " + e.cause.Error()
}

func (e *statusError) Unwrap() error { return e.cause }

// newStatus builds a statusError, chaining cause through E so diagnostics
// retain a causal trail the way the rest of the sing ecosystem does.
func newStatus(status Status, message string) error {
	return &statusError{status: status, cause: exceptions.New(message)}
}

func wrapStatus(status Status, cause error, message string) error {
	if cause == nil {
		return newStatus(status, message)
	}
	return &statusError{status: status, cause: exceptions.Cause(cause, message)}
}

// statusOf recovers the Status carried by an error produced in this
// package. Errors from outside (e.g. a misbehaving plugin) collapse to
// StatusInternalError.
func statusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *statusError
	if stderrors.As(err, &se) {
		return se.status
	}
	return StatusInternalError
}
