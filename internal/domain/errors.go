// Package domain defines core types, interfaces, and errors for the
// carbontrace backend.
package domain

import "fmt"

// UnauthenticatedError indicates a missing, malformed, or expired credential.
type UnauthenticatedError struct {
	Message string
}

func (e *UnauthenticatedError) Error() string { return e.Message }

// InvalidRequestError indicates malformed or disallowed request data:
// forbidden update fields, an unknown query type, a bad date string, or a
// rejected pipeline stage.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// MissingDataError indicates required request fields are absent.
type MissingDataError struct {
	Message string
}

func (e *MissingDataError) Error() string { return e.Message }

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ConflictError indicates a uniqueness violation (e.g. duplicate name or email).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// MediaTypeError indicates an unsupported upload format.
type MediaTypeError struct {
	Message string
}

func (e *MediaTypeError) Error() string { return e.Message }

// TimeoutError indicates the request deadline elapsed inside a store call.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// StateError indicates a programmer error, such as the resolver receiving an
// unknown principal kind from a verified credential.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return e.Message }

// InternalError wraps an unrecognized store or adapter failure.
type InternalError struct {
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error { return e.Err }

// ErrUnauthenticated creates an UnauthenticatedError with a formatted message.
func ErrUnauthenticated(format string, args ...interface{}) *UnauthenticatedError {
	return &UnauthenticatedError{Message: fmt.Sprintf(format, args...)}
}

// ErrInvalidRequest creates an InvalidRequestError with a formatted message.
func ErrInvalidRequest(format string, args ...interface{}) *InvalidRequestError {
	return &InvalidRequestError{Message: fmt.Sprintf(format, args...)}
}

// ErrMissingData creates a MissingDataError with a formatted message.
func ErrMissingData(format string, args ...interface{}) *MissingDataError {
	return &MissingDataError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrMediaType creates a MediaTypeError with a formatted message.
func ErrMediaType(format string, args ...interface{}) *MediaTypeError {
	return &MediaTypeError{Message: fmt.Sprintf(format, args...)}
}

// ErrTimeout creates a TimeoutError with a formatted message.
func ErrTimeout(format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

// ErrState creates a StateError with a formatted message.
func ErrState(format string, args ...interface{}) *StateError {
	return &StateError{Message: fmt.Sprintf(format, args...)}
}

// ErrInternal wraps err with a message. The wrapped error stays reachable
// through errors.Unwrap so nothing is silently swallowed.
func ErrInternal(err error, format string, args ...interface{}) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...), Err: err}
}
