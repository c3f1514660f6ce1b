// Package errors provides the error taxonomy for endpoint resolution and spec reconciliation.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes errors for propagation decisions.
type ErrorType int

const (
	// Internal is an unexpected fault in the validator, persistence or parser.
	Internal ErrorType = iota
	// InvalidPath is a malformed path template or segment.
	InvalidPath
	// Conflict is an ownership clash between user-declared specs.
	Conflict
	// NotFound is a referenced endpoint or spec that does not exist.
	NotFound
	// UnprocessableContract is a spec that fails structural validation or lacks metadata.
	UnprocessableContract
	// Unavailable is a transient failure of an external collaborator (bus, network).
	Unavailable
	// Cancelled represents context cancellation.
	Cancelled
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case InvalidPath:
		return "invalid_path"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case UnprocessableContract:
		return "unprocessable_contract"
	case Unavailable:
		return "unavailable"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus returns the HTTP status class a caller should surface for this type.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case InvalidPath:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case UnprocessableContract:
		return http.StatusUnprocessableEntity
	case Unavailable:
		return http.StatusServiceUnavailable
	case Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable returns whether errors of this type should be retried.
func (t ErrorType) IsRetryable() bool {
	return t == Unavailable
}

// DriftError is a categorized error raised by the engine.
type DriftError struct {
	Type      ErrorType
	Operation string
	Subject   string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *DriftError) Error() string {
	msg := fmt.Sprintf("%s error during %s", e.Type.String(), e.Operation)
	if e.Subject != "" {
		msg += " on " + e.Subject
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DriftError) Unwrap() error {
	return e.Cause
}

// Is matches another DriftError of the same type.
func (e *DriftError) Is(target error) bool {
	t, ok := target.(*DriftError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatus returns the status code for the error's type.
func (e *DriftError) HTTPStatus() int {
	return e.Type.HTTPStatus()
}

// New creates a new DriftError.
func New(errType ErrorType, operation, subject, message string, cause error) *DriftError {
	return &DriftError{
		Type:      errType,
		Operation: operation,
		Subject:   subject,
		Message:   message,
		Cause:     cause,
	}
}

// NewInvalidPathError creates an InvalidPath error with a human-readable reason.
func NewInvalidPathError(path, reason string) *DriftError {
	return New(InvalidPath, "validate_path", path, reason, nil)
}

// NewConflictError creates a Conflict error.
func NewConflictError(operation, subject, message string) *DriftError {
	return New(Conflict, operation, subject, message, nil)
}

// NewNotFoundError creates a NotFound error.
func NewNotFoundError(operation, subject string) *DriftError {
	return New(NotFound, operation, subject, "not found", nil)
}

// NewUnprocessableError creates an UnprocessableContract error.
func NewUnprocessableError(subject, message string, cause error) *DriftError {
	return New(UnprocessableContract, "parse_spec", subject, message, cause)
}

// NewInternalError creates an Internal error.
func NewInternalError(operation, subject string, cause error) *DriftError {
	return New(Internal, operation, subject, "internal failure", cause)
}

// NewUnavailableError creates an Unavailable error.
func NewUnavailableError(operation, subject string, cause error) *DriftError {
	return New(Unavailable, operation, subject, "collaborator unavailable", cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(operation, subject string) *DriftError {
	return New(Cancelled, operation, subject, "operation cancelled", nil)
}

// Categorize wraps a generic error so callers always see a DriftError.
func Categorize(err error, operation string) *DriftError {
	if err == nil {
		return nil
	}

	var driftErr *DriftError
	if errors.As(err, &driftErr) {
		return driftErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(Cancelled, operation, "", "operation cancelled", err)
	}

	return NewInternalError(operation, "", err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var driftErr *DriftError
	if errors.As(err, &driftErr) {
		return driftErr.Type
	}
	return Internal
}

// HTTPStatus extracts the status code an error should map to.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return GetErrorType(err).HTTPStatus()
}

func isType(err error, t ErrorType) bool {
	var driftErr *DriftError
	if errors.As(err, &driftErr) {
		return driftErr.Type == t
	}
	return false
}

// IsInvalidPath checks if an error is an InvalidPath error.
func IsInvalidPath(err error) bool { return isType(err, InvalidPath) }

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool { return isType(err, Conflict) }

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool { return isType(err, NotFound) }

// IsUnprocessable checks if an error is an UnprocessableContract error.
func IsUnprocessable(err error) bool { return isType(err, UnprocessableContract) }

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var driftErr *DriftError
	if errors.As(err, &driftErr) {
		return driftErr.Type.IsRetryable()
	}
	return false
}
