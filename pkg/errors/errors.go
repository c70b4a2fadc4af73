// Package errors defines the error taxonomy shared across mcpbox components
// and its mapping to HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrValidation is returned when submitted code or input fails validation
	ErrValidation = "validation"

	// ErrAuthz is returned when authentication or authorization fails
	ErrAuthz = "authz"

	// ErrNotFound is returned when a server, tool, version, secret or source is absent
	ErrNotFound = "not_found"

	// ErrConflict is returned on duplicate names or concurrent state changes
	ErrConflict = "conflict"

	// ErrPrecondition is returned when an operation's state precondition does not hold
	ErrPrecondition = "precondition_failed"

	// ErrRateLimited is returned when a per-IP or per-principal limit is exceeded
	ErrRateLimited = "rate_limited"

	// ErrUpstream is returned when the sandbox or an external source is unreachable
	ErrUpstream = "upstream_unavailable"

	// ErrTimeout is returned when an invocation exceeds its wall-clock deadline
	ErrTimeout = "timeout"

	// ErrSecurity is returned on forbidden imports, egress denials and
	// secret integrity failures
	ErrSecurity = "security_violation"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewAuthzError creates a new authorization error
func NewAuthzError(message string, cause error) *Error {
	return NewError(ErrAuthz, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewPreconditionError creates a new precondition failed error
func NewPreconditionError(message string, cause error) *Error {
	return NewError(ErrPrecondition, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewUpstreamError creates a new upstream unavailable error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewSecurityError creates a new security violation error
func NewSecurityError(message string, cause error) *Error {
	return NewError(ErrSecurity, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the taxonomy type of err, or ErrInternal when err carries
// no type anywhere in its chain.
func TypeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsType checks whether err or any error in its chain has the given type.
func IsType(err error, errorType string) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == errorType
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return IsType(err, ErrValidation) }

// IsAuthz checks if the error is an authorization error
func IsAuthz(err error) bool { return IsType(err, ErrAuthz) }

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return IsType(err, ErrNotFound) }

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool { return IsType(err, ErrConflict) }

// IsPrecondition checks if the error is a precondition failed error
func IsPrecondition(err error) bool { return IsType(err, ErrPrecondition) }

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool { return IsType(err, ErrRateLimited) }

// IsUpstream checks if the error is an upstream unavailable error
func IsUpstream(err error) bool { return IsType(err, ErrUpstream) }

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool { return IsType(err, ErrTimeout) }

// IsSecurity checks if the error is a security violation error
func IsSecurity(err error) bool { return IsType(err, ErrSecurity) }

// Code maps an error to the HTTP status code the admin API returns for it.
// Security violations map to 400: the caller learns the call failed, not why.
func Code(err error) int {
	switch TypeOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrAuthz:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrPrecondition:
		return http.StatusPreconditionFailed
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrUpstream:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrSecurity:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
