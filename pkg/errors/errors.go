package errors

import (
	"errors"
	"fmt"
)

// Standard error types for the decision service.
var (
	// Policy errors
	ErrPolicyEvaluation = errors.New("policy evaluation failed")
	ErrPolicyNotFound   = errors.New("policy not found")
	ErrPolicyInvalid    = errors.New("policy is invalid")
	ErrInvalidCondition = errors.New("invalid condition")

	// Provider and storage errors
	ErrProviderUnavailable = errors.New("policy provider unavailable")
	ErrStoreUnavailable    = errors.New("policy store unavailable")
	ErrReadOnlyStore       = errors.New("policy store is read-only")

	// Authorization errors
	ErrAccessDenied     = errors.New("access denied")
	ErrMissingPrincipal = errors.New("principal is missing")

	// Query errors
	ErrInvalidQuery = errors.New("invalid query")

	// Configuration errors
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigLoadFailed = errors.New("failed to load configuration")

	// Service errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInternal           = errors.New("internal error")
)

// AuthzError represents a structured error returned at the service boundary.
type AuthzError struct {
	// Code is the error code
	Code string `json:"code"`

	// Message is the error message
	Message string `json:"message"`

	// Details contains additional error details
	Details map[string]any `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *AuthzError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthzError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *AuthzError) WithDetail(key string, value any) *AuthzError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewAuthzError creates a new AuthzError.
func NewAuthzError(code, message string, cause error) *AuthzError {
	return &AuthzError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeBadRequest       = "BAD_REQUEST"
	CodePolicyError      = "POLICY_ERROR"
	CodePolicyNotFound   = "POLICY_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeConfigError      = "CONFIG_ERROR"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeForbiddenAdminOp = "ADMIN_FORBIDDEN"
	CodeReadOnlyStore    = "READ_ONLY_STORE"
)

// CodeFor maps an error chain to a boundary error code.
func CodeFor(err error) string {
	var ae *AuthzError
	switch {
	case err == nil:
		return ""
	case As(err, &ae):
		return ae.Code
	case Is(err, ErrPolicyNotFound):
		return CodePolicyNotFound
	case Is(err, ErrReadOnlyStore):
		return CodeReadOnlyStore
	case Is(err, ErrMissingPrincipal):
		return CodeUnauthenticated
	case Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case Is(err, ErrPolicyInvalid), Is(err, ErrInvalidCondition):
		return CodePolicyError
	case Is(err, ErrInvalidQuery):
		return CodeBadRequest
	case Is(err, ErrProviderUnavailable), Is(err, ErrStoreUnavailable), Is(err, ErrServiceUnavailable):
		return CodeUnavailable
	case Is(err, ErrConfigInvalid), Is(err, ErrConfigLoadFailed):
		return CodeConfigError
	default:
		return CodeInternalError
	}
}

// Is reports whether err matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join combines errors, dropping nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
