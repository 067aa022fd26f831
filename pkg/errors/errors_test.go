package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthzError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AuthzError
		expected string
	}{
		{
			name: "without cause",
			err: &AuthzError{
				Code:    CodeAccessDenied,
				Message: "access is denied",
			},
			expected: "ACCESS_DENIED: access is denied",
		},
		{
			name: "with cause",
			err: &AuthzError{
				Code:    CodePolicyError,
				Message: "policy load failed",
				Cause:   errors.New("bad yaml"),
			},
			expected: "POLICY_ERROR: policy load failed: bad yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAuthzError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewAuthzError(CodeInternalError, "something went wrong", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, Is(err, cause))
}

func TestAuthzError_WithDetail(t *testing.T) {
	err := &AuthzError{Code: CodeAccessDenied, Message: "access denied"}

	result := err.WithDetail("resource", "documents").WithDetail("action", "DELETE")

	require.NotNil(t, result.Details)
	assert.Equal(t, "documents", result.Details["resource"])
	assert.Equal(t, "DELETE", result.Details["action"])
	assert.Same(t, err, result)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	wrapped := Wrap(ErrPolicyInvalid, "policy \"x\"")
	assert.EqualError(t, wrapped, "policy \"x\": policy is invalid")
	assert.True(t, Is(wrapped, ErrPolicyInvalid))
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"nil", nil, ""},
		{"not found", Wrap(ErrPolicyNotFound, "id 1"), CodePolicyNotFound},
		{"invalid condition", fmt.Errorf("x: %w", ErrInvalidCondition), CodePolicyError},
		{"provider", ErrProviderUnavailable, CodeUnavailable},
		{"read only", Wrap(ErrReadOnlyStore, "create"), CodeReadOnlyStore},
		{"missing principal", ErrMissingPrincipal, CodeUnauthenticated},
		{"config", ErrConfigInvalid, CodeConfigError},
		{"invalid query", Wrap(ErrInvalidQuery, "page must not be negative"), CodeBadRequest},
		{"structured", NewAuthzError(CodeRateLimited, "slow down", nil), CodeRateLimited},
		{"unknown", errors.New("boom"), CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeFor(tt.err))
		})
	}
}
