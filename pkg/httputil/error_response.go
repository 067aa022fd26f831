// Package httputil writes JSON responses in the service's wire format.
package httputil

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
)

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response body", logger.Err(err))
	}
}

// WriteError writes an ErrorBody.
func WriteError(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteErrorCode(w, r, status, "", message)
}

// WriteErrorCode writes an ErrorBody carrying a machine-readable code.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := ErrorBody{
		Error:   toSnakeCase(http.StatusText(status)),
		Status:  status,
		Message: message,
		Code:    code,
	}
	if r != nil {
		body.RequestID = requestID(r)
	}
	WriteJSON(w, status, body)
}

// WriteServiceError maps err onto a status code via its error code.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeFor(err)
	WriteErrorCode(w, r, StatusFor(code), code, err.Error())
}

// StatusFor maps an error code onto an HTTP status.
func StatusFor(code string) int {
	switch code {
	case errors.CodePolicyNotFound:
		return http.StatusNotFound
	case errors.CodePolicyError, errors.CodeBadRequest:
		return http.StatusBadRequest
	case errors.CodeReadOnlyStore:
		return http.StatusConflict
	case errors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errors.CodeAccessDenied, errors.CodeForbiddenAdminOp:
		return http.StatusForbidden
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Correlation-ID")
}

// toSnakeCase converts "Bad Request" to "bad_request".
func toSnakeCase(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "_")
}
