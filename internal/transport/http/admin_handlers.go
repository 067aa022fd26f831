package http

import (
	"net/http"
	"strings"

	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/httputil"
	"github.com/your-org/pbac-service/pkg/logger"
	"github.com/your-org/pbac-service/pkg/security"
)

// AdminTokenHeader carries the admin token. "Authorization: Bearer" works too.
const AdminTokenHeader = "X-Admin-Token"

// CacheInvalidate handles POST /admin/cache/invalidate. With both resource
// and action it drops one entry; with an empty body it clears everything.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !h.adminAuthorized(r) {
		httputil.WriteErrorCode(w, r, http.StatusForbidden, errors.CodeForbiddenAdminOp, "admin token required")
		return
	}
	if h.cache == nil {
		httputil.WriteErrorCode(w, r, http.StatusServiceUnavailable, errors.CodeUnavailable, "cache is not configured")
		return
	}

	var req CacheInvalidateRequest
	if err := h.decode(w, r, &req); err != nil {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch {
	case req.Resource == "" && req.Action == "":
		h.cache.InvalidateAll(r.Context())
		logger.Info("policy cache cleared by admin")
		httputil.WriteJSON(w, http.StatusOK, &CacheInvalidateResponse{Status: "ok", Scope: "all"})
	case req.Resource == "" || req.Action == "":
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "resource and action must be given together")
	default:
		h.cache.Invalidate(r.Context(), req.Resource, req.Action)
		logger.Info("policy cache entry invalidated by admin",
			logger.String("resource", req.Resource),
			logger.String("action", req.Action),
		)
		httputil.WriteJSON(w, http.StatusOK, &CacheInvalidateResponse{
			Status:   "ok",
			Scope:    "entry",
			Resource: req.Resource,
			Action:   req.Action,
		})
	}
}

func (h *Handler) adminAuthorized(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	token := r.Header.Get(AdminTokenHeader)
	if token == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = strings.TrimSpace(bearer)
		}
	}
	return security.SecureCompare(token, h.adminToken)
}
