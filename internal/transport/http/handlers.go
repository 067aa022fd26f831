package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/store"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/httputil"
	"github.com/your-org/pbac-service/pkg/logger"
)

// Authorizer evaluates a context and records the audit trail.
type Authorizer interface {
	Authorize(ctx context.Context, actx *domain.AuthorizationContext) *domain.PolicyEvaluationResult
}

// PolicyManager is the policy lifecycle surface behind /api/policies.
type PolicyManager interface {
	Get(ctx context.Context, id string) (*domain.Policy, error)
	List(ctx context.Context, filter store.ListFilter) ([]domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) (*domain.Policy, error)
	Update(ctx context.Context, p *domain.Policy) (*domain.Policy, error)
	Delete(ctx context.Context, id string) error
}

// CacheInvalidator drops cached policy lists.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, resource, action string)
	InvalidateAll(ctx context.Context)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Handler contains the HTTP handlers of the decision service.
type Handler struct {
	authorizer   Authorizer
	policies     PolicyManager
	cache        CacheInvalidator
	audit        AuditReader
	principals   *PrincipalExtractor
	checks       map[string]ReadinessCheck
	adminToken   string
	maxBodyBytes int64
	version      string
}

// HandlerOption is a functional option for configuring the Handler.
type HandlerOption func(*Handler)

// WithPolicyManager enables the policy API.
func WithPolicyManager(pm PolicyManager) HandlerOption {
	return func(h *Handler) {
		h.policies = pm
	}
}

// WithCacheInvalidator enables the admin cache endpoint.
func WithCacheInvalidator(c CacheInvalidator) HandlerOption {
	return func(h *Handler) {
		h.cache = c
	}
}

// WithReadinessCheck adds a named check to /ready.
func WithReadinessCheck(name string, check ReadinessCheck) HandlerOption {
	return func(h *Handler) {
		h.checks[name] = check
	}
}

// WithAdminToken sets the token required by admin endpoints. Without one
// they always answer 403.
func WithAdminToken(token string) HandlerOption {
	return func(h *Handler) {
		h.adminToken = token
	}
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxBodyBytes = n
	}
}

// NewHandler creates a new HTTP handler.
func NewHandler(authorizer Authorizer, principals *PrincipalExtractor, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		authorizer:   authorizer,
		principals:   principals,
		checks:       make(map[string]ReadinessCheck),
		maxBodyBytes: 1 << 20,
		version:      version,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Authorize handles POST /v1/authorize. Any well-formed request from a
// known principal gets 200, whatever the decision.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := h.decode(w, r, &req); err != nil {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Resource == "" || req.Action == "" {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "resource and action are required")
		return
	}

	actx := h.principals.Context(r, req.Resource, req.Action, req.Context)
	if actx.PrincipalID == "" {
		httputil.WriteErrorCode(w, r, http.StatusUnauthorized, errors.CodeUnauthenticated, errors.ErrMissingPrincipal.Error())
		return
	}

	result := h.authorizer.Authorize(r.Context(), actx)

	logger.WithContext(r.Context()).Info("authorization decision",
		logger.String("request_id", middleware.GetReqID(r.Context())),
		logger.String("principal_id", actx.PrincipalID),
		logger.String("resource", actx.Resource),
		logger.String("action", actx.Action),
		logger.String("decision", string(result.Decision)),
		logger.Int64("evaluation_time_ms", result.EvaluationTimeMs),
	)

	httputil.WriteJSON(w, http.StatusOK, FromResult(result))
}

// ListPolicies handles GET /api/policies. Only active policies are listed
// unless ?all=true.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	filter := store.ListFilter{
		ActiveOnly:   !all,
		NameContains: r.URL.Query().Get("name"),
	}
	h.listPolicies(w, r, filter)
}

// SearchPolicies handles GET /api/policies/search?name=.
func (h *Handler) SearchPolicies(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "name query parameter is required")
		return
	}
	h.listPolicies(w, r, store.ListFilter{NameContains: name})
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request, filter store.ListFilter) {
	policies, err := h.policies.List(r.Context(), filter)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromPolicies(policies))
}

// GetPolicy handles GET /api/policies/{id}.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromPolicy(p))
}

// CreatePolicy handles POST /api/policies.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := h.decode(w, r, &req); err != nil {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "invalid policy: "+err.Error())
		return
	}
	created, err := h.policies.Create(r.Context(), req.ToPolicy())
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+created.ID)
	httputil.WriteJSON(w, http.StatusCreated, FromPolicy(created))
}

// UpdatePolicy handles PUT /api/policies/{id}. The path ID wins over any ID
// in the body.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := h.decode(w, r, &req); err != nil {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, "invalid policy: "+err.Error())
		return
	}
	p := req.ToPolicy()
	p.ID = chi.URLParam(r, "id")

	updated, err := h.policies.Update(r.Context(), p)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromPolicy(updated))
}

// DeletePolicy handles DELETE /api/policies/{id}.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := httputil.StatusFor(errors.CodeFor(err))
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
	}
	httputil.WriteServiceError(w, r, err)
}
