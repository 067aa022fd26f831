package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/audit"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/httputil"
)

// AuditReader answers queries over the audit trail.
type AuditReader interface {
	Query(ctx context.Context, q audit.Query) (*audit.Page, error)
}

// WithAuditReader enables the audit API.
func WithAuditReader(r AuditReader) HandlerOption {
	return func(h *Handler) {
		h.audit = r
	}
}

// ListAudit handles GET /api/audit. Optional from and to (RFC 3339) bound
// the timestamp; principal, resource, action and decision filter further.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	h.queryAudit(w, r, func(q *audit.Query) error {
		v := r.URL.Query()
		q.PrincipalID = v.Get("principal")
		q.Resource = v.Get("resource")
		q.Action = v.Get("action")
		if d := v.Get("decision"); d != "" {
			dec := domain.Decision(d)
			if dec != domain.DecisionAllow && dec != domain.DecisionDeny {
				return errors.Wrap(errors.ErrInvalidQuery, "decision must be ALLOW or DENY")
			}
			q.Decision = dec
		}
		return nil
	})
}

// UserAudit handles GET /api/audit/user/{userId}.
func (h *Handler) UserAudit(w http.ResponseWriter, r *http.Request) {
	h.queryAudit(w, r, func(q *audit.Query) error {
		q.PrincipalID = chi.URLParam(r, "userId")
		return nil
	})
}

// ResourceActionAudit handles GET /api/audit/resource/{resource}/action/{action}.
func (h *Handler) ResourceActionAudit(w http.ResponseWriter, r *http.Request) {
	h.queryAudit(w, r, func(q *audit.Query) error {
		q.Resource = chi.URLParam(r, "resource")
		q.Action = chi.URLParam(r, "action")
		return nil
	})
}

// DeniedAudit handles GET /api/audit/denied.
func (h *Handler) DeniedAudit(w http.ResponseWriter, r *http.Request) {
	h.queryAudit(w, r, func(q *audit.Query) error {
		q.Decision = domain.DecisionDeny
		return nil
	})
}

func (h *Handler) queryAudit(w http.ResponseWriter, r *http.Request, scope func(*audit.Query) error) {
	if h.audit == nil {
		httputil.WriteErrorCode(w, r, http.StatusServiceUnavailable, errors.CodeUnavailable, "no queryable audit exporter is configured")
		return
	}

	q, err := auditQuery(r)
	if err == nil {
		err = scope(&q)
	}
	if err != nil {
		httputil.WriteErrorCode(w, r, http.StatusBadRequest, errors.CodeBadRequest, err.Error())
		return
	}

	page, err := h.audit.Query(r.Context(), q)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAuditPage(page))
}

// auditQuery reads the paging and time range parameters shared by every
// audit endpoint.
func auditQuery(r *http.Request) (audit.Query, error) {
	var q audit.Query
	v := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"page", &q.Page},
		{"size", &q.Size},
	} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.Wrap(errors.ErrInvalidQuery, p.name+" must be a non-negative integer")
		}
		*p.dst = n
	}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{
		{"from", &q.From},
		{"to", &q.To},
	} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.Wrap(errors.ErrInvalidQuery, p.name+" must be an RFC 3339 timestamp")
		}
		*p.dst = t
	}
	return q.Normalize()
}
