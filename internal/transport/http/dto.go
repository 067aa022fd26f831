package http

import (
	"time"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/audit"
)

// AuthorizeRequest asks for a decision. The principal is taken from trusted
// headers, never from the body.
type AuthorizeRequest struct {
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

// AuthorizeResponse carries the engine result.
type AuthorizeResponse struct {
	Decision         domain.Decision `json:"decision"`
	Reason           string          `json:"reason"`
	MatchedPolicyID  string          `json:"matched_policy_id,omitempty"`
	EvaluationTimeMs int64           `json:"evaluation_time_ms"`
}

// FromResult converts an evaluation result.
func FromResult(r *domain.PolicyEvaluationResult) *AuthorizeResponse {
	return &AuthorizeResponse{
		Decision:         r.Decision,
		Reason:           r.Reason,
		MatchedPolicyID:  r.MatchedPolicyID,
		EvaluationTimeMs: r.EvaluationTimeMs,
	}
}

// PolicyRequest is the body of policy create and update calls.
type PolicyRequest struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Effect      domain.Effect          `json:"effect"`
	Priority    int                    `json:"priority"`
	Subject     domain.Subject         `json:"subject"`
	Resource    string                 `json:"resource"`
	Action      string                 `json:"action"`
	Conditions  []domain.ConditionSpec `json:"conditions,omitempty"`
	// Active defaults to true when omitted
	Active *bool `json:"active,omitempty"`
}

// ToPolicy converts the request into a domain policy.
func (r *PolicyRequest) ToPolicy() *domain.Policy {
	return &domain.Policy{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Effect:      r.Effect,
		Priority:    r.Priority,
		Subject:     r.Subject,
		Resource:    r.Resource,
		Action:      r.Action,
		Conditions:  r.Conditions,
		Active:      r.Active == nil || *r.Active,
	}
}

// PolicyResponse is a policy as returned by the API.
type PolicyResponse struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Effect      domain.Effect          `json:"effect"`
	Priority    int                    `json:"priority"`
	Subject     domain.Subject         `json:"subject"`
	Resource    string                 `json:"resource"`
	Action      string                 `json:"action"`
	Conditions  []domain.ConditionSpec `json:"conditions,omitempty"`
	Active      bool                   `json:"active"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// FromPolicy converts a domain policy.
func FromPolicy(p *domain.Policy) *PolicyResponse {
	return &PolicyResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Effect:      p.Effect,
		Priority:    p.Priority,
		Subject:     p.Subject,
		Resource:    p.Resource,
		Action:      p.Action,
		Conditions:  p.Conditions,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// PolicyListResponse wraps a list of policies.
type PolicyListResponse struct {
	Policies []*PolicyResponse `json:"policies"`
	Total    int               `json:"total"`
}

// FromPolicies converts a list of domain policies.
func FromPolicies(ps []domain.Policy) *PolicyListResponse {
	out := make([]*PolicyResponse, len(ps))
	for i := range ps {
		out[i] = FromPolicy(&ps[i])
	}
	return &PolicyListResponse{Policies: out, Total: len(out)}
}

// CacheInvalidateRequest selects one cache entry. An empty request clears
// the whole cache.
type CacheInvalidateRequest struct {
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
}

// CacheInvalidateResponse reports what was invalidated.
type CacheInvalidateResponse struct {
	Status   string `json:"status"`
	Scope    string `json:"scope"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult represents an individual health check result.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AuditLogResponse is one audit record.
type AuditLogResponse struct {
	ID              string          `json:"id"`
	PrincipalID     string          `json:"principal_id"`
	Resource        string          `json:"resource"`
	Action          string          `json:"action"`
	Decision        domain.Decision `json:"decision"`
	Reason          string          `json:"reason"`
	MatchedPolicyID string          `json:"matched_policy_id,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// AuditPageResponse is one page of audit records, newest first.
type AuditPageResponse struct {
	Content       []*AuditLogResponse `json:"content"`
	Page          int                 `json:"page"`
	Size          int                 `json:"size"`
	TotalElements int                 `json:"total_elements"`
	TotalPages    int                 `json:"total_pages"`
}

// FromAuditPage converts a reader page.
func FromAuditPage(p *audit.Page) *AuditPageResponse {
	resp := &AuditPageResponse{
		Content:       make([]*AuditLogResponse, 0, len(p.Records)),
		Page:          p.Page,
		Size:          p.Size,
		TotalElements: p.Total,
	}
	if p.Size > 0 {
		resp.TotalPages = (p.Total + p.Size - 1) / p.Size
	}
	for _, rec := range p.Records {
		resp.Content = append(resp.Content, &AuditLogResponse{
			ID:              rec.ID,
			PrincipalID:     rec.PrincipalID,
			Resource:        rec.Resource,
			Action:          rec.Action,
			Decision:        rec.Decision,
			Reason:          rec.Reason,
			MatchedPolicyID: rec.MatchedPolicyID,
			Context:         rec.Context,
			Timestamp:       rec.Timestamp,
		})
	}
	return resp
}
