package domain

import (
	"maps"
	"time"
)

// AuditRecord is a persisted trace of one decision.
type AuditRecord struct {
	// ID is assigned by the audit service when empty
	ID string `json:"id"`

	PrincipalID string `json:"principal_id"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`

	// Decision and Reason are copied from the evaluation result
	Decision         Decision `json:"decision"`
	Reason           string   `json:"reason"`
	MatchedPolicyID  string   `json:"matched_policy_id,omitempty"`
	EvaluationTimeMs int64    `json:"evaluation_time_ms"`

	// Context is a snapshot of the request context (attributes, ip, facts)
	Context map[string]any `json:"context,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewAuditRecord snapshots a context and its result.
func NewAuditRecord(actx *AuthorizationContext, result *PolicyEvaluationResult) *AuditRecord {
	rec := &AuditRecord{Timestamp: time.Now().UTC()}
	if result != nil {
		rec.Decision = result.Decision
		rec.Reason = result.Reason
		rec.MatchedPolicyID = result.MatchedPolicyID
		rec.EvaluationTimeMs = result.EvaluationTimeMs
	} else {
		rec.Decision = DecisionDeny
	}
	if actx == nil {
		return rec
	}

	rec.PrincipalID = actx.PrincipalID
	rec.Resource = actx.Resource
	rec.Action = actx.Action

	snap := make(map[string]any, 3)
	if len(actx.Attributes) > 0 {
		snap["attributes"] = maps.Clone(actx.Attributes)
	}
	if actx.IPAddress != "" {
		snap["ip_address"] = actx.IPAddress
	}
	if len(actx.Additional) > 0 {
		snap["additional"] = maps.Clone(actx.Additional)
	}
	if len(snap) > 0 {
		rec.Context = snap
	}
	return rec
}
