package domain

import "fmt"

// Decision is the binary authorization outcome.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Allowed reports whether the decision permits the request.
func (d Decision) Allowed() bool {
	return d == DecisionAllow
}

// PolicyEvaluationResult is what the engine returns for every evaluation.
type PolicyEvaluationResult struct {
	// Decision is ALLOW or DENY
	Decision Decision `json:"decision"`

	// Reason explains the decision in plain text
	Reason string `json:"reason"`

	// MatchedPolicyID is set when a policy decided the outcome
	MatchedPolicyID string `json:"matched_policy_id,omitempty"`

	// EvaluationTimeMs is the wall time spent evaluating, never negative
	EvaluationTimeMs int64 `json:"evaluation_time_ms"`
}

// Allowed reports whether the result permits the request.
func (r *PolicyEvaluationResult) Allowed() bool {
	return r != nil && r.Decision.Allowed()
}

// Matched builds the result for a policy match.
func Matched(p *Policy) *PolicyEvaluationResult {
	d := DecisionDeny
	if p.Effect == EffectAllow {
		d = DecisionAllow
	}
	return &PolicyEvaluationResult{
		Decision:        d,
		Reason:          "Matched policy: " + p.Name,
		MatchedPolicyID: p.ID,
	}
}

// NoApplicablePolicy builds the default-deny result.
func NoApplicablePolicy(resource, action string) *PolicyEvaluationResult {
	return &PolicyEvaluationResult{
		Decision: DecisionDeny,
		Reason:   fmt.Sprintf("No applicable policies found for resource: %s, action: %s", resource, action),
	}
}

// EvaluationFailed builds the fail-closed result for an evaluation error.
func EvaluationFailed(err error) *PolicyEvaluationResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &PolicyEvaluationResult{
		Decision: DecisionDeny,
		Reason:   "Policy evaluation error: " + msg,
	}
}
