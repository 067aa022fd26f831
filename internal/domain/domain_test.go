package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	pkgerrors "github.com/your-org/pbac-service/pkg/errors"
)

// =============================================================================
// Effect Tests
// =============================================================================

func TestParseEffect(t *testing.T) {
	tests := []struct {
		in      string
		want    Effect
		wantErr bool
	}{
		{"ALLOW", EffectAllow, false},
		{"deny", EffectDeny, false},
		{" Allow ", EffectAllow, false},
		{"PERMIT", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEffect(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, pkgerrors.ErrPolicyInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Subject Tests
// =============================================================================

func TestSubject_JSON(t *testing.T) {
	var wildcard Subject
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &wildcard))
	assert.True(t, wildcard.Any)

	var attrs Subject
	require.NoError(t, json.Unmarshal([]byte(`{"role":"admin","level":3}`), &attrs))
	assert.False(t, attrs.Any)
	assert.Equal(t, map[string]string{"role": "admin", "level": "3"}, attrs.Attributes)

	var bad Subject
	assert.Error(t, json.Unmarshal([]byte(`"admin"`), &bad))
	assert.ErrorIs(t, json.Unmarshal([]byte(`null`), &bad), pkgerrors.ErrPolicyInvalid)
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &bad))

	out, err := json.Marshal(AnySubject())
	require.NoError(t, err)
	assert.JSONEq(t, `"*"`, string(out))

	out, err = json.Marshal(SubjectWith(map[string]string{"department": "*"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"department":"*"}`, string(out))
}

func TestSubject_YAML(t *testing.T) {
	doc := `
- subject: "*"
- subject:
    role: manager
    department: "*"
`
	var items []struct {
		Subject Subject `yaml:"subject"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(doc), &items))
	require.Len(t, items, 2)
	assert.True(t, items[0].Subject.Any)
	assert.Equal(t, map[string]string{"role": "manager", "department": "*"}, items[1].Subject.Attributes)
}

// =============================================================================
// Policy Tests
// =============================================================================

func TestPolicy_Validate(t *testing.T) {
	valid := Policy{Name: "p", Effect: EffectAllow, Subject: AnySubject(), Resource: "r", Action: "a"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"missing name", func(p *Policy) { p.Name = " " }},
		{"missing resource", func(p *Policy) { p.Resource = "" }},
		{"missing action", func(p *Policy) { p.Action = "" }},
		{"bad effect", func(p *Policy) { p.Effect = "MAYBE" }},
		{"untyped condition", func(p *Policy) { p.Conditions = []ConditionSpec{{}} }},
		{"missing subject", func(p *Policy) { p.Subject = Subject{} }},
		{"empty subject map", func(p *Policy) { p.Subject = SubjectWith(map[string]string{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, pkgerrors.ErrPolicyInvalid))
		})
	}
}

func TestPolicy_Clone(t *testing.T) {
	p := Policy{
		Name:       "p",
		Subject:    SubjectWith(map[string]string{"role": "admin"}),
		Conditions: []ConditionSpec{{Type: "ip_range", Params: map[string]any{"cidr": "10.0.0.0/8"}}},
	}

	c := p.Clone()
	c.Subject.Attributes["role"] = "user"
	c.Conditions[0].Params["cidr"] = "0.0.0.0/0"

	assert.Equal(t, "admin", p.Subject.Attributes["role"])
	assert.Equal(t, "10.0.0.0/8", p.Conditions[0].Params["cidr"])
}

func TestPolicy_MissingSubjectIsInvalid(t *testing.T) {
	docs := map[string]string{
		"omitted": `{"name":"x","effect":"ALLOW","resource":"r","action":"a"}`,
		"empty":   `{"name":"x","effect":"ALLOW","subject":{},"resource":"r","action":"a"}`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			var p Policy
			require.NoError(t, json.Unmarshal([]byte(doc), &p))
			assert.True(t, p.Subject.Empty())
			assert.ErrorIs(t, p.Validate(), pkgerrors.ErrPolicyInvalid)
		})
	}

	var p Policy
	err := json.Unmarshal([]byte(`{"name":"x","effect":"ALLOW","subject":null,"resource":"r","action":"a"}`), &p)
	assert.ErrorIs(t, err, pkgerrors.ErrPolicyInvalid)
}

func TestPolicy_UnmarshalJSON_LowercaseEffect(t *testing.T) {
	var p Policy
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","effect":"deny","subject":"*","resource":"r","action":"a"}`), &p))
	assert.Equal(t, EffectDeny, p.Effect)
	assert.True(t, p.Subject.Any)
}

// =============================================================================
// Result Tests
// =============================================================================

func TestMatched(t *testing.T) {
	r := Matched(&Policy{ID: "id-1", Name: "Admins", Effect: EffectAllow})
	assert.Equal(t, DecisionAllow, r.Decision)
	assert.Equal(t, "Matched policy: Admins", r.Reason)
	assert.Equal(t, "id-1", r.MatchedPolicyID)
	assert.True(t, r.Allowed())

	r = Matched(&Policy{Name: "Block", Effect: EffectDeny})
	assert.Equal(t, DecisionDeny, r.Decision)
	assert.False(t, r.Allowed())
}

func TestNoApplicablePolicy(t *testing.T) {
	r := NoApplicablePolicy("documents", "read")
	assert.Equal(t, DecisionDeny, r.Decision)
	assert.Equal(t, "No applicable policies found for resource: documents, action: read", r.Reason)
	assert.Empty(t, r.MatchedPolicyID)
}

func TestEvaluationFailed(t *testing.T) {
	r := EvaluationFailed(errors.New("db down"))
	assert.Equal(t, DecisionDeny, r.Decision)
	assert.Equal(t, "Policy evaluation error: db down", r.Reason)
}

// =============================================================================
// AuthorizationContext / AuditRecord Tests
// =============================================================================

func TestAuthorizationContext_Accessors(t *testing.T) {
	var nilCtx *AuthorizationContext
	_, ok := nilCtx.Attribute("role")
	assert.False(t, ok)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &AuthorizationContext{Attributes: map[string]string{"role": "admin"}, Additional: map[string]any{"mfa": true}}
	v, ok := c.Attribute("role")
	assert.True(t, ok)
	assert.Equal(t, "admin", v)
	f, ok := c.Fact("mfa")
	assert.True(t, ok)
	assert.Equal(t, true, f)
	assert.Equal(t, now, c.TimeOr(now))
}

func TestNewAuditRecord(t *testing.T) {
	actx := &AuthorizationContext{
		PrincipalID: "u1",
		Attributes:  map[string]string{"role": "admin"},
		Resource:    "documents",
		Action:      "read",
		IPAddress:   "10.0.0.1",
	}
	res := &PolicyEvaluationResult{Decision: DecisionAllow, Reason: "Matched policy: x", MatchedPolicyID: "p1", EvaluationTimeMs: 2}

	rec := NewAuditRecord(actx, res)

	assert.Equal(t, "u1", rec.PrincipalID)
	assert.Equal(t, "documents", rec.Resource)
	assert.Equal(t, DecisionAllow, rec.Decision)
	assert.Equal(t, "p1", rec.MatchedPolicyID)
	assert.Equal(t, "10.0.0.1", rec.Context["ip_address"])
	assert.False(t, rec.Timestamp.IsZero())

	actx.Attributes["role"] = "changed"
	assert.Equal(t, "admin", rec.Context["attributes"].(map[string]string)["role"])
}

func TestNewAuditRecord_NilResultIsDeny(t *testing.T) {
	rec := NewAuditRecord(nil, nil)
	assert.Equal(t, DecisionDeny, rec.Decision)
}
