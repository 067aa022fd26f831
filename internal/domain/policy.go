package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/your-org/pbac-service/pkg/errors"
)

// Wildcard matches any value in subjects and subject attributes.
const Wildcard = "*"

// Effect is the outcome a policy produces when it matches.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Valid reports whether the effect is ALLOW or DENY.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// ParseEffect parses an effect case-insensitively.
func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToUpper(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("unknown effect %q", s))
	}
	return e, nil
}

// UnmarshalText accepts lowercase effects in policy files.
func (e *Effect) UnmarshalText(text []byte) error {
	parsed, err := ParseEffect(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Policy is a declarative rule that allows or denies an action on a resource.
type Policy struct {
	// ID is the unique policy identifier (UUID)
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name used in decision reasons
	Name string `json:"name" yaml:"name"`

	// Description is free text
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Effect is ALLOW or DENY
	Effect Effect `json:"effect" yaml:"effect"`

	// Priority orders policies within the same effect, higher first
	Priority int `json:"priority" yaml:"priority"`

	// Subject selects the principals the policy applies to
	Subject Subject `json:"subject" yaml:"subject"`

	// Resource must equal the requested resource exactly
	Resource string `json:"resource" yaml:"resource"`

	// Action must equal the requested action exactly
	Action string `json:"action" yaml:"action"`

	// Conditions must all hold for the policy to match
	Conditions []ConditionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Active policies are the only ones handed to the engine
	Active bool `json:"active" yaml:"active"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the fields the engine relies on.
func (p *Policy) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return errors.Wrap(errors.ErrPolicyInvalid, "name is required")
	case p.Resource == "":
		return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("policy %q: resource is required", p.Name))
	case p.Action == "":
		return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("policy %q: action is required", p.Name))
	case !p.Effect.Valid():
		return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("policy %q: invalid effect %q", p.Name, p.Effect))
	case p.Subject.Empty():
		return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("policy %q: subject is required (use %q to match everyone)", p.Name, Wildcard))
	}
	for i, c := range p.Conditions {
		if c.Type == "" {
			return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("policy %q: condition %d has no type", p.Name, i))
		}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate shared snapshots.
func (p Policy) Clone() Policy {
	out := p
	out.Subject = p.Subject.clone()
	if p.Conditions != nil {
		out.Conditions = make([]ConditionSpec, len(p.Conditions))
		for i, c := range p.Conditions {
			out.Conditions[i] = ConditionSpec{Type: c.Type, Params: maps.Clone(c.Params)}
		}
	}
	return out
}

// ClonePolicies deep-copies a policy list.
func ClonePolicies(in []Policy) []Policy {
	if in == nil {
		return nil
	}
	out := make([]Policy, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// ConditionSpec is the serialized form of a condition.
type ConditionSpec struct {
	// Type selects the condition kind (ip_range, time_range, ...)
	Type string `json:"type" yaml:"type"`

	// Params are kind-specific parameters
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Subject selects principals. It is either the wildcard "*" or a set of
// required attribute values, where each value may itself be "*".
type Subject struct {
	// Any is true for the wildcard subject
	Any bool

	// Attributes maps attribute name to required value
	Attributes map[string]string
}

// AnySubject returns the wildcard subject.
func AnySubject() Subject {
	return Subject{Any: true}
}

// SubjectWith returns a subject requiring the given attributes.
func SubjectWith(attrs map[string]string) Subject {
	return Subject{Attributes: attrs}
}

func (s Subject) clone() Subject {
	return Subject{Any: s.Any, Attributes: maps.Clone(s.Attributes)}
}

// String renders the subject the way it is serialized.
func (s Subject) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Empty reports whether the subject is neither the wildcard nor names any
// attribute. Such a subject selects nobody.
func (s Subject) Empty() bool {
	return !s.Any && len(s.Attributes) == 0
}

// MarshalJSON encodes the wildcard as "*" and attribute subjects as an object.
func (s Subject) MarshalJSON() ([]byte, error) {
	if s.Any {
		return json.Marshal(Wildcard)
	}
	if s.Attributes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Attributes)
}

// UnmarshalJSON accepts "*" or an object of string values.
func (s *Subject) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return errors.Wrap(errors.ErrPolicyInvalid, "subject is required")
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		return s.fromString(str)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(errors.ErrPolicyInvalid, "subject must be \"*\" or an object")
	}
	return s.fromMap(raw)
}

// MarshalYAML mirrors MarshalJSON.
func (s Subject) MarshalYAML() (any, error) {
	if s.Any {
		return Wildcard, nil
	}
	if s.Attributes == nil {
		return map[string]string{}, nil
	}
	return s.Attributes, nil
}

// UnmarshalYAML mirrors UnmarshalJSON.
func (s *Subject) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return errors.Wrap(errors.ErrPolicyInvalid, "subject is required")
		}
		return s.fromString(node.Value)
	case yaml.MappingNode:
		var raw map[string]any
		if err := node.Decode(&raw); err != nil {
			return err
		}
		return s.fromMap(raw)
	default:
		return errors.Wrap(errors.ErrPolicyInvalid, "subject must be \"*\" or a mapping")
	}
}

func (s *Subject) fromString(str string) error {
	if str != Wildcard {
		return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("subject string must be %q, got %q", Wildcard, str))
	}
	*s = AnySubject()
	return nil
}

func (s *Subject) fromMap(raw map[string]any) error {
	attrs := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			attrs[k] = tv
		case nil:
			return errors.Wrap(errors.ErrPolicyInvalid, fmt.Sprintf("subject attribute %q is null", k))
		default:
			attrs[k] = fmt.Sprint(tv)
		}
	}
	*s = Subject{Attributes: attrs}
	return nil
}
