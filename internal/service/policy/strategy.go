package policy

import (
	"fmt"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/condition"
)

// StrategyName identifies DefaultStrategy.
const StrategyName = "DEFAULT_EVALUATION_STRATEGY"

// Strategy decides whether a single policy applies to a context.
// A non-nil error means the policy could not be judged and is treated as
// non-matching by the engine.
type Strategy interface {
	Name() string
	Matches(p *domain.Policy, actx *domain.AuthorizationContext) (bool, error)
}

// ConditionBuilder turns condition specs into evaluable conditions.
type ConditionBuilder interface {
	Build(spec domain.ConditionSpec) (condition.Condition, error)
}

// ConditionError reports a condition that could not be built or evaluated.
type ConditionError struct {
	Type  string
	Index int
	Err   error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *ConditionError) Unwrap() error {
	return e.Err
}

// DefaultStrategy requires exact resource and action equality, a subject
// match and every condition to hold.
type DefaultStrategy struct {
	conditions ConditionBuilder
}

// NewDefaultStrategy creates the default strategy.
func NewDefaultStrategy(conditions ConditionBuilder) *DefaultStrategy {
	return &DefaultStrategy{conditions: conditions}
}

// Name implements Strategy.
func (s *DefaultStrategy) Name() string {
	return StrategyName
}

// Matches implements Strategy.
func (s *DefaultStrategy) Matches(p *domain.Policy, actx *domain.AuthorizationContext) (bool, error) {
	if p.Resource != actx.Resource || p.Action != actx.Action {
		return false, nil
	}
	if !SubjectMatches(p.Subject, actx) {
		return false, nil
	}
	return s.conditionsHold(p, actx)
}

// SubjectMatches reports whether every attribute the subject names is either
// "*" or equal to the principal's value. Unnamed attributes are not checked.
// An empty subject never matches.
func SubjectMatches(subject domain.Subject, actx *domain.AuthorizationContext) bool {
	if subject.Any {
		return true
	}
	if subject.Empty() {
		return false
	}
	for key, want := range subject.Attributes {
		if want == domain.Wildcard {
			continue
		}
		got, ok := actx.Attribute(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func (s *DefaultStrategy) conditionsHold(p *domain.Policy, actx *domain.AuthorizationContext) (bool, error) {
	if len(p.Conditions) == 0 {
		return true, nil
	}
	if s.conditions == nil {
		return false, fmt.Errorf("policy %s has conditions but no condition registry is configured", p.ID)
	}
	for i, spec := range p.Conditions {
		c, err := s.conditions.Build(spec)
		if err != nil {
			return false, &ConditionError{Type: spec.Type, Index: i, Err: err}
		}
		ok, err := c.Evaluate(actx)
		if err != nil {
			return false, &ConditionError{Type: spec.Type, Index: i, Err: fmt.Errorf("%s: %w", c.Describe(), err)}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
