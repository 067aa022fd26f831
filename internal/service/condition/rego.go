package condition

import (
	"context"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

const (
	// TypeRego is the discriminator for embedded Rego modules.
	TypeRego = "rego"

	// DefaultRegoQuery is evaluated when a spec names no query.
	DefaultRegoQuery = "data.pbac.condition.allow"

	regoEvalTimeout = 250 * time.Millisecond
)

// RegoCondition evaluates a prepared OPA query with the context as input.
// An undefined result counts as false.
type RegoCondition struct {
	query string
	prep  rego.PreparedEvalQuery
	now   func() time.Time
}

func newRego(params Params, opts Options) (Condition, error) {
	module, err := params.String("module")
	if err != nil {
		return nil, err
	}
	query, err := params.OptionalString("query", DefaultRegoQuery)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prep, err := rego.New(
		rego.Query(query),
		rego.Module("condition.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to prepare rego query: %v", errors.ErrInvalidCondition, err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RegoCondition{query: query, prep: prep, now: now}, nil
}

// Evaluate implements Condition.
func (c *RegoCondition) Evaluate(actx *domain.AuthorizationContext) (bool, error) {
	if actx == nil {
		return false, fmt.Errorf("rego evaluation: nil context")
	}

	ctx, cancel := context.WithTimeout(context.Background(), regoEvalTimeout)
	defer cancel()

	results, err := c.prep.Eval(ctx, rego.EvalInput(regoInput(actx, c.now())))
	if err != nil {
		return false, fmt.Errorf("rego evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("rego query %s must return boolean, got %T", c.query, v)
	}
}

// Describe implements Condition.
func (c *RegoCondition) Describe() string {
	return "Rego: " + c.query
}

func regoInput(actx *domain.AuthorizationContext, now time.Time) map[string]any {
	attrs := make(map[string]any, len(actx.Attributes))
	for k, v := range actx.Attributes {
		attrs[k] = v
	}
	facts := make(map[string]any, len(actx.Additional))
	for k, v := range actx.Additional {
		facts[k] = v
	}
	ts := actx.TimeOr(now).UTC()
	return map[string]any{
		"principal":  actx.PrincipalID,
		"attributes": attrs,
		"resource":   actx.Resource,
		"action":     actx.Action,
		"ip":         actx.IPAddress,
		"additional": facts,
		"timestamp":  ts.Format(time.RFC3339Nano),
		"hour":       ts.Hour(),
	}
}
