// Package policy holds the decision engine: the deny-overrides evaluation
// loop, the matching strategy and the contracts it needs from outside.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
)

// Metrics is the subset of the metrics service the engine reports to.
type Metrics interface {
	RecordDecision(d domain.Decision, matched bool, elapsed time.Duration)
	RecordEvaluationError()
	RecordConditionError(conditionType string)
}

// Engine evaluates an authorization context against the provider's
// policies. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	provider Provider
	strategy Strategy
	metrics  Metrics
	now      func() time.Time
}

// EngineOption is a functional option for configuring the engine.
type EngineOption func(*Engine)

// WithStrategy replaces the matching strategy.
func WithStrategy(s Strategy) EngineOption {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the timer source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine. Without WithStrategy a DefaultStrategy with
// no condition registry is used, so any policy carrying conditions is
// treated as non-matching.
func NewEngine(provider Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.strategy == nil {
		e.strategy = NewDefaultStrategy(nil)
	}
	return e
}

// Strategy returns the engine's matching strategy.
func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Evaluate returns a decision for actx. It never fails: provider errors,
// missing input and panics all produce a DENY whose reason names the cause.
func (e *Engine) Evaluate(ctx context.Context, actx *domain.AuthorizationContext) (result *domain.PolicyEvaluationResult) {
	start := e.now()

	defer func() {
		if r := recover(); r != nil {
			result = e.fail(fmt.Errorf("%w: panic: %v", errors.ErrPolicyEvaluation, r), actx)
		}
		result.EvaluationTimeMs = max(e.now().Sub(start).Milliseconds(), 0)
		if e.metrics != nil {
			e.metrics.RecordDecision(result.Decision, result.MatchedPolicyID != "", e.now().Sub(start))
		}
	}()

	if actx == nil {
		return e.fail(fmt.Errorf("%w: authorization context is nil", errors.ErrPolicyEvaluation), nil)
	}
	if e.provider == nil {
		return e.fail(fmt.Errorf("%w: no policy provider configured", errors.ErrProviderUnavailable), actx)
	}

	policies, err := e.provider.GetApplicablePolicies(ctx, actx.Resource, actx.Action)
	if err != nil {
		return e.fail(err, actx)
	}

	if p := e.firstMatch(policies, domain.EffectDeny, actx); p != nil {
		return e.matched(p, actx)
	}
	if p := e.firstMatch(policies, domain.EffectAllow, actx); p != nil {
		return e.matched(p, actx)
	}

	logger.Debug("no applicable policy",
		logger.String("resource", actx.Resource),
		logger.String("action", actx.Action),
		logger.Int("candidates", len(policies)),
	)
	return domain.NoApplicablePolicy(actx.Resource, actx.Action)
}

// firstMatch scans in list order and returns the first matching policy
// with the given effect.
func (e *Engine) firstMatch(policies []domain.Policy, effect domain.Effect, actx *domain.AuthorizationContext) *domain.Policy {
	for i := range policies {
		p := &policies[i]
		if p.Effect != effect || !p.Active {
			continue
		}
		ok, err := e.strategy.Matches(p, actx)
		if err != nil {
			logger.Warn("policy skipped: condition evaluation failed",
				logger.String("policy_id", p.ID),
				logger.String("policy", p.Name),
				logger.String("strategy", e.strategy.Name()),
				logger.Err(err),
			)
			if e.metrics != nil {
				e.metrics.RecordConditionError(conditionType(err))
			}
			continue
		}
		if ok {
			return p
		}
	}
	return nil
}

func (e *Engine) matched(p *domain.Policy, actx *domain.AuthorizationContext) *domain.PolicyEvaluationResult {
	logger.Debug("policy matched",
		logger.String("policy_id", p.ID),
		logger.String("policy", p.Name),
		logger.String("effect", string(p.Effect)),
		logger.String("resource", actx.Resource),
		logger.String("action", actx.Action),
	)
	return domain.Matched(p)
}

func (e *Engine) fail(err error, actx *domain.AuthorizationContext) *domain.PolicyEvaluationResult {
	fields := []logger.Field{logger.Err(err)}
	if actx != nil {
		fields = append(fields,
			logger.String("resource", actx.Resource),
			logger.String("action", actx.Action),
			logger.String("principal_id", actx.PrincipalID),
		)
	}
	logger.Error("policy evaluation failed, denying", fields...)
	if e.metrics != nil {
		e.metrics.RecordEvaluationError()
	}
	return domain.EvaluationFailed(err)
}

// conditionType names the failing condition kind for metrics.
func conditionType(err error) string {
	var ce *ConditionError
	if errors.As(err, &ce) && ce.Type != "" {
		return ce.Type
	}
	return "unknown"
}
