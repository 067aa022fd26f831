package policy

import (
	"context"
	"fmt"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/logger"
)

// Provider supplies the active policies for a (resource, action) pair,
// sorted by priority descending, as a consistent snapshot.
type Provider interface {
	GetApplicablePolicies(ctx context.Context, resource, action string) ([]domain.Policy, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, resource, action string) ([]domain.Policy, error)

// GetApplicablePolicies implements Provider.
func (f ProviderFunc) GetApplicablePolicies(ctx context.Context, resource, action string) ([]domain.Policy, error) {
	return f(ctx, resource, action)
}

// StaticProvider serves a fixed policy list, filtered and ordered the way the
// Provider contract requires.
type StaticProvider []domain.Policy

// GetApplicablePolicies implements Provider.
func (s StaticProvider) GetApplicablePolicies(_ context.Context, resource, action string) ([]domain.Policy, error) {
	return FilterApplicable(s, resource, action), nil
}

// AuditSink records decisions. Implementations must not block and must
// swallow their own failures.
type AuditSink interface {
	Record(ctx context.Context, rec *domain.AuditRecord)
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, rec *domain.AuditRecord)

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, rec *domain.AuditRecord) {
	f(ctx, rec)
}

// Evaluator is the engine surface callers depend on.
type Evaluator interface {
	Evaluate(ctx context.Context, actx *domain.AuthorizationContext) *domain.PolicyEvaluationResult
}

// Authorizer evaluates and then records exactly one audit record per call.
// A misbehaving sink never changes the decision.
type Authorizer struct {
	engine Evaluator
	sink   AuditSink
}

// NewAuthorizer creates an Authorizer. A nil sink disables auditing.
func NewAuthorizer(engine Evaluator, sink AuditSink) *Authorizer {
	return &Authorizer{engine: engine, sink: sink}
}

// Authorize implements the evaluate-then-audit sequence.
func (a *Authorizer) Authorize(ctx context.Context, actx *domain.AuthorizationContext) *domain.PolicyEvaluationResult {
	result := a.engine.Evaluate(ctx, actx)
	a.record(ctx, actx, result)
	return result
}

func (a *Authorizer) record(ctx context.Context, actx *domain.AuthorizationContext, result *domain.PolicyEvaluationResult) {
	if a.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("audit sink panicked", logger.String("panic", fmt.Sprint(r)))
		}
	}()
	a.sink.Record(ctx, domain.NewAuditRecord(actx, result))
}
