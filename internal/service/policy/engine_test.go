package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/condition"
	"github.com/your-org/pbac-service/pkg/logger"
)

// =============================================================================
// Mocks
// =============================================================================

type mockProvider struct {
	getFunc func(ctx context.Context, resource, action string) ([]domain.Policy, error)
	calls   int
	mu      sync.Mutex
}

func (m *mockProvider) GetApplicablePolicies(ctx context.Context, resource, action string) ([]domain.Policy, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.getFunc != nil {
		return m.getFunc(ctx, resource, action)
	}
	return nil, nil
}

func providerOf(policies ...domain.Policy) *mockProvider {
	return &mockProvider{getFunc: func(context.Context, string, string) ([]domain.Policy, error) {
		return policies, nil
	}}
}

type mockMetrics struct {
	decisions       []domain.Decision
	evalErrors      int
	conditionErrors []string
}

func (m *mockMetrics) RecordDecision(d domain.Decision, _ bool, _ time.Duration) {
	m.decisions = append(m.decisions, d)
}
func (m *mockMetrics) RecordEvaluationError() { m.evalErrors++ }

func (m *mockMetrics) RecordConditionError(conditionType string) {
	m.conditionErrors = append(m.conditionErrors, conditionType)
}

type mockStrategy struct {
	matchFunc func(p *domain.Policy, actx *domain.AuthorizationContext) (bool, error)
}

func (m *mockStrategy) Name() string { return "mock" }
func (m *mockStrategy) Matches(p *domain.Policy, actx *domain.AuthorizationContext) (bool, error) {
	return m.matchFunc(p, actx)
}

func pol(name string, effect domain.Effect, priority int, resource, action string) domain.Policy {
	return domain.Policy{
		ID:       "id-" + name,
		Name:     name,
		Effect:   effect,
		Priority: priority,
		Subject:  domain.AnySubject(),
		Resource: resource,
		Action:   action,
		Active:   true,
	}
}

func newEngine(t *testing.T, p Provider, opts ...EngineOption) *Engine {
	t.Helper()
	reg, err := condition.DefaultRegistry()
	require.NoError(t, err)
	return NewEngine(p, append([]EngineOption{WithStrategy(NewDefaultStrategy(reg))}, opts...)...)
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.L()
	logger.SetLogger(zap.New(core))
	t.Cleanup(func() { logger.SetLogger(prev) })
	return logs
}

// =============================================================================
// Testable Properties
// =============================================================================

func TestEngine_NoPolicies_DefaultDeny(t *testing.T) {
	e := newEngine(t, providerOf())

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "documents", Action: "read"})

	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.Contains(t, res.Reason, "documents")
	assert.Contains(t, res.Reason, "read")
	assert.Empty(t, res.MatchedPolicyID)
}

func TestEngine_DenyOverridesAllow_RegardlessOfPriority(t *testing.T) {
	e := newEngine(t, providerOf(
		pol("allow-high", domain.EffectAllow, 100, "r", "a"),
		pol("deny-low", domain.EffectDeny, 1, "r", "a"),
	))

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.Equal(t, "Matched policy: deny-low", res.Reason)
	assert.Equal(t, "id-deny-low", res.MatchedPolicyID)
	assert.NotContains(t, res.Reason, "allow-high")
}

func TestEngine_PriorityTieBreakWithinEffect(t *testing.T) {
	e := newEngine(t, providerOf(
		pol("deny-10", domain.EffectDeny, 10, "r", "a"),
		pol("deny-5", domain.EffectDeny, 5, "r", "a"),
	))

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, "Matched policy: deny-10", res.Reason)
}

func TestEngine_FirstAllowInListOrderWins(t *testing.T) {
	e := newEngine(t, providerOf(
		pol("allow-10", domain.EffectAllow, 10, "r", "a"),
		pol("allow-5", domain.EffectAllow, 5, "r", "a"),
	))

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Equal(t, "Matched policy: allow-10", res.Reason)
}

func TestEngine_WildcardSubjectMatchesAnyone(t *testing.T) {
	e := newEngine(t, providerOf(pol("open", domain.EffectAllow, 0, "r", "a")))

	for _, attrs := range []map[string]string{nil, {}, {"role": "x", "department": "y", "other": "z"}} {
		res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a", Attributes: attrs})
		assert.Equal(t, domain.DecisionAllow, res.Decision)
	}
}

func TestEngine_AttributeScopedSubject(t *testing.T) {
	admins := pol("admins", domain.EffectAllow, 0, "r", "a")
	admins.Subject = domain.SubjectWith(map[string]string{"role": "admin"})
	anyRole := pol("any-role", domain.EffectAllow, 0, "r", "a")
	anyRole.Subject = domain.SubjectWith(map[string]string{"role": "*"})

	tests := []struct {
		name   string
		policy domain.Policy
		role   string
		want   domain.Decision
	}{
		{"admin policy, viewer", admins, "viewer", domain.DecisionDeny},
		{"admin policy, admin", admins, "admin", domain.DecisionAllow},
		{"star role, viewer", anyRole, "viewer", domain.DecisionAllow},
		{"star role, admin", anyRole, "admin", domain.DecisionAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, providerOf(tt.policy))
			res := e.Evaluate(context.Background(), &domain.AuthorizationContext{
				Resource: "r", Action: "a", Attributes: map[string]string{"role": tt.role},
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestEngine_FailClosedOnProviderError(t *testing.T) {
	m := &mockMetrics{}
	e := newEngine(t, &mockProvider{getFunc: func(context.Context, string, string) ([]domain.Policy, error) {
		return nil, errors.New("connection refused")
	}}, WithMetrics(m))

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	require.NotNil(t, res)
	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.Equal(t, "Policy evaluation error: connection refused", res.Reason)
	assert.GreaterOrEqual(t, res.EvaluationTimeMs, int64(0))
	assert.Equal(t, 1, m.evalErrors)
}

func TestEngine_TimingNonNegative(t *testing.T) {
	// A clock that runs backwards must still yield a non-negative duration.
	base := time.Now()
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(-time.Duration(calls) * time.Second)
	}

	for _, p := range []Provider{
		providerOf(),
		providerOf(pol("x", domain.EffectAllow, 0, "r", "a")),
		ProviderFunc(func(context.Context, string, string) ([]domain.Policy, error) { return nil, errors.New("x") }),
	} {
		res := newEngine(t, p, WithClock(clock)).Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})
		assert.GreaterOrEqual(t, res.EvaluationTimeMs, int64(0))
	}
}

func TestEngine_EvaluationTimeMeasured(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(42 * time.Millisecond), base.Add(42 * time.Millisecond)}
	i := 0
	clock := func() time.Time {
		ts := ticks[min(i, len(ticks)-1)]
		i++
		return ts
	}

	res := newEngine(t, providerOf(), WithClock(clock)).Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, int64(42), res.EvaluationTimeMs)
}

// =============================================================================
// Concrete Scenarios
// =============================================================================

func TestEngine_Scenarios(t *testing.T) {
	viewer := pol("allow-view", domain.EffectAllow, 1, "orders", "GET")
	viewer.Subject = domain.SubjectWith(map[string]string{"role": "viewer"})

	tests := []struct {
		name       string
		provider   Provider
		actx       *domain.AuthorizationContext
		decision   domain.Decision
		reason     string
		reasonPref string
	}{
		{
			name:     "block delete",
			provider: providerOf(pol("block-delete", domain.EffectDeny, 5, "orders", "DELETE")),
			actx:     &domain.AuthorizationContext{Resource: "orders", Action: "DELETE"},
			decision: domain.DecisionDeny,
			reason:   "Matched policy: block-delete",
		},
		{
			name:     "allow view",
			provider: providerOf(viewer),
			actx:     &domain.AuthorizationContext{Resource: "orders", Action: "GET", Attributes: map[string]string{"role": "viewer"}},
			decision: domain.DecisionAllow,
			reason:   "Matched policy: allow-view",
		},
		{
			name:     "no policies",
			provider: providerOf(),
			actx:     &domain.AuthorizationContext{Resource: "invoices", Action: "POST"},
			decision: domain.DecisionDeny,
			reason:   "No applicable policies found for resource: invoices, action: POST",
		},
		{
			name: "low deny beats high allow",
			provider: providerOf(
				pol("low-deny", domain.EffectDeny, 1, "x", "y"),
				pol("high-allow", domain.EffectAllow, 100, "x", "y"),
			),
			actx:     &domain.AuthorizationContext{Resource: "x", Action: "y", Attributes: map[string]string{"role": "anything"}},
			decision: domain.DecisionDeny,
			reason:   "Matched policy: low-deny",
		},
		{
			name: "provider error",
			provider: ProviderFunc(func(context.Context, string, string) ([]domain.Policy, error) {
				return nil, errors.New("store offline")
			}),
			actx:       &domain.AuthorizationContext{Resource: "z", Action: "w"},
			decision:   domain.DecisionDeny,
			reasonPref: "Policy evaluation error:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newEngine(t, tt.provider).Evaluate(context.Background(), tt.actx)

			assert.Equal(t, tt.decision, res.Decision)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, res.Reason)
			}
			if tt.reasonPref != "" {
				assert.True(t, strings.HasPrefix(res.Reason, tt.reasonPref), res.Reason)
			}
			assert.GreaterOrEqual(t, res.EvaluationTimeMs, int64(0))
		})
	}
}

// =============================================================================
// Failure Isolation
// =============================================================================

func TestEngine_StrategyErrorSkipsOnlyThatPolicy(t *testing.T) {
	logs := observeLogs(t)
	m := &mockMetrics{}
	broken := pol("broken-deny", domain.EffectDeny, 50, "r", "a")
	strategy := &mockStrategy{matchFunc: func(p *domain.Policy, _ *domain.AuthorizationContext) (bool, error) {
		if p.Name == "broken-deny" {
			return false, errors.New("bad parameter")
		}
		return true, nil
	}}

	e := NewEngine(providerOf(broken, pol("allow", domain.EffectAllow, 1, "r", "a")), WithStrategy(strategy), WithMetrics(m))
	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Equal(t, []string{"unknown"}, m.conditionErrors)
	warns := logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.String("policy_id", "id-broken-deny"))
	assert.Equal(t, 1, warns.Len())
}

func TestEngine_InvalidConditionSkipsPolicy(t *testing.T) {
	bad := pol("bad-ip-deny", domain.EffectDeny, 10, "r", "a")
	bad.Conditions = []domain.ConditionSpec{{Type: condition.TypeIPRange, Params: map[string]any{"cidr": "192.168.1"}}}

	m := &mockMetrics{}
	reg, err := condition.DefaultRegistry()
	require.NoError(t, err)
	e := NewEngine(providerOf(bad, pol("allow", domain.EffectAllow, 1, "r", "a")),
		WithStrategy(NewDefaultStrategy(reg)),
		WithMetrics(m),
	)
	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a", IPAddress: "192.168.1.5"})

	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Equal(t, "Matched policy: allow", res.Reason)
	assert.Equal(t, []string{condition.TypeIPRange}, m.conditionErrors)
}

func TestEngine_PanicInProviderFailsClosed(t *testing.T) {
	e := newEngine(t, ProviderFunc(func(context.Context, string, string) ([]domain.Policy, error) {
		panic("nil map write")
	}))

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.True(t, strings.HasPrefix(res.Reason, "Policy evaluation error:"))
	assert.Contains(t, res.Reason, "nil map write")
}

func TestEngine_PanicInStrategyFailsClosed(t *testing.T) {
	strategy := &mockStrategy{matchFunc: func(*domain.Policy, *domain.AuthorizationContext) (bool, error) {
		panic("boom")
	}}
	e := NewEngine(providerOf(pol("p", domain.EffectAllow, 0, "r", "a")), WithStrategy(strategy))

	res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.Contains(t, res.Reason, "boom")
}

func TestEngine_NilContextAndProvider(t *testing.T) {
	res := newEngine(t, providerOf()).Evaluate(context.Background(), nil)
	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.True(t, strings.HasPrefix(res.Reason, "Policy evaluation error:"))

	res = NewEngine(nil).Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})
	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.True(t, strings.HasPrefix(res.Reason, "Policy evaluation error:"))
}

func TestEngine_SkipsInactivePolicies(t *testing.T) {
	inactive := pol("inactive-deny", domain.EffectDeny, 10, "r", "a")
	inactive.Active = false

	res := newEngine(t, providerOf(inactive, pol("allow", domain.EffectAllow, 1, "r", "a"))).
		Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})

	assert.Equal(t, domain.DecisionAllow, res.Decision)
}

func TestEngine_ConditionsEnforced(t *testing.T) {
	office := pol("office-only", domain.EffectAllow, 0, "payroll", "read")
	office.Conditions = []domain.ConditionSpec{{Type: condition.TypeIPRange, Params: map[string]any{"cidr": "10.0.0.0/8"}}}
	e := newEngine(t, providerOf(office))

	in := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "payroll", Action: "read", IPAddress: "10.2.3.4"})
	out := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "payroll", Action: "read", IPAddress: "203.0.113.9"})

	assert.Equal(t, domain.DecisionAllow, in.Decision)
	assert.Equal(t, domain.DecisionDeny, out.Decision)
	assert.True(t, strings.HasPrefix(out.Reason, "No applicable policies found"))
}

func TestEngine_ConditionsWithoutRegistryNeverMatch(t *testing.T) {
	withCond := pol("cond", domain.EffectAllow, 0, "r", "a")
	withCond.Conditions = []domain.ConditionSpec{{Type: condition.TypeIPRange, Params: map[string]any{"cidr": "*"}}}

	res := NewEngine(providerOf(withCond)).Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a", IPAddress: "1.1.1.1"})

	assert.Equal(t, domain.DecisionDeny, res.Decision)
}

func TestEngine_RecordsMetrics(t *testing.T) {
	m := &mockMetrics{}
	e := newEngine(t, providerOf(pol("p", domain.EffectAllow, 0, "r", "a")), WithMetrics(m))

	e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a"})
	e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "b"})

	assert.Equal(t, []domain.Decision{domain.DecisionAllow, domain.DecisionDeny}, m.decisions)
}

func TestEngine_ConcurrentEvaluate(t *testing.T) {
	admins := pol("admins", domain.EffectAllow, 0, "r", "a")
	admins.Subject = domain.SubjectWith(map[string]string{"role": "admin"})
	e := newEngine(t, providerOf(admins))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := "viewer"
			want := domain.DecisionDeny
			if i%2 == 0 {
				role, want = "admin", domain.DecisionAllow
			}
			res := e.Evaluate(context.Background(), &domain.AuthorizationContext{Resource: "r", Action: "a", Attributes: map[string]string{"role": role}})
			assert.Equal(t, want, res.Decision)
		}(i)
	}
	wg.Wait()
}
