// Package provider serves applicable policies to the engine from the cache,
// falling back to the store behind a circuit breaker. Policy writes go
// through here so the affected cache entries are dropped.
package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/cache"
	"github.com/your-org/pbac-service/internal/service/store"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
	"github.com/your-org/pbac-service/pkg/resilience/circuitbreaker"
)

// BreakerName is the circuit breaker guarding store reads.
const BreakerName = "policy-store"

// Cache is the subset of the policy cache the provider needs.
type Cache interface {
	Get(ctx context.Context, resource, action string) ([]domain.Policy, bool)
	Set(ctx context.Context, resource, action string, policies []domain.Policy)
	Delete(ctx context.Context, resource, action string)
	Clear(ctx context.Context)
}

// Recorder receives provider metrics.
type Recorder interface {
	RecordBreakerOpen()
}

// ChangeNotifier reports out-of-band policy changes, such as a reloaded file.
type ChangeNotifier interface {
	OnChange(fn func())
}

// CachedProvider implements policy.Provider on top of a Store.
type CachedProvider struct {
	store    store.Store
	cache    Cache
	breakers *circuitbreaker.Manager
	recorder Recorder
	group    singleflight.Group

	// generations let a read that raced a write detect that its result is
	// stale. epoch covers InvalidateAll.
	genMu sync.Mutex
	gens  map[string]uint64
	epoch uint64
}

type generation struct {
	epoch, key uint64
}

// Option configures a CachedProvider.
type Option func(*CachedProvider)

// WithCache puts a cache in front of the store.
func WithCache(c Cache) Option {
	return func(p *CachedProvider) {
		p.cache = c
	}
}

// WithBreakers guards store reads.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(p *CachedProvider) {
		p.breakers = m
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *CachedProvider) {
		p.recorder = r
	}
}

// New creates a provider reading from s.
func New(s store.Store, opts ...Option) *CachedProvider {
	p := &CachedProvider{store: s, gens: make(map[string]uint64)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetApplicablePolicies returns the active policies for (resource, action).
// Concurrent misses for the same key share one store read.
func (p *CachedProvider) GetApplicablePolicies(ctx context.Context, resource, action string) ([]domain.Policy, error) {
	if p.cache != nil {
		if policies, ok := p.cache.Get(ctx, resource, action); ok {
			return policies, nil
		}
	}

	key := cache.Key(resource, action)
	started := p.generation(key)
	// Callers arriving after an invalidation get a new flight instead of
	// joining a read that began before the write.
	flight := fmt.Sprintf("%d/%d/%s", started.epoch, started.key, key)
	v, err, _ := p.group.Do(flight, func() (any, error) {
		policies, err := circuitbreaker.Execute(p.breakers, BreakerName, func() ([]domain.Policy, error) {
			return p.store.FindApplicable(ctx, resource, action)
		})
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			p.cache.Set(ctx, resource, action, policies)
			// A write that landed during the read may already have
			// invalidated; drop what we just cached.
			if p.generation(key) != started {
				p.cache.Delete(ctx, resource, action)
			}
		}
		return policies, nil
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			if p.recorder != nil {
				p.recorder.RecordBreakerOpen()
			}
			return nil, fmt.Errorf("%w: %v", errors.ErrProviderUnavailable, err)
		}
		return nil, err
	}

	// Every waiter gets its own copy.
	return domain.ClonePolicies(v.([]domain.Policy)), nil
}

// Get returns one policy by ID.
func (p *CachedProvider) Get(ctx context.Context, id string) (*domain.Policy, error) {
	return p.store.Get(ctx, id)
}

// List returns all policies matching filter.
func (p *CachedProvider) List(ctx context.Context, filter store.ListFilter) ([]domain.Policy, error) {
	return p.store.List(ctx, filter)
}

// Create stores a new policy and drops the cache entry it affects.
func (p *CachedProvider) Create(ctx context.Context, policy *domain.Policy) (*domain.Policy, error) {
	created, err := p.store.Create(ctx, policy)
	if err != nil {
		return nil, err
	}
	p.Invalidate(ctx, created.Resource, created.Action)
	logger.Info("policy created",
		logger.String("policy_id", created.ID),
		logger.String("name", created.Name),
	)
	return created, nil
}

// Update replaces a policy. The entries for both the old and the new
// (resource, action) are dropped.
func (p *CachedProvider) Update(ctx context.Context, policy *domain.Policy) (*domain.Policy, error) {
	if policy == nil {
		return nil, errors.Wrap(errors.ErrPolicyInvalid, "policy is nil")
	}
	previous, err := p.store.Get(ctx, policy.ID)
	if err != nil {
		return nil, err
	}
	updated, err := p.store.Update(ctx, policy)
	if err != nil {
		return nil, err
	}
	p.Invalidate(ctx, previous.Resource, previous.Action)
	if previous.Resource != updated.Resource || previous.Action != updated.Action {
		p.Invalidate(ctx, updated.Resource, updated.Action)
	}
	logger.Info("policy updated", logger.String("policy_id", updated.ID))
	return updated, nil
}

// Delete removes a policy and drops its cache entry.
func (p *CachedProvider) Delete(ctx context.Context, id string) error {
	previous, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	p.Invalidate(ctx, previous.Resource, previous.Action)
	logger.Info("policy deleted", logger.String("policy_id", id))
	return nil
}

// Invalidate drops the cache entry for (resource, action). Reads already in
// flight for that key do not repopulate it.
func (p *CachedProvider) Invalidate(ctx context.Context, resource, action string) {
	key := cache.Key(resource, action)
	p.genMu.Lock()
	p.gens[key]++
	p.genMu.Unlock()

	if p.cache != nil {
		p.cache.Delete(ctx, resource, action)
	}
}

// InvalidateAll drops every cache entry. Reads already in flight do not
// repopulate it.
func (p *CachedProvider) InvalidateAll(ctx context.Context) {
	p.genMu.Lock()
	p.epoch++
	// per-key counters are only compared within one epoch
	clear(p.gens)
	p.genMu.Unlock()

	if p.cache != nil {
		p.cache.Clear(ctx)
	}
}

func (p *CachedProvider) generation(key string) generation {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	return generation{epoch: p.epoch, key: p.gens[key]}
}

// InvalidateOnChange clears the cache whenever n reports a change.
func (p *CachedProvider) InvalidateOnChange(n ChangeNotifier) {
	n.OnChange(func() {
		p.InvalidateAll(context.Background())
	})
}

// Ping checks the store.
func (p *CachedProvider) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
