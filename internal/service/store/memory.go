package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/policy"
	"github.com/your-org/pbac-service/pkg/errors"
)

// MemoryStore keeps policies in a map. It is safe for concurrent use and
// never hands out its own copies.
type MemoryStore struct {
	mu        sync.RWMutex
	policies  map[string]domain.Policy
	validator ConditionValidator
	now       func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithValidator validates conditions on write.
func WithValidator(v ConditionValidator) MemoryOption {
	return func(s *MemoryStore) {
		s.validator = v
	}
}

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		policies: make(map[string]domain.Policy),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindApplicable implements Store.
func (s *MemoryStore) FindApplicable(_ context.Context, resource, action string) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.Resource == resource && p.Action == action {
			candidates = append(candidates, p)
		}
	}
	return policy.FilterApplicable(candidates, resource, action), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrPolicyNotFound, id)
	}
	out := p.Clone()
	return &out, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if filter.matches(&p) {
			out = append(out, p.Clone())
		}
	}
	policy.SortByPriority(out)
	return out, nil
}

// Create implements Store. An empty ID is replaced by a random UUID.
func (s *MemoryStore) Create(_ context.Context, p *domain.Policy) (*domain.Policy, error) {
	if err := validatePolicy(p, s.validator); err != nil {
		return nil, err
	}

	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[stored.ID]; exists {
		return nil, fmt.Errorf("%w: policy %s already exists", errors.ErrPolicyInvalid, stored.ID)
	}
	s.policies[stored.ID] = stored

	out := stored.Clone()
	return &out, nil
}

// Update implements Store. CreatedAt is preserved.
func (s *MemoryStore) Update(_ context.Context, p *domain.Policy) (*domain.Policy, error) {
	if err := validatePolicy(p, s.validator); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[p.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrPolicyNotFound, p.ID)
	}

	stored := p.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now().UTC()
	s.policies[stored.ID] = stored

	out := stored.Clone()
	return &out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrPolicyNotFound, id)
	}
	delete(s.policies, id)
	return nil
}

// Replace swaps the whole policy set at once. Policies are stored as given,
// timestamps included.
func (s *MemoryStore) Replace(policies []domain.Policy) {
	next := make(map[string]domain.Policy, len(policies))
	for _, p := range policies {
		next[p.ID] = p.Clone()
	}

	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
}

// Len returns the number of stored policies.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
