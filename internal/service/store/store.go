// Package store persists policies. The engine never reads a store
// directly; the cached provider sits in between.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

// Store is durable policy storage.
type Store interface {
	// FindApplicable returns the active policies for (resource, action)
	// sorted by priority descending with a stable tie-break.
	FindApplicable(ctx context.Context, resource, action string) ([]domain.Policy, error)
	Get(ctx context.Context, id string) (*domain.Policy, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) (*domain.Policy, error)
	Update(ctx context.Context, p *domain.Policy) (*domain.Policy, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// ListFilter narrows List results.
type ListFilter struct {
	ActiveOnly bool
	// NameContains matches case-insensitively.
	NameContains string
}

func (f ListFilter) matches(p *domain.Policy) bool {
	if f.ActiveOnly && !p.Active {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	return true
}

// ConditionValidator checks that condition specs can be built. The
// condition registry satisfies it.
type ConditionValidator interface {
	Validate(specs []domain.ConditionSpec) error
}

func validatePolicy(p *domain.Policy, v ConditionValidator) error {
	if p == nil {
		return errors.Wrap(errors.ErrPolicyInvalid, "policy is nil")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if v != nil && len(p.Conditions) > 0 {
		if err := v.Validate(p.Conditions); err != nil {
			return fmt.Errorf("%w: policy %q: %v", errors.ErrPolicyInvalid, p.Name, err)
		}
	}
	return nil
}

// Open builds the store selected by cfg.Type.
func Open(ctx context.Context, cfg config.StoreConfig, validator ConditionValidator) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(WithValidator(validator)), nil
	case "file":
		fs, err := NewFileStore(cfg.File.Path,
			WithFileValidator(validator),
			WithDebounce(cfg.File.Debounce),
		)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "postgres":
		ps, err := NewPostgresStore(ctx, cfg.Postgres, WithPostgresValidator(validator))
		if err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", errors.ErrConfigInvalid, cfg.Type)
	}
}
