// Package condition implements the pluggable condition kinds a policy can
// attach to its match.
package condition

import (
	"container/list"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

// DefaultCacheSize is the default number of built conditions kept in memory.
const DefaultCacheSize = 1024

// Condition is one environmental or contextual constraint on a policy.
type Condition interface {
	Evaluate(actx *domain.AuthorizationContext) (bool, error)
	Describe() string
}

// Options are handed to every factory.
type Options struct {
	// Now returns the current time when a context carries no timestamp.
	Now func() time.Time
}

// Factory builds a condition from its serialized parameters.
type Factory func(params Params, opts Options) (Condition, error)

// Registry maps condition type discriminators to factories and caches
// built conditions per spec.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	opts      Options

	cacheMu  sync.Mutex
	cache    map[string]*list.Element
	order    *list.List
	capacity int

	celCapacity int
}

type cacheEntry struct {
	key  string
	cond Condition
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the clock used by time-based conditions.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.opts.Now = now
		}
	}
}

// WithCacheSize sets the built-condition cache capacity.
func WithCacheSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithCELCacheSize sets the compiled CEL program cache capacity used by
// DefaultRegistry.
func WithCELCacheSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.celCapacity = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		opts:      Options{Now: time.Now},
		cache:     make(map[string]*list.Element),
		order:     list.New(),
		capacity:  DefaultCacheSize,

		celCapacity: DefaultCELCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in kind registered.
func DefaultRegistry(opts ...RegistryOption) (*Registry, error) {
	r := NewRegistry(opts...)

	celc, err := NewCELCompiler(r.celCapacity)
	if err != nil {
		return nil, err
	}

	r.Register(TypeIPRange, newIPRange)
	r.Register(TypeTimeRange, newTimeRange)
	r.Register(TypeWeekday, newWeekday)
	r.Register(TypeAttribute, newAttribute)
	r.Register(TypeCEL, celc.Factory)
	r.Register(TypeRego, newRego)
	return r, nil
}

// Register adds or replaces a factory. Replacing a kind drops cached builds.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	_, replaced := r.factories[kind]
	r.factories[kind] = f
	r.mu.Unlock()

	if replaced {
		r.ClearCache()
	}
}

// Types returns the registered discriminators, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build returns the condition for spec, building it on first use.
func (r *Registry) Build(spec domain.ConditionSpec) (Condition, error) {
	key, err := specKey(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidCondition, spec.Type, err)
	}
	if c, ok := r.cached(key); ok {
		return c, nil
	}

	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	opts := r.opts
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown condition type %q", errors.ErrInvalidCondition, spec.Type)
	}

	c, err := f(Params(spec.Params), opts)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidCondition) {
			return nil, fmt.Errorf("%s: %w", spec.Type, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidCondition, spec.Type, err)
	}

	r.store(key, c)
	return c, nil
}

// Validate builds every spec and returns the first error.
func (r *Registry) Validate(specs []domain.ConditionSpec) error {
	for i, s := range specs {
		if _, err := r.Build(s); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// ClearCache drops all built conditions.
func (r *Registry) ClearCache() {
	r.cacheMu.Lock()
	r.cache = make(map[string]*list.Element)
	r.order.Init()
	r.cacheMu.Unlock()
}

// CacheSize returns the number of built conditions kept.
func (r *Registry) CacheSize() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.order.Len()
}

func (r *Registry) cached(key string) (Condition, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	el, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*cacheEntry).cond, true
}

func (r *Registry) store(key string, c Condition) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if el, ok := r.cache[key]; ok {
		r.order.MoveToFront(el)
		return
	}
	for r.order.Len() >= r.capacity {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		delete(r.cache, oldest.Value.(*cacheEntry).key)
		r.order.Remove(oldest)
	}
	r.cache[key] = r.order.PushFront(&cacheEntry{key: key, cond: c})
}

// specKey is the canonical identity of a spec; encoding/json sorts map keys.
func specKey(spec domain.ConditionSpec) (string, error) {
	b, err := json.Marshal(spec.Params)
	if err != nil {
		return "", err
	}
	return spec.Type + "|" + string(b), nil
}

// Params are a condition's raw parameters with typed accessors.
type Params map[string]any

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("%w: missing parameter %q", errors.ErrInvalidCondition, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: parameter %q must be a non-empty string", errors.ErrInvalidCondition, key)
	}
	return s, nil
}

// OptionalString returns a string parameter or def when absent.
func (p Params) OptionalString(key, def string) (string, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.String(key)
}

// Strings accepts either a single string or a list of strings.
func (p Params) Strings(key string) ([]string, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing parameter %q", errors.ErrInvalidCondition, key)
	}
	switch tv := v.(type) {
	case string:
		return []string{tv}, nil
	case []string:
		return slices.Clone(tv), nil
	case []any:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: parameter %q must contain only strings", errors.ErrInvalidCondition, key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: parameter %q must be a string or list of strings", errors.ErrInvalidCondition, key)
	}
}

// Location returns the timezone parameter, defaulting to UTC.
func (p Params) Location(key string) (*time.Location, error) {
	name, err := p.OptionalString(key, "UTC")
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", errors.ErrInvalidCondition, name)
	}
	return loc, nil
}
