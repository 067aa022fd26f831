// Package circuitbreaker guards calls to policy backends using sony/gobreaker.
package circuitbreaker

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/pkg/logger"
)

// State is a breaker state.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// StateObserver is told about every state transition.
type StateObserver func(name string, from, to State)

// Manager hands out one breaker per backend name.
type Manager struct {
	cfg       config.CircuitBreakerConfig
	observers []StateObserver

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers fn for state transitions.
func WithObserver(fn StateObserver) Option {
	return func(m *Manager) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

// NewManager creates a manager. Breakers for configured backends are built
// up front; others are built on first use with the default settings.
func NewManager(cfg config.CircuitBreakerConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, settings := range cfg.Services {
		m.breakers[name] = m.newBreaker(name, settings)
	}
	return m
}

// Enabled reports whether calls are actually guarded.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// Get returns the breaker for name, creating it if needed.
func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}

	settings, ok := m.cfg.Services[name]
	if !ok {
		settings = m.cfg.Default
	}
	cb = m.newBreaker(name, settings)
	m.breakers[name] = cb
	return cb
}

func (m *Manager) newBreaker(name string, settings config.CircuitBreakerSettings) *gobreaker.CircuitBreaker[any] {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if settings.OnStateChange {
				logger.Warn("circuit breaker state changed",
					logger.String("backend", name),
					logger.String("from", from.String()),
					logger.String("to", to.String()),
				)
			}
			for _, fn := range m.observers {
				fn(name, from, to)
			}
		},
	})
}

// Execute runs fn behind the named breaker. When the manager is disabled fn
// runs unguarded.
func Execute[T any](m *Manager, name string, fn func() (T, error)) (T, error) {
	if m == nil || !m.cfg.Enabled {
		return fn()
	}
	result, err := m.Get(name).Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

// IsOpen reports whether err means the breaker refused the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the state of the named breaker.
func (m *Manager) State(name string) State {
	return m.Get(name).State()
}

// Counts returns the counters of the named breaker.
func (m *Manager) Counts(name string) gobreaker.Counts {
	return m.Get(name).Counts()
}

// States returns the state of every breaker created so far.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for name, cb := range m.breakers {
		states[name] = cb.State()
	}
	return states
}
