// Package cache keeps applicable-policy lists keyed by resource and action
// in a local LRU and, optionally, in Redis.
package cache

import (
	"context"
	"net/url"
	"time"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/logger"
)

// KeyPrefix prefixes every policy-list key.
const KeyPrefix = "policies:"

// Cache levels used in metrics labels and Stats.
const (
	LevelL1 = "l1"
	LevelL2 = "l2"
)

// Key returns the cache key for a resource/action pair. Both parts are
// escaped so that a ':' inside a name cannot collide with the separator.
func Key(resource, action string) string {
	return KeyPrefix + url.QueryEscape(resource) + ":" + url.QueryEscape(action)
}

// Recorder receives cache hit/miss metrics.
type Recorder interface {
	RecordCacheHit(level string)
	RecordCacheMiss(level string)
	SetCacheSize(level string, size float64)
}

// Service provides multi-level caching for policy lists.
type Service struct {
	l1       *L1Cache
	l2       *L2RedisCache
	cfg      config.CacheConfig
	enabled  bool
	recorder Recorder
}

// Option configures the Service.
type Option func(*Service)

// WithRecorder reports hits and misses to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithL2 replaces the Redis level, mostly for tests.
func WithL2(l2 *L2RedisCache) Option {
	return func(s *Service) {
		s.l2 = l2
	}
}

// NewService creates a new cache service.
func NewService(cfg config.CacheConfig, opts ...Option) *Service {
	s := &Service{cfg: cfg}

	if cfg.L1.Enabled {
		s.l1 = NewL1Cache(cfg.L1)
	}
	if cfg.L2.Enabled {
		s.l2 = NewL2RedisCache(cfg.L2)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.enabled = s.l1 != nil || s.l2 != nil
	return s
}

// Start initializes the cache service.
func (s *Service) Start(ctx context.Context) error {
	if s.l1 != nil {
		interval := s.cfg.L1.CleanupInterval
		if interval <= 0 {
			interval = time.Minute
		}
		s.l1.StartCleanup(ctx, interval)
	}

	if s.l2 != nil {
		if err := s.l2.Start(ctx); err != nil {
			logger.Warn("L2 cache start failed, continuing without it", logger.Err(err))
		}
	}

	logger.Info("cache service started",
		logger.Bool("l1_enabled", s.l1 != nil),
		logger.Bool("l2_enabled", s.l2 != nil && s.l2.Enabled()),
	)

	return nil
}

// Stop shuts down the cache service.
func (s *Service) Stop() error {
	if s.l2 != nil {
		return s.l2.Stop()
	}
	return nil
}

// Get returns the cached policies for resource/action. It checks L1 first,
// then L2, backfilling L1 on an L2 hit.
func (s *Service) Get(ctx context.Context, resource, action string) ([]domain.Policy, bool) {
	if !s.enabled {
		return nil, false
	}
	key := Key(resource, action)

	if s.l1 != nil {
		if policies, found := s.l1.Get(ctx, key); found {
			s.hit(LevelL1)
			return policies, true
		}
		s.miss(LevelL1)
	}

	if s.l2 != nil && s.l2.Enabled() {
		if policies, found := s.l2.Get(ctx, key); found {
			s.hit(LevelL2)
			if s.l1 != nil {
				s.l1.Set(ctx, key, policies, 0)
			}
			return policies, true
		}
		s.miss(LevelL2)
	}

	return nil, false
}

// Set stores the policies for resource/action in every level.
func (s *Service) Set(ctx context.Context, resource, action string, policies []domain.Policy) {
	if !s.enabled {
		return
	}
	key := Key(resource, action)

	if s.l1 != nil {
		s.l1.Set(ctx, key, policies, 0)
		if s.recorder != nil {
			s.recorder.SetCacheSize(LevelL1, float64(s.l1.Len()))
		}
	}
	if s.l2 != nil && s.l2.Enabled() {
		s.l2.Set(ctx, key, policies, 0)
	}
}

// Delete removes the resource/action key from all cache levels.
func (s *Service) Delete(ctx context.Context, resource, action string) {
	key := Key(resource, action)
	if s.l1 != nil {
		s.l1.Delete(ctx, key)
	}
	if s.l2 != nil && s.l2.Enabled() {
		s.l2.Delete(ctx, key)
	}
}

// Clear removes all entries from all cache levels.
func (s *Service) Clear(ctx context.Context) {
	if s.l1 != nil {
		s.l1.Clear(ctx)
		if s.recorder != nil {
			s.recorder.SetCacheSize(LevelL1, 0)
		}
	}
	if s.l2 != nil && s.l2.Enabled() {
		s.l2.Clear(ctx)
	}
	logger.Info("policy cache cleared")
}

// Stats returns cache statistics.
func (s *Service) Stats() map[string]CacheStats {
	stats := make(map[string]CacheStats)

	if s.l1 != nil {
		stats[LevelL1] = s.l1.Stats()
	}
	if s.l2 != nil && s.l2.Enabled() {
		stats[LevelL2] = s.l2.Stats()
	}

	return stats
}

// Enabled returns true if caching is enabled.
func (s *Service) Enabled() bool {
	return s.enabled
}

// Healthy checks if cache backends are healthy.
func (s *Service) Healthy(ctx context.Context) bool {
	if s.l2 != nil && s.l2.Enabled() {
		return s.l2.Healthy(ctx)
	}
	return true
}

func (s *Service) hit(level string) {
	if s.recorder != nil {
		s.recorder.RecordCacheHit(level)
	}
}

func (s *Service) miss(level string) {
	if s.recorder != nil {
		s.recorder.RecordCacheMiss(level)
	}
}
