package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/logger"
)

// L1Cache implements an in-memory LRU cache with TTL support.
type L1Cache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // LRU order
	enabled  bool
	now      func() time.Time

	// Metrics
	hits   int64
	misses int64
}

// cacheEntry represents a single cache entry.
type cacheEntry struct {
	key       string
	policies  []domain.Policy
	expiresAt time.Time
}

// NewL1Cache creates a new L1 in-memory cache.
func NewL1Cache(cfg config.L1CacheConfig) *L1Cache {
	return &L1Cache{
		capacity: cfg.MaxSize,
		ttl:      cfg.TTL,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		enabled:  cfg.Enabled && cfg.MaxSize > 0,
		now:      time.Now,
	}
}

// Get retrieves a policy list from the cache. The caller owns the result.
func (c *L1Cache) Get(ctx context.Context, key string) ([]domain.Policy, bool) {
	if !c.enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)

	if c.now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++

	return domain.ClonePolicies(entry.policies), true
}

// Set stores a policy list in the cache. A zero ttl uses the configured one.
func (c *L1Cache) Set(ctx context.Context, key string, policies []domain.Policy, ttl time.Duration) {
	if !c.enabled {
		return
	}

	if ttl == 0 {
		ttl = c.ttl
	}
	policies = domain.ClonePolicies(policies)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.policies = policies
		entry.expiresAt = c.now().Add(ttl)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	entry := &cacheEntry{
		key:       key,
		policies:  policies,
		expiresAt: c.now().Add(ttl),
	}
	c.items[key] = c.order.PushFront(entry)
}

// Delete removes a key from the cache.
func (c *L1Cache) Delete(ctx context.Context, key string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (c *L1Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of entries, expired ones included.
func (c *L1Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns cache statistics.
func (c *L1Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Size:     c.order.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  c.hitRate(),
	}
}

func (c *L1Cache) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *L1Cache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *L1Cache) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// StartCleanup starts a background goroutine to clean expired entries.
func (c *L1Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	if !c.enabled || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.cleanupExpired()
			}
		}
	}()

	logger.Debug("L1 cache cleanup started", logger.Duration("interval", interval))
}

// cleanupExpired removes all expired entries.
func (c *L1Cache) cleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var toRemove []*list.Element

	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		if now.After(elem.Value.(*cacheEntry).expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		c.removeElement(elem)
	}

	if len(toRemove) > 0 {
		logger.Debug("L1 cache cleanup completed", logger.Int("removed", len(toRemove)))
	}
	return len(toRemove)
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}
