package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/logger"
)

// L2RedisCache implements a Redis-based distributed cache of policy lists.
type L2RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	enabled   atomic.Bool

	// Metrics
	hits   atomic.Int64
	misses atomic.Int64
}

// NewL2RedisCache creates a new L2 Redis cache.
func NewL2RedisCache(cfg config.L2CacheConfig) *L2RedisCache {
	c := &L2RedisCache{keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL}
	if !cfg.Enabled {
		return c
	}

	// Use cluster client if multiple addresses provided
	if len(cfg.Redis.Addresses) > 1 {
		c.client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Redis.Addresses,
			Password:     cfg.Redis.Password,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	} else {
		addr := "localhost:6379"
		if len(cfg.Redis.Addresses) > 0 {
			addr = cfg.Redis.Addresses[0]
		}
		c.client = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}
	c.enabled.Store(true)
	return c
}

// NewL2RedisCacheWithClient wraps an existing client.
func NewL2RedisCacheWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *L2RedisCache {
	c := &L2RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
	c.enabled.Store(client != nil)
	return c
}

// Start pings Redis. On failure the cache disables itself and the
// service carries on with L1 only.
func (c *L2RedisCache) Start(ctx context.Context) error {
	if !c.enabled.Load() {
		return nil
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		logger.Warn("L2 Redis cache connection failed", logger.Err(err))
		c.enabled.Store(false)
		return err
	}

	logger.Info("L2 Redis cache connected", logger.String("prefix", c.keyPrefix))
	return nil
}

// Stop closes the Redis connection.
func (c *L2RedisCache) Stop() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Get retrieves a policy list from Redis.
func (c *L2RedisCache) Get(ctx context.Context, key string) ([]domain.Policy, bool) {
	if !c.enabled.Load() {
		return nil, false
	}

	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Debug("L2 cache get error", logger.String("key", key), logger.Err(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	var policies []domain.Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		logger.Debug("L2 cache unmarshal error", logger.String("key", key), logger.Err(err))
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return policies, true
}

// Set stores a policy list in Redis. A zero ttl uses the configured one.
func (c *L2RedisCache) Set(ctx context.Context, key string, policies []domain.Policy, ttl time.Duration) {
	if !c.enabled.Load() {
		return
	}

	if ttl == 0 {
		ttl = c.ttl
	}
	if policies == nil {
		policies = []domain.Policy{}
	}

	data, err := json.Marshal(policies)
	if err != nil {
		logger.Debug("L2 cache marshal error", logger.String("key", key), logger.Err(err))
		return
	}

	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil {
		logger.Debug("L2 cache set error", logger.String("key", key), logger.Err(err))
	}
}

// Delete removes a key from Redis.
func (c *L2RedisCache) Delete(ctx context.Context, key string) {
	if !c.enabled.Load() {
		return
	}

	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		logger.Warn("L2 cache delete error", logger.String("key", key), logger.Err(err))
	}
}

// Clear removes all keys with the configured prefix.
func (c *L2RedisCache) Clear(ctx context.Context) {
	if !c.enabled.Load() {
		return
	}

	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = c.client.Scan(ctx, cursor, c.keyPrefix+KeyPrefix+"*", 100).Result()
		if err != nil {
			logger.Warn("L2 cache clear scan error", logger.Err(err))
			return
		}

		if len(keys) > 0 {
			c.client.Del(ctx, keys...)
		}

		if cursor == 0 {
			break
		}
	}
}

// Stats returns cache statistics.
func (c *L2RedisCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// Healthy checks if Redis is reachable.
func (c *L2RedisCache) Healthy(ctx context.Context) bool {
	if !c.enabled.Load() || c.client == nil {
		return true
	}
	return c.client.Ping(ctx).Err() == nil
}

// Enabled returns whether L2 cache is enabled.
func (c *L2RedisCache) Enabled() bool {
	return c.enabled.Load()
}
