package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
)

// EnvPrefix is the prefix for environment overrides (PBAC_SERVER_HTTP_ADDR, ...).
const EnvPrefix = "PBAC"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Endpoints  EndpointsConfig   `mapstructure:"endpoints"`
	Principal  PrincipalConfig   `mapstructure:"principal"`
	Guard      GuardConfig       `mapstructure:"guard"`
	Store      StoreConfig       `mapstructure:"store"`
	Cache      CacheConfig       `mapstructure:"cache"`
	Provider   ProviderConfig    `mapstructure:"provider"`
	Conditions ConditionsConfig  `mapstructure:"conditions"`
	Audit      AuditConfig       `mapstructure:"audit"`
	RateLimit  RateLimitConfig   `mapstructure:"rate_limit"`
	Logging    logger.Config     `mapstructure:"logging"`
	Masking    logger.MaskConfig `mapstructure:"masking"`
	Admin      AdminConfig       `mapstructure:"admin"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	HTTP HTTPServerConfig `mapstructure:"http"`
}

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// EndpointsConfig holds configurable endpoint paths.
type EndpointsConfig struct {
	Authorize       string `mapstructure:"authorize"`
	Policies        string `mapstructure:"policies"`
	Health          string `mapstructure:"health"`
	Ready           string `mapstructure:"ready"`
	Live            string `mapstructure:"live"`
	Metrics         string `mapstructure:"metrics"`
	CacheInvalidate string `mapstructure:"cache_invalidate"`
	Audit           string `mapstructure:"audit"`
}

// PrincipalConfig describes the trusted headers an upstream authenticator
// sets for the calling principal.
type PrincipalConfig struct {
	IDHeader          string `mapstructure:"id_header"`
	AttributePrefix   string `mapstructure:"attribute_prefix"`
	TrustForwardedFor bool   `mapstructure:"trust_forwarded_for"`
}

// GuardConfig configures the authorization middleware in front of the
// protected API routes.
type GuardConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	PublicPaths     []string `mapstructure:"public_paths"`
	ResourceSegment int      `mapstructure:"resource_segment"`
}

// StoreConfig selects and configures the policy store.
type StoreConfig struct {
	// Type: memory, file or postgres
	Type     string              `mapstructure:"type"`
	File     FileStoreConfig     `mapstructure:"file"`
	Postgres PostgresStoreConfig `mapstructure:"postgres"`
}

// FileStoreConfig holds settings for the YAML policy file.
type FileStoreConfig struct {
	Path     string        `mapstructure:"path"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// PostgresStoreConfig holds settings for the Postgres policy table.
type PostgresStoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
	ConnectAttempts uint          `mapstructure:"connect_attempts"`
}

// CacheConfig holds caching configuration.
type CacheConfig struct {
	L1 L1CacheConfig `mapstructure:"l1"`
	L2 L2CacheConfig `mapstructure:"l2"`
}

// L1CacheConfig holds in-memory cache configuration.
type L1CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxSize         int           `mapstructure:"max_size"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// L2CacheConfig holds distributed cache configuration.
type L2CacheConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Redis     RedisCacheConfig `mapstructure:"redis"`
	TTL       time.Duration    `mapstructure:"ttl"`
	KeyPrefix string           `mapstructure:"key_prefix"`
}

// RedisCacheConfig holds Redis configuration.
type RedisCacheConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProviderConfig configures the cached policy provider.
type ProviderConfig struct {
	Breaker CircuitBreakerConfig `mapstructure:"breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled  bool                              `mapstructure:"enabled"`
	Default  CircuitBreakerSettings            `mapstructure:"default"`
	Services map[string]CircuitBreakerSettings `mapstructure:"services"`
}

// CircuitBreakerSettings holds per-breaker settings.
type CircuitBreakerSettings struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OnStateChange    bool          `mapstructure:"on_state_change"`
}

// ConditionsConfig sizes the condition caches.
type ConditionsConfig struct {
	CacheSize    int `mapstructure:"cache_size"`
	CELCacheSize int `mapstructure:"cel_cache_size"`
}

// AuditConfig holds audit configuration.
type AuditConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	BufferSize    int               `mapstructure:"buffer_size"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	Export        AuditExportConfig `mapstructure:"export"`
}

// AuditExportConfig lists the audit exporters.
type AuditExportConfig struct {
	Stdout   StdoutExportConfig   `mapstructure:"stdout"`
	File     FileExportConfig     `mapstructure:"file"`
	Postgres PostgresExportConfig `mapstructure:"postgres"`
	Memory   MemoryExportConfig   `mapstructure:"memory"`
}

// StdoutExportConfig writes audit records through the logger.
type StdoutExportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Format  string `mapstructure:"format"`
}

// FileExportConfig appends audit records as JSON lines.
type FileExportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// PostgresExportConfig batch-inserts audit records into audit_logs.
type PostgresExportConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// MemoryExportConfig keeps the latest audit records in process so the
// audit API can serve them without a database.
type MemoryExportConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Capacity int  `mapstructure:"capacity"`
}

// RateLimitConfig holds HTTP rate limit configuration.
type RateLimitConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	Rate              string            `mapstructure:"rate"`
	Store             string            `mapstructure:"store"`
	Redis             RateLimitRedis    `mapstructure:"redis"`
	ExcludePaths      []string          `mapstructure:"exclude_paths"`
	ByEndpoint        bool              `mapstructure:"by_endpoint"`
	EndpointRates     map[string]string `mapstructure:"endpoint_rates"`
	TrustForwardedFor bool              `mapstructure:"trust_forwarded_for"`
	Headers           RateLimitHeaders  `mapstructure:"headers"`
}

// RateLimitRedis holds the Redis store settings for the limiter.
type RateLimitRedis struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RateLimitHeaders configures the X-RateLimit-* response headers.
type RateLimitHeaders struct {
	Enabled         bool   `mapstructure:"enabled"`
	LimitHeader     string `mapstructure:"limit_header"`
	RemainingHeader string `mapstructure:"remaining_header"`
	ResetHeader     string `mapstructure:"reset_header"`
}

// AdminConfig protects the admin endpoints.
type AdminConfig struct {
	// Token is compared against the X-Admin-Token header. Empty disables admin endpoints.
	Token string `mapstructure:"token"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/pbac")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: %v", errors.ErrConfigLoadFailed, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrConfigLoadFailed, err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.read_timeout", "10s")
	v.SetDefault("server.http.write_timeout", "10s")
	v.SetDefault("server.http.idle_timeout", "120s")
	v.SetDefault("server.http.shutdown_timeout", "30s")
	v.SetDefault("server.http.max_header_bytes", 1<<20) // 1MB
	v.SetDefault("server.http.max_body_bytes", 1<<20)

	// Endpoints defaults (configurable paths)
	v.SetDefault("endpoints.authorize", "/v1/authorize")
	v.SetDefault("endpoints.policies", "/api/policies")
	v.SetDefault("endpoints.health", "/health")
	v.SetDefault("endpoints.ready", "/ready")
	v.SetDefault("endpoints.live", "/live")
	v.SetDefault("endpoints.metrics", "/metrics")
	v.SetDefault("endpoints.cache_invalidate", "/admin/cache/invalidate")
	v.SetDefault("endpoints.audit", "/api/audit")

	v.SetDefault("principal.id_header", "X-Principal-ID")
	v.SetDefault("principal.attribute_prefix", "X-Principal-Attr-")
	v.SetDefault("principal.trust_forwarded_for", true)

	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.public_paths", []string{"/api/auth/", "/swagger-ui", "/v3/api-docs"})
	v.SetDefault("guard.resource_segment", 2)

	// Store defaults
	v.SetDefault("store.type", "file")
	v.SetDefault("store.file.path", "/etc/pbac/policies.yaml")
	v.SetDefault("store.file.watch", true)
	v.SetDefault("store.file.debounce", "500ms")
	v.SetDefault("store.postgres.max_open_conns", 25)
	v.SetDefault("store.postgres.max_idle_conns", 25)
	v.SetDefault("store.postgres.conn_max_lifetime", "5m")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.postgres.connect_attempts", 5)

	// Cache defaults
	v.SetDefault("cache.l1.enabled", true)
	v.SetDefault("cache.l1.max_size", 10000)
	v.SetDefault("cache.l1.ttl", "30s")
	v.SetDefault("cache.l1.cleanup_interval", "1m")
	v.SetDefault("cache.l2.enabled", false)
	v.SetDefault("cache.l2.ttl", "30m")
	v.SetDefault("cache.l2.key_prefix", "pbac:")
	v.SetDefault("cache.l2.redis.addresses", []string{"localhost:6379"})
	v.SetDefault("cache.l2.redis.pool_size", 10)
	v.SetDefault("cache.l2.redis.read_timeout", "100ms")
	v.SetDefault("cache.l2.redis.write_timeout", "100ms")

	// Provider defaults
	v.SetDefault("provider.breaker.enabled", true)
	v.SetDefault("provider.breaker.default.max_requests", 1)
	v.SetDefault("provider.breaker.default.interval", "60s")
	v.SetDefault("provider.breaker.default.timeout", "30s")
	v.SetDefault("provider.breaker.default.failure_threshold", 5)
	v.SetDefault("provider.breaker.default.on_state_change", true)

	v.SetDefault("conditions.cache_size", 1000)
	v.SetDefault("conditions.cel_cache_size", 500)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", "1s")
	v.SetDefault("audit.export.stdout.enabled", true)
	v.SetDefault("audit.export.stdout.format", "json")
	v.SetDefault("audit.export.file.enabled", false)
	v.SetDefault("audit.export.postgres.enabled", false)
	v.SetDefault("audit.export.postgres.migrate", true)
	v.SetDefault("audit.export.memory.enabled", false)
	v.SetDefault("audit.export.memory.capacity", 10000)

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rate", "100-S")
	v.SetDefault("rate_limit.store", "memory")
	v.SetDefault("rate_limit.redis.key_prefix", "pbac:ratelimit:")
	v.SetDefault("rate_limit.exclude_paths", []string{"/health", "/ready", "/live", "/metrics"})
	v.SetDefault("rate_limit.trust_forwarded_for", true)
	v.SetDefault("rate_limit.headers.enabled", true)
	v.SetDefault("rate_limit.headers.limit_header", "X-RateLimit-Limit")
	v.SetDefault("rate_limit.headers.remaining_header", "X-RateLimit-Remaining")
	v.SetDefault("rate_limit.headers.reset_header", "X-RateLimit-Reset")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_caller", true)

	v.SetDefault("masking.enabled", true)
	v.SetDefault("masking.mask_value", "***")
	v.SetDefault("masking.keys", logger.DefaultSensitiveKeys)
	v.SetDefault("masking.show_last", 0)

	v.SetDefault("metrics.enabled", true)
}
