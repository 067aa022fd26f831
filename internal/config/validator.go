package config

import (
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ulule/limiter/v3"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/pbac-service/pkg/errors"
)

// ValidationError contains detailed information about a validation error.
type ValidationError struct {
	Field   string
	Message string
	Details []string
}

func (e ValidationError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s\n    - %s", e.Field, e.Message, strings.Join(e.Details, "\n    - "))
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

// Unwrap lets errors.Is(err, ErrConfigInvalid) match.
func (e ValidationErrors) Unwrap() error {
	return errors.ErrConfigInvalid
}

// ConfigValidator validates configuration.
type ConfigValidator struct {
	errors ValidationErrors
}

// NewConfigValidator creates a new ConfigValidator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// Validate checks cfg and reports every problem at once.
func (c *Config) Validate() error {
	return NewConfigValidator().Validate(c)
}

// Validate validates cfg. The returned error is a ValidationErrors.
func (v *ConfigValidator) Validate(cfg *Config) error {
	v.errors = nil
	if cfg == nil {
		v.add("config", "configuration is nil")
		return v.errors
	}

	v.validateServer(cfg)
	v.validateEndpoints(cfg)
	v.validateGuard(cfg)
	v.validateStore(cfg)
	v.validateCache(cfg)
	v.validateBreaker(cfg)
	v.validateAudit(cfg)
	v.validateRateLimit(cfg)
	v.validateLogging(cfg)

	if cfg.Conditions.CacheSize < 0 || cfg.Conditions.CELCacheSize < 0 {
		v.add("conditions", "cache sizes must not be negative")
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *ConfigValidator) add(field, msg string, details ...string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: msg, Details: details})
}

// parsePortFromAddr extracts port number from address string like ":8080" or "0.0.0.0:8080".
// Returns 0 if the address is empty or port cannot be parsed.
func parsePortFromAddr(addr string) int {
	if addr == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0
	}
	return port
}

func (v *ConfigValidator) validateServer(cfg *Config) {
	h := cfg.Server.HTTP
	if parsePortFromAddr(h.Addr) == 0 {
		v.add("server.http.addr", fmt.Sprintf("invalid listen address %q", h.Addr))
	}
	if h.ReadTimeout < 0 || h.WriteTimeout < 0 || h.IdleTimeout < 0 || h.ShutdownTimeout < 0 {
		v.add("server.http", "timeouts must not be negative")
	}
	if h.MaxBodyBytes <= 0 {
		v.add("server.http.max_body_bytes", "must be positive")
	}
}

// validateEndpoints checks that every endpoint path is absolute and unique.
func (v *ConfigValidator) validateEndpoints(cfg *Config) {
	e := cfg.Endpoints
	paths := map[string]string{
		"authorize":        e.Authorize,
		"policies":         e.Policies,
		"health":           e.Health,
		"ready":            e.Ready,
		"live":             e.Live,
		"metrics":          e.Metrics,
		"cache_invalidate": e.CacheInvalidate,
	}

	used := make(map[string][]string)
	for name, path := range paths {
		if !strings.HasPrefix(path, "/") {
			v.add("endpoints."+name, fmt.Sprintf("path %q must start with /", path))
			continue
		}
		used[path] = append(used[path], name)
	}
	for path, names := range used {
		if len(names) > 1 {
			sort.Strings(names)
			v.add("endpoints", fmt.Sprintf("path %s is used by multiple endpoints", path), names...)
		}
	}
}

func (v *ConfigValidator) validateGuard(cfg *Config) {
	if cfg.Guard.ResourceSegment < 1 {
		v.add("guard.resource_segment", "must be at least 1")
	}
	if cfg.Principal.IDHeader == "" {
		v.add("principal.id_header", "must not be empty")
	}
}

func (v *ConfigValidator) validateStore(cfg *Config) {
	switch cfg.Store.Type {
	case "memory":
	case "file":
		if cfg.Store.File.Path == "" {
			v.add("store.file.path", "required for the file store")
		}
	case "postgres":
		if cfg.Store.Postgres.DSN == "" {
			v.add("store.postgres.dsn", "required for the postgres store")
		}
		if cfg.Store.Postgres.ConnectAttempts == 0 {
			v.add("store.postgres.connect_attempts", "must be at least 1")
		}
	default:
		v.add("store.type", fmt.Sprintf("unknown store type %q", cfg.Store.Type), "memory", "file", "postgres")
	}
}

func (v *ConfigValidator) validateCache(cfg *Config) {
	if l1 := cfg.Cache.L1; l1.Enabled {
		if l1.MaxSize <= 0 {
			v.add("cache.l1.max_size", "must be positive when the L1 cache is enabled")
		}
		if l1.TTL <= 0 {
			v.add("cache.l1.ttl", "must be positive when the L1 cache is enabled")
		}
	}
	if l2 := cfg.Cache.L2; l2.Enabled {
		if len(l2.Redis.Addresses) == 0 {
			v.add("cache.l2.redis.addresses", "at least one address is required")
		}
		if l2.TTL <= 0 {
			v.add("cache.l2.ttl", "must be positive when the L2 cache is enabled")
		}
	}
}

func (v *ConfigValidator) validateBreaker(cfg *Config) {
	b := cfg.Provider.Breaker
	if !b.Enabled {
		return
	}
	check := func(name string, s CircuitBreakerSettings) {
		if s.FailureThreshold == 0 {
			v.add(name+".failure_threshold", "must be at least 1")
		}
		if s.Timeout <= 0 {
			v.add(name+".timeout", "must be positive")
		}
	}
	check("provider.breaker.default", b.Default)
	for name, s := range b.Services {
		check("provider.breaker.services."+name, s)
	}
}

func (v *ConfigValidator) validateAudit(cfg *Config) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if a.BufferSize <= 0 {
		v.add("audit.buffer_size", "must be positive")
	}
	if a.BatchSize <= 0 {
		v.add("audit.batch_size", "must be positive")
	}
	if a.FlushInterval <= 0 {
		v.add("audit.flush_interval", "must be positive")
	}
	if a.Export.Stdout.Enabled && !slices.Contains([]string{"json", "text"}, a.Export.Stdout.Format) {
		v.add("audit.export.stdout.format", fmt.Sprintf("unknown format %q", a.Export.Stdout.Format), "json", "text")
	}
	if a.Export.File.Enabled && a.Export.File.Path == "" {
		v.add("audit.export.file.path", "required when the file exporter is enabled")
	}
	if a.Export.Postgres.Enabled && a.Export.Postgres.DSN == "" {
		v.add("audit.export.postgres.dsn", "required when the postgres exporter is enabled")
	}
	if a.Export.Memory.Enabled && a.Export.Memory.Capacity < 0 {
		v.add("audit.export.memory.capacity", "must not be negative")
	}
}

func (v *ConfigValidator) validateRateLimit(cfg *Config) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return
	}
	if _, err := limiter.NewRateFromFormatted(rl.Rate); err != nil {
		v.add("rate_limit.rate", fmt.Sprintf("invalid rate %q: %v", rl.Rate, err))
	}
	for endpoint, rate := range rl.EndpointRates {
		if _, err := limiter.NewRateFromFormatted(rate); err != nil {
			v.add("rate_limit.endpoint_rates."+endpoint, fmt.Sprintf("invalid rate %q", rate))
		}
	}
	switch rl.Store {
	case "memory", "":
	case "redis":
		if rl.Redis.Address == "" {
			v.add("rate_limit.redis.address", "required for the redis store")
		}
	default:
		v.add("rate_limit.store", fmt.Sprintf("unknown store %q", rl.Store), "memory", "redis")
	}
}

func (v *ConfigValidator) validateLogging(cfg *Config) {
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		v.add("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	if !slices.Contains([]string{"json", "console"}, cfg.Logging.Format) {
		v.add("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format), "json", "console")
	}
}
