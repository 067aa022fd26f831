package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/pbac-service/pkg/errors"
)

func TestParsePortFromAddr(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected int
	}{
		{
			name:     "port only with colon",
			addr:     ":8080",
			expected: 8080,
		},
		{
			name:     "host and port",
			addr:     "0.0.0.0:9090",
			expected: 9090,
		},
		{
			name:     "localhost and port",
			addr:     "localhost:3000",
			expected: 3000,
		},
		{
			name:     "empty string",
			addr:     "",
			expected: 0,
		},
		{
			name:     "invalid format",
			addr:     "not-a-port",
			expected: 0,
		},
		{
			name:     "IPv6 address",
			addr:     "[::1]:8080",
			expected: 8080,
		},
		{
			name:     "out of range",
			addr:     ":70000",
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parsePortFromAddr(tt.addr)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestConfigValidator_Validate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		wantFields []string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:       "bad listen address",
			mutate:     func(c *Config) { c.Server.HTTP.Addr = "localhost" },
			wantFields: []string{"server.http.addr"},
		},
		{
			name:       "relative endpoint",
			mutate:     func(c *Config) { c.Endpoints.Health = "health" },
			wantFields: []string{"endpoints.health"},
		},
		{
			name:       "duplicate endpoints",
			mutate:     func(c *Config) { c.Endpoints.Live = c.Endpoints.Health },
			wantFields: []string{"endpoints"},
		},
		{
			name:       "unknown store",
			mutate:     func(c *Config) { c.Store.Type = "mongo" },
			wantFields: []string{"store.type"},
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Store.Type = "postgres"
				c.Store.Postgres.DSN = ""
			},
			wantFields: []string{"store.postgres.dsn"},
		},
		{
			name: "file store without path",
			mutate: func(c *Config) {
				c.Store.File.Path = ""
			},
			wantFields: []string{"store.file.path"},
		},
		{
			name: "l2 without addresses",
			mutate: func(c *Config) {
				c.Cache.L2.Enabled = true
				c.Cache.L2.Redis.Addresses = nil
			},
			wantFields: []string{"cache.l2.redis.addresses"},
		},
		{
			name:       "l1 enabled with zero size",
			mutate:     func(c *Config) { c.Cache.L1.MaxSize = 0 },
			wantFields: []string{"cache.l1.max_size"},
		},
		{
			name: "breaker without threshold",
			mutate: func(c *Config) {
				c.Provider.Breaker.Default.FailureThreshold = 0
			},
			wantFields: []string{"provider.breaker.default.failure_threshold"},
		},
		{
			name: "audit file exporter without path",
			mutate: func(c *Config) {
				c.Audit.Export.File.Enabled = true
			},
			wantFields: []string{"audit.export.file.path"},
		},
		{
			name: "negative memory exporter capacity",
			mutate: func(c *Config) {
				c.Audit.Export.Memory.Enabled = true
				c.Audit.Export.Memory.Capacity = -1
			},
			wantFields: []string{"audit.export.memory.capacity"},
		},
		{
			name: "bad rate",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Rate = "lots"
			},
			wantFields: []string{"rate_limit.rate"},
		},
		{
			name:       "bad logging level",
			mutate:     func(c *Config) { c.Logging.Level = "loud" },
			wantFields: []string{"logging.level"},
		},
		{
			name:       "resource segment zero",
			mutate:     func(c *Config) { c.Guard.ResourceSegment = 0 },
			wantFields: []string{"guard.resource_segment"},
		},
		{
			name: "several problems at once",
			mutate: func(c *Config) {
				c.Store.Type = "mongo"
				c.Logging.Format = "xml"
				c.Audit.FlushInterval = -time.Second
			},
			wantFields: []string{"store.type", "logging.format", "audit.flush_interval"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := NewConfigValidator().Validate(cfg)

			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			for _, f := range tt.wantFields {
				assert.Contains(t, fields, f)
			}
		})
	}
}

func TestConfigValidator_NilConfig(t *testing.T) {
	err := NewConfigValidator().Validate(nil)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "endpoints", Message: "duplicate", Details: []string{"health", "live"}}
	assert.Equal(t, "endpoints: duplicate\n    - health\n    - live", err.Error())

	all := ValidationErrors{err, {Field: "store.type", Message: "unknown"}}
	assert.Contains(t, all.Error(), "configuration validation failed")
	assert.Contains(t, all.Error(), "store.type: unknown")
}
