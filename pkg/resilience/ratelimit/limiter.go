// Package ratelimit provides HTTP rate limiting middleware using ulule/limiter.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/httputil"
	"github.com/your-org/pbac-service/pkg/logger"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

type endpointLimiter struct {
	prefix   string
	instance *limiter.Limiter
}

// Limiter applies request rate limits per client.
type Limiter struct {
	cfg       config.RateLimitConfig
	instance  *limiter.Limiter
	store     limiter.Store
	client    redis.UniversalClient
	endpoints []endpointLimiter
	keyFunc   KeyFunc
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyFunc overrides the client key derivation.
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFunc = fn
		}
	}
}

// WithPrincipalHeader buckets requests by the given header when present,
// falling back to the client address.
func WithPrincipalHeader(header string) Option {
	return func(l *Limiter) {
		if header == "" {
			return
		}
		l.keyFunc = func(r *http.Request) string {
			if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
				return "principal:" + id
			}
			return l.clientAddr(r)
		}
	}
}

// NewLimiter creates a limiter from configuration.
func NewLimiter(ctx context.Context, cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(cfg.Rate)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "rate_limit.rate: "+err.Error())
	}

	l := &Limiter{cfg: cfg}
	l.keyFunc = l.clientAddr
	for _, opt := range opts {
		opt(l)
	}

	if err := l.createStore(ctx); err != nil {
		return nil, err
	}
	l.instance = limiter.New(l.store, rate)

	if cfg.ByEndpoint {
		for prefix, rateStr := range cfg.EndpointRates {
			endpointRate, err := limiter.NewRateFromFormatted(rateStr)
			if err != nil {
				logger.Warn("invalid endpoint rate, using default",
					logger.String("endpoint", prefix),
					logger.String("rate", rateStr),
					logger.Err(err),
				)
				continue
			}
			l.endpoints = append(l.endpoints, endpointLimiter{prefix: prefix, instance: limiter.New(l.store, endpointRate)})
		}
		// Longest prefix wins.
		sort.Slice(l.endpoints, func(i, j int) bool {
			return len(l.endpoints[i].prefix) > len(l.endpoints[j].prefix)
		})
	}

	return l, nil
}

func (l *Limiter) createStore(ctx context.Context) error {
	switch l.cfg.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     l.cfg.Redis.Address,
			Password: l.cfg.Redis.Password,
			DB:       l.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return errors.Wrap(errors.ErrServiceUnavailable, "rate limit redis: "+err.Error())
		}
		store, err := redisstore.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix: l.cfg.Redis.KeyPrefix,
		})
		if err != nil {
			_ = client.Close()
			return err
		}
		l.client = client
		l.store = store
	default:
		l.store = memory.NewStore()
	}
	return nil
}

// Middleware rejects requests over the limit with 429. Limiter failures let
// the request through.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.isExcluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := l.keyFunc(r)
			limitContext, err := l.limiterFor(r.URL.Path).Get(r.Context(), key)
			if err != nil {
				logger.Error("rate limiter error", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}

			if l.cfg.Headers.Enabled {
				w.Header().Set(l.cfg.Headers.LimitHeader, strconv.FormatInt(limitContext.Limit, 10))
				w.Header().Set(l.cfg.Headers.RemainingHeader, strconv.FormatInt(limitContext.Remaining, 10))
				w.Header().Set(l.cfg.Headers.ResetHeader, strconv.FormatInt(limitContext.Reset, 10))
			}

			if limitContext.Reached {
				logger.Warn("rate limit exceeded",
					logger.String("client_key", key),
					logger.String("path", r.URL.Path),
					logger.Int64("limit", limitContext.Limit),
				)
				httputil.WriteErrorCode(w, r, http.StatusTooManyRequests, errors.CodeRateLimited, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (l *Limiter) limiterFor(path string) *limiter.Limiter {
	for _, e := range l.endpoints {
		if strings.HasPrefix(path, e.prefix) {
			return e.instance
		}
	}
	return l.instance
}

func (l *Limiter) clientAddr(r *http.Request) string {
	if l.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (l *Limiter) isExcluded(path string) bool {
	for _, excluded := range l.cfg.ExcludePaths {
		if strings.HasPrefix(path, excluded) {
			return true
		}
	}
	return false
}

// Peek returns the current state for key without consuming a request.
func (l *Limiter) Peek(ctx context.Context, key string) (limiter.Context, error) {
	return l.instance.Peek(ctx, key)
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) (limiter.Context, error) {
	return l.instance.Reset(ctx, key)
}

// Close releases the Redis connection, if any.
func (l *Limiter) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}
