// Package app provides application lifecycle management and dependency injection.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/service/audit"
	"github.com/your-org/pbac-service/internal/service/cache"
	"github.com/your-org/pbac-service/internal/service/condition"
	"github.com/your-org/pbac-service/internal/service/metrics"
	"github.com/your-org/pbac-service/internal/service/policy"
	"github.com/your-org/pbac-service/internal/service/provider"
	"github.com/your-org/pbac-service/internal/service/store"
	httpTransport "github.com/your-org/pbac-service/internal/transport/http"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
	"github.com/your-org/pbac-service/pkg/resilience/circuitbreaker"
	"github.com/your-org/pbac-service/pkg/resilience/ratelimit"
)

const defaultShutdownTimeout = 30 * time.Second

// BuildInfo holds application build information.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// App represents the application with all its services and dependencies.
type App struct {
	cfg *config.Config

	httpServer *httpTransport.Server
	handler    *httpTransport.Handler

	// Services
	conditions   *condition.Registry
	policyStore  store.Store
	cacheService *cache.Service
	provider     *provider.CachedProvider
	engine       *policy.Engine
	authorizer   *policy.Authorizer
	auditService *audit.Service
	auditReader  audit.Reader

	// Resilience components
	rateLimiter    *ratelimit.Limiter
	circuitBreaker *circuitbreaker.Manager

	// Observability
	metrics         *metrics.Metrics
	metricsRegistry *prometheus.Registry

	buildInfo BuildInfo
}

// Option is a functional option for configuring the App.
type Option func(*App)

// WithBuildInfo sets the build information.
func WithBuildInfo(info BuildInfo) Option {
	return func(a *App) {
		a.buildInfo = info
	}
}

// New creates a new App instance with the given configuration and options.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		cfg: cfg,
		buildInfo: BuildInfo{
			Version:   "dev",
			BuildTime: "unknown",
			GitCommit: "unknown",
		},
	}

	for _, opt := range opts {
		opt(app)
	}

	return app, nil
}

// Initialize initializes all application services. On failure everything
// started so far is stopped again.
func (a *App) Initialize(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.closeServices(context.Background())
		}
	}()

	// Metrics first so every component can record from the start
	if a.cfg.Metrics.Enabled {
		a.metricsRegistry = prometheus.NewRegistry()
		a.metricsRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewMetrics(a.metricsRegistry)
	} else {
		a.metrics = metrics.NewMetrics(nil)
	}

	a.conditions, err = condition.DefaultRegistry(
		condition.WithCacheSize(a.cfg.Conditions.CacheSize),
		condition.WithCELCacheSize(a.cfg.Conditions.CELCacheSize),
	)
	if err != nil {
		return fmt.Errorf("failed to create condition registry: %w", err)
	}

	a.policyStore, err = store.Open(ctx, a.cfg.Store, a.conditions)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	logger.Info("policy store opened", logger.String("type", a.cfg.Store.Type))

	a.cacheService = cache.NewService(a.cfg.Cache, cache.WithRecorder(a.metrics))
	if err := a.cacheService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache service: %w", err)
	}

	a.circuitBreaker = circuitbreaker.NewManager(a.cfg.Provider.Breaker,
		circuitbreaker.WithObserver(func(name string, from, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen {
				logger.Error("policy store unavailable, failing closed",
					logger.String("backend", name),
					logger.String("from", from.String()),
				)
			}
		}),
	)

	providerOpts := []provider.Option{
		provider.WithBreakers(a.circuitBreaker),
		provider.WithRecorder(a.metrics),
	}
	if a.cacheService.Enabled() {
		providerOpts = append(providerOpts, provider.WithCache(a.cacheService))
	}
	a.provider = provider.New(a.policyStore, providerOpts...)

	if fs, ok := a.policyStore.(*store.FileStore); ok {
		a.provider.InvalidateOnChange(fs)
		if a.cfg.Store.File.Watch {
			if err := fs.Watch(ctx); err != nil {
				return fmt.Errorf("failed to watch policy file: %w", err)
			}
		}
	}

	a.engine = policy.NewEngine(a.provider,
		policy.WithStrategy(policy.NewDefaultStrategy(a.conditions)),
		policy.WithMetrics(a.metrics),
	)

	exporters, err := audit.NewExporters(ctx, a.cfg.Audit.Export)
	if err != nil {
		return fmt.Errorf("failed to create audit exporters: %w", err)
	}
	auditOpts := []audit.Option{
		audit.WithMasker(logger.NewMasker(a.cfg.Masking)),
		audit.WithRecorder(a.metrics),
	}
	for _, e := range exporters {
		auditOpts = append(auditOpts, audit.WithExporter(e))
	}
	a.auditReader = audit.SelectReader(exporters)
	a.auditService = audit.NewService(a.cfg.Audit, auditOpts...)
	if err := a.auditService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	a.authorizer = policy.NewAuthorizer(a.engine, a.auditService)

	if a.cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(ctx, a.cfg.RateLimit,
			ratelimit.WithPrincipalHeader(a.cfg.Principal.IDHeader),
		)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiter initialized",
			logger.String("rate", a.cfg.RateLimit.Rate),
			logger.String("store", a.cfg.RateLimit.Store),
		)
	}

	a.initHTTPServer()

	logger.Info("application initialized",
		logger.String("version", a.buildInfo.Version),
		logger.String("commit", a.buildInfo.GitCommit),
		logger.String("strategy", a.engine.Strategy().Name()),
	)
	return nil
}

func (a *App) initHTTPServer() {
	principals := httpTransport.NewPrincipalExtractor(a.cfg.Principal)

	handlerOpts := []httpTransport.HandlerOption{
		httpTransport.WithPolicyManager(a.provider),
		httpTransport.WithCacheInvalidator(a.provider),
		httpTransport.WithAdminToken(a.cfg.Admin.Token),
		httpTransport.WithMaxBodyBytes(a.cfg.Server.HTTP.MaxBodyBytes),
		httpTransport.WithReadinessCheck("store", a.provider.Ping),
	}
	if a.auditReader != nil {
		handlerOpts = append(handlerOpts, httpTransport.WithAuditReader(a.auditReader))
	}
	if a.cfg.Cache.L2.Enabled {
		handlerOpts = append(handlerOpts, httpTransport.WithReadinessCheck("cache", func(ctx context.Context) error {
			if !a.cacheService.Healthy(ctx) {
				return errors.ErrServiceUnavailable
			}
			return nil
		}))
	}
	a.handler = httpTransport.NewHandler(a.authorizer, principals, a.buildInfo.Version, handlerOpts...)

	serverOpts := []httpTransport.ServerOption{
		httpTransport.WithMetrics(a.metrics.HTTPMiddleware),
	}
	if a.rateLimiter != nil {
		serverOpts = append(serverOpts, httpTransport.WithRateLimiter(a.rateLimiter))
	}
	if a.cfg.Guard.Enabled {
		serverOpts = append(serverOpts, httpTransport.WithGuard(
			httpTransport.NewGuard(a.cfg.Guard, a.authorizer, principals),
		))
	}

	endpoints := a.cfg.Endpoints
	if a.metricsRegistry != nil {
		serverOpts = append(serverOpts, httpTransport.WithMetricsHandler(
			promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}),
		))
	} else {
		endpoints.Metrics = ""
	}

	a.httpServer = httpTransport.NewServer(httpTransport.ServerConfig{
		HTTP:      a.cfg.Server.HTTP,
		Endpoints: endpoints,
	}, a.handler, serverOpts...)
}

// Run serves HTTP until ctx is done or the server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.httpServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	logger.Info("application started",
		logger.String("http_addr", a.cfg.Server.HTTP.Addr),
	)
	return g.Wait()
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	if a.httpServer == nil {
		return http.NotFoundHandler()
	}
	return a.httpServer.Router()
}

// Authorizer returns the evaluate-and-audit entry point.
func (a *App) Authorizer() *policy.Authorizer {
	return a.authorizer
}

// Provider returns the cached policy provider.
func (a *App) Provider() *provider.CachedProvider {
	return a.provider
}

// Shutdown gracefully shuts down all application services.
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down application")

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown HTTP server", logger.Err(err))
			errs = append(errs, err)
		}
	}
	if err := a.closeServices(ctx); err != nil {
		errs = append(errs, err)
	}

	logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeServices stops everything behind the HTTP server. Audit is drained
// before the store closes since the postgres exporter may share the database.
func (a *App) closeServices(ctx context.Context) error {
	var errs []error

	if a.auditService != nil {
		if err := a.auditService.Stop(ctx); err != nil {
			logger.Error("failed to stop audit service", logger.Err(err))
			errs = append(errs, err)
		}
	}
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Close(); err != nil {
			logger.Error("failed to close rate limiter", logger.Err(err))
			errs = append(errs, err)
		}
	}
	if a.cacheService != nil {
		if err := a.cacheService.Stop(); err != nil {
			logger.Error("failed to stop cache service", logger.Err(err))
			errs = append(errs, err)
		}
	}
	if a.policyStore != nil {
		if err := a.policyStore.Close(); err != nil {
			logger.Error("failed to close policy store", logger.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Healthy returns true if all critical services are healthy.
func (a *App) Healthy(ctx context.Context) bool {
	if a.provider != nil && a.provider.Ping(ctx) != nil {
		return false
	}
	if a.cacheService != nil && a.cfg.Cache.L2.Enabled && !a.cacheService.Healthy(ctx) {
		return false
	}
	return true
}

// RateLimiter returns the rate limiter instance.
func (a *App) RateLimiter() *ratelimit.Limiter {
	return a.rateLimiter
}

// CircuitBreaker returns the circuit breaker manager.
func (a *App) CircuitBreaker() *circuitbreaker.Manager {
	return a.circuitBreaker
}
