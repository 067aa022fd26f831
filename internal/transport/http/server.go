package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/pkg/logger"
	"github.com/your-org/pbac-service/pkg/resilience/ratelimit"
)

// Server represents the HTTP server.
type Server struct {
	httpServer     *http.Server
	handler        *Handler
	guard          *Guard
	rateLimiter    *ratelimit.Limiter
	metricsMW      func(http.Handler) http.Handler
	metricsHandler http.Handler
	cfg            config.HTTPServerConfig
	endpoints      config.EndpointsConfig
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithRateLimiter sets the rate limiter for the server.
func WithRateLimiter(limiter *ratelimit.Limiter) ServerOption {
	return func(s *Server) {
		s.rateLimiter = limiter
	}
}

// WithGuard protects the policy API.
func WithGuard(g *Guard) ServerOption {
	return func(s *Server) {
		s.guard = g
	}
}

// WithMetrics installs a request metrics middleware.
func WithMetrics(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsMW = mw
	}
}

// WithMetricsHandler overrides the handler served on the metrics endpoint.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// ServerConfig holds all configuration needed for the HTTP server.
type ServerConfig struct {
	HTTP      config.HTTPServerConfig
	Endpoints config.EndpointsConfig
}

// NewServer creates a new HTTP server.
func NewServer(cfg ServerConfig, handler *Handler, opts ...ServerOption) *Server {
	server := &Server{
		handler:        handler,
		cfg:            cfg.HTTP,
		endpoints:      cfg.Endpoints,
		metricsHandler: promhttp.Handler(),
	}

	for _, opt := range opts {
		opt(server)
	}

	httpServer := &http.Server{
		Addr:           cfg.HTTP.Addr,
		Handler:        server.Router(),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}
	server.httpServer = httpServer

	return server
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	// Middleware stack (order matters)
	router.Use(middleware.RequestID)
	router.Use(logger.CorrelationIDMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiter middleware (early in the chain to reject requests fast)
	if s.rateLimiter != nil {
		router.Use(s.rateLimiter.Middleware())
		logger.Info("rate limiter middleware enabled")
	}
	if s.metricsMW != nil {
		router.Use(s.metricsMW)
	}

	router.Use(requestLogger)
	if s.cfg.WriteTimeout > 0 {
		router.Use(middleware.Timeout(s.cfg.WriteTimeout))
	}

	s.registerRoutes(router, s.handler)
	return router
}

// registerRoutes registers all HTTP routes with configurable endpoints.
func (s *Server) registerRoutes(r chi.Router, h *Handler) {
	ep := s.endpoints

	if ep.Authorize != "" {
		r.Post(ep.Authorize, h.Authorize)
	}

	// Policy API, guarded by the engine itself when a guard is set
	if ep.Policies != "" && h.policies != nil {
		r.Group(func(r chi.Router) {
			if s.guard != nil {
				r.Use(s.guard.Middleware)
			}
			r.Get(ep.Policies, h.ListPolicies)
			r.Post(ep.Policies, h.CreatePolicy)
			r.Get(ep.Policies+"/search", h.SearchPolicies)
			r.Get(ep.Policies+"/{id}", h.GetPolicy)
			r.Put(ep.Policies+"/{id}", h.UpdatePolicy)
			r.Delete(ep.Policies+"/{id}", h.DeletePolicy)
		})
	}

	// Audit API, guarded like the policy API
	if ep.Audit != "" && h.audit != nil {
		r.Group(func(r chi.Router) {
			if s.guard != nil {
				r.Use(s.guard.Middleware)
			}
			r.Get(ep.Audit, h.ListAudit)
			r.Get(ep.Audit+"/user/{userId}", h.UserAudit)
			r.Get(ep.Audit+"/resource/{resource}/action/{action}", h.ResourceActionAudit)
			r.Get(ep.Audit+"/denied", h.DeniedAudit)
		})
	}

	// Health endpoints
	if ep.Health != "" {
		r.Get(ep.Health, h.Health)
		// Also support common variants
		r.Get(ep.Health+"z", h.Health)
	}
	if ep.Ready != "" {
		r.Get(ep.Ready, h.Ready)
		r.Get(ep.Ready+"z", h.Ready)
	}
	if ep.Live != "" {
		r.Get(ep.Live, h.Live)
		r.Get(ep.Live+"z", h.Live)
	}

	if ep.Metrics != "" && s.metricsHandler != nil {
		r.Handle(ep.Metrics, s.metricsHandler)
	}

	if ep.CacheInvalidate != "" {
		r.Post(ep.CacheInvalidate, h.CacheInvalidate)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logger.Info("starting HTTP server",
		logger.String("addr", s.cfg.Addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.WithContext(r.Context()).Info("http request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("remote_addr", r.RemoteAddr),
			logger.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
