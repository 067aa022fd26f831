package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/httputil"
	"github.com/your-org/pbac-service/pkg/logger"
)

// UnknownResource is used when the path is too short to name a resource.
const UnknownResource = "unknown"

// Guard authorizes requests to the service's own API with the same engine
// it exposes. The resource is a path segment and the action is the method.
type Guard struct {
	authorizer  Authorizer
	principals  *PrincipalExtractor
	publicPaths []string
	segment     int
}

// NewGuard creates a guard. A non-positive segment index selects the
// second segment: /api/policies/x guards resource "policies".
func NewGuard(cfg config.GuardConfig, authorizer Authorizer, principals *PrincipalExtractor) *Guard {
	segment := cfg.ResourceSegment
	if segment <= 0 {
		segment = 2
	}
	return &Guard{
		authorizer:  authorizer,
		principals:  principals,
		publicPaths: cfg.PublicPaths,
		segment:     segment,
	}
}

// Middleware returns the guarding middleware.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal := g.principals.PrincipalID(r)
		if principal == "" {
			httputil.WriteErrorCode(w, r, http.StatusUnauthorized, errors.CodeUnauthenticated, "Missing or invalid token")
			return
		}

		resource := g.Resource(r.URL.Path)
		ip := g.principals.ClientIP(r)
		actx := g.principals.Context(r, resource, r.Method, map[string]any{
			"resource":  resource,
			"action":    r.Method,
			"ipAddress": ip,
		})

		result := g.authorizer.Authorize(r.Context(), actx)
		if result.Decision != domain.DecisionAllow {
			logger.WithContext(r.Context()).Warn("api request denied",
				logger.String("request_id", middleware.GetReqID(r.Context())),
				logger.String("principal_id", principal),
				logger.String("resource", resource),
				logger.String("action", r.Method),
				logger.String("reason", result.Reason),
			)
			httputil.WriteErrorCode(w, r, http.StatusForbidden, errors.CodeAccessDenied, "Access denied: "+result.Reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Resource extracts the guarded resource name from path.
func (g *Guard) Resource(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > g.segment && parts[g.segment] != "" {
		return parts[g.segment]
	}
	return UnknownResource
}

func (g *Guard) isPublic(path string) bool {
	for _, prefix := range g.publicPaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
