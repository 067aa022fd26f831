package http

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
)

// PrincipalExtractor reads the caller identity that an upstream
// authenticator put into trusted headers.
type PrincipalExtractor struct {
	idHeader          string
	attrPrefix        string
	trustForwardedFor bool
	now               func() time.Time
}

// NewPrincipalExtractor creates an extractor from configuration.
func NewPrincipalExtractor(cfg config.PrincipalConfig) *PrincipalExtractor {
	return &PrincipalExtractor{
		idHeader:          cfg.IDHeader,
		attrPrefix:        http.CanonicalHeaderKey(cfg.AttributePrefix),
		trustForwardedFor: cfg.TrustForwardedFor,
		now:               time.Now,
	}
}

// PrincipalID returns the principal header, trimmed.
func (e *PrincipalExtractor) PrincipalID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(e.idHeader))
}

// Attributes collects every header carrying the attribute prefix. Keys are
// lower-cased: X-Principal-Attr-Department becomes "department".
func (e *PrincipalExtractor) Attributes(r *http.Request) map[string]string {
	if e.attrPrefix == "" {
		return nil
	}
	var attrs map[string]string
	for name, values := range r.Header {
		if len(values) == 0 || len(name) <= len(e.attrPrefix) {
			continue
		}
		if !strings.EqualFold(name[:len(e.attrPrefix)], e.attrPrefix) {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[strings.ToLower(name[len(e.attrPrefix):])] = values[0]
	}
	return attrs
}

// ClientIP returns the first X-Forwarded-For hop when trusted, otherwise
// the connection address without its port.
func (e *PrincipalExtractor) ClientIP(r *http.Request) string {
	if e.trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Context builds the authorization context for r.
func (e *PrincipalExtractor) Context(r *http.Request, resource, action string, facts map[string]any) *domain.AuthorizationContext {
	return &domain.AuthorizationContext{
		PrincipalID: e.PrincipalID(r),
		Attributes:  e.Attributes(r),
		Resource:    resource,
		Action:      action,
		IPAddress:   e.ClientIP(r),
		Timestamp:   e.now().UTC(),
		Additional:  facts,
	}
}
