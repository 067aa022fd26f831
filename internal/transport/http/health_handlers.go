package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/your-org/pbac-service/pkg/httputil"
)

const readinessTimeout = 2 * time.Second

// Health handles GET /health. It runs the readiness checks but always
// answers 200 so that a slow dependency never restarts the process.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())
	status := "healthy"
	if !ok {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, &HealthResponse{
		Status:    status,
		Checks:    checks,
		Version:   h.version,
		Timestamp: time.Now(),
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.runChecks(r.Context())
	resp := &HealthResponse{
		Status:    "ready",
		Checks:    checks,
		Timestamp: time.Now(),
	}
	code := http.StatusOK
	if !ok {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, resp)
}

// Live handles GET /live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, &HealthResponse{
		Status:    "alive",
		Timestamp: time.Now(),
	})
}

func (h *Handler) runChecks(ctx context.Context) (map[string]CheckResult, bool) {
	if len(h.checks) == 0 {
		return nil, true
	}
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ok := true
	results := make(map[string]CheckResult, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = CheckResult{Status: "unhealthy", Message: err.Error()}
			ok = false
			continue
		}
		results[name] = CheckResult{Status: "healthy"}
	}
	return results, ok
}
