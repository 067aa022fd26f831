package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/pbac-service/internal/domain"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDecision(domain.DecisionAllow, true, time.Millisecond)
	m.RecordCacheHit("l1")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "pbac_decisions_total")
	assert.Contains(t, names, "pbac_evaluation_duration_seconds")
	assert.Contains(t, names, "pbac_policy_cache_hits_total")
}

func TestNewMetrics_NilRegistererIsIsolated(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)

	a.RecordEvaluationError()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.EvaluationErrorsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EvaluationErrorsTotal))
}

func TestMetrics_RecordDecision(t *testing.T) {
	tests := []struct {
		name     string
		decision domain.Decision
		matched  bool
		labels   []string
	}{
		{"allow matched", domain.DecisionAllow, true, []string{"ALLOW", "true"}},
		{"deny matched", domain.DecisionDeny, true, []string{"DENY", "true"}},
		{"default deny", domain.DecisionDeny, false, []string{"DENY", "false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics(nil)
			m.RecordDecision(tt.decision, tt.matched, time.Microsecond)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues(tt.labels...)))
		})
	}
}

func TestMetrics_ConditionErrorsByType(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordConditionError("time_range")
	m.RecordConditionError("time_range")
	m.RecordConditionError("cel")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConditionErrorsTotal.WithLabelValues("time_range")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConditionErrorsTotal.WithLabelValues("cel")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ConditionErrorsTotal))
}

func TestMetrics_Audit(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordAuditExport("stdout", true)
	m.RecordAuditExport("stdout", false)
	m.RecordAuditDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues("stdout", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditRecordsTotal.WithLabelValues("stdout", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDroppedTotal))
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	m := NewMetrics(nil)
	r := chi.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.Get("/api/{resource}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/{resource}", "418")))
}
