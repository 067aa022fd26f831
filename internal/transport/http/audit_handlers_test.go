package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/audit"
	"github.com/your-org/pbac-service/pkg/errors"
)

// =============================================================================
// Mock Audit Reader
// =============================================================================

type mockAuditReader struct {
	queries []audit.Query
	page    *audit.Page
	err     error
}

func (m *mockAuditReader) Query(_ context.Context, q audit.Query) (*audit.Page, error) {
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}
	if m.page != nil {
		return m.page, nil
	}
	return &audit.Page{Page: q.Page, Size: q.Size}, nil
}

func (m *mockAuditReader) last() audit.Query {
	if len(m.queries) == 0 {
		return audit.Query{}
	}
	return m.queries[len(m.queries)-1]
}

func newAuditServer(authz Authorizer, reader AuditReader, guard bool) http.Handler {
	var hopts []HandlerOption
	if reader != nil {
		hopts = append(hopts, WithAuditReader(reader))
	}
	h := newTestHandler(authz, hopts...)

	var opts []ServerOption
	if guard {
		opts = append(opts, WithGuard(NewGuard(config.GuardConfig{Enabled: true}, authz, NewPrincipalExtractor(principalConfig()))))
	}
	return NewServer(ServerConfig{Endpoints: testEndpoints()}, h, opts...).Router()
}

func decodeAuditPage(t *testing.T, rec *httptest.ResponseRecorder) AuditPageResponse {
	t.Helper()
	var page AuditPageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	return page
}

// =============================================================================
// Audit API Tests
// =============================================================================

func TestAuditAPI_RoutesToQuery(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	tests := []struct {
		name string
		path string
		want audit.Query
	}{
		{
			name: "by user",
			path: "/api/audit/user/alice",
			want: audit.Query{PrincipalID: "alice", Size: audit.DefaultPageSize},
		},
		{
			name: "by resource and action",
			path: "/api/audit/resource/documents/action/read?page=2&size=5",
			want: audit.Query{Resource: "documents", Action: "read", Page: 2, Size: 5},
		},
		{
			name: "denied",
			path: "/api/audit/denied",
			want: audit.Query{Decision: domain.DecisionDeny, Size: audit.DefaultPageSize},
		},
		{
			name: "time range",
			path: "/api/audit?from=2026-03-01T00:00:00Z&to=2026-03-01T01:00:00Z",
			want: audit.Query{From: from, To: to, Size: audit.DefaultPageSize},
		},
		{
			name: "listing filters",
			path: "/api/audit?principal=bob&decision=ALLOW&resource=orders&action=GET",
			want: audit.Query{PrincipalID: "bob", Decision: domain.DecisionAllow, Resource: "orders", Action: "GET", Size: audit.DefaultPageSize},
		},
		{
			name: "size capped",
			path: "/api/audit/denied?size=100000",
			want: audit.Query{Decision: domain.DecisionDeny, Size: audit.MaxPageSize},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &mockAuditReader{}
			router := newAuditServer(&mockAuthorizer{}, reader, false)

			rec := doRequest(t, router, http.MethodGet, tt.path, nil)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, reader.queries, 1)
			got := reader.last()
			assert.True(t, tt.want.From.Equal(got.From))
			assert.True(t, tt.want.To.Equal(got.To))
			got.From, got.To = tt.want.From, tt.want.To
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuditAPI_BadParameters(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"negative page", "/api/audit/denied?page=-1"},
		{"non numeric size", "/api/audit/user/alice?size=ten"},
		{"bad timestamp", "/api/audit?from=yesterday"},
		{"inverted range", "/api/audit?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z"},
		{"unknown decision", "/api/audit?decision=MAYBE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &mockAuditReader{}
			router := newAuditServer(&mockAuthorizer{}, reader, false)

			rec := doRequest(t, router, http.MethodGet, tt.path, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, errors.CodeBadRequest, decodeError(t, rec).Code)
			assert.Empty(t, reader.queries)
		})
	}
}

func TestAuditAPI_ReaderFailure(t *testing.T) {
	reader := &mockAuditReader{err: errors.Wrap(errors.ErrServiceUnavailable, "audit_logs")}
	router := newAuditServer(&mockAuthorizer{}, reader, false)

	rec := doRequest(t, router, http.MethodGet, "/api/audit/denied", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, errors.CodeUnavailable, decodeError(t, rec).Code)
}

func TestAuditAPI_NotMountedWithoutReader(t *testing.T) {
	router := newAuditServer(&mockAuthorizer{}, nil, false)

	rec := doRequest(t, router, http.MethodGet, "/api/audit/denied", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditAPI_PagesNewestFirst(t *testing.T) {
	mem := audit.NewMemoryExporter(100)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var records []*domain.AuditRecord
	for i, id := range []string{"a1", "a2", "a3"} {
		records = append(records, &domain.AuditRecord{
			ID:          id,
			PrincipalID: "alice",
			Resource:    "orders",
			Action:      "GET",
			Decision:    domain.DecisionDeny,
			Reason:      "No applicable policy",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, mem.Export(context.Background(), records))
	router := newAuditServer(&mockAuthorizer{}, mem, false)

	rec := doRequest(t, router, http.MethodGet, "/api/audit/user/alice?size=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeAuditPage(t, rec)
	require.Len(t, page.Content, 2)
	assert.Equal(t, "a3", page.Content[0].ID)
	assert.Equal(t, "a2", page.Content[1].ID)
	assert.Equal(t, 3, page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)

	rec = doRequest(t, router, http.MethodGet, "/api/audit/user/alice?size=2&page=1", nil)
	page = decodeAuditPage(t, rec)
	require.Len(t, page.Content, 1)
	assert.Equal(t, "a1", page.Content[0].ID)

	rec = doRequest(t, router, http.MethodGet, "/api/audit/user/bob", nil)
	page = decodeAuditPage(t, rec)
	assert.NotNil(t, page.Content)
	assert.Empty(t, page.Content)
	assert.Equal(t, 0, page.TotalPages)
}

func TestAuditAPI_Guarded(t *testing.T) {
	authz := &mockAuthorizer{decideFn: adminOnly}
	reader := &mockAuditReader{}
	router := newAuditServer(authz, reader, true)

	req := httptest.NewRequest(http.MethodGet, "/api/audit/denied", nil)
	req.Header.Set("X-Principal-Id", "bob")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, reader.queries)

	req = httptest.NewRequest(http.MethodGet, "/api/audit/denied", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/audit/denied", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	actx := authz.last()
	require.NotNil(t, actx)
	assert.Equal(t, "audit", actx.Resource)
	assert.Equal(t, http.MethodGet, actx.Action)
}
