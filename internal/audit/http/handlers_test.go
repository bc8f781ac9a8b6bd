package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/audit"
	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/view"
)

type stubActivityService struct {
	entries     []audit.Entry
	lastFilters audit.Filters
}

func (s *stubActivityService) List(_ context.Context, q shared.PageQuery, f audit.Filters) (audit.ListResult, error) {
	s.lastFilters = f
	return audit.ListResult{Entries: s.entries, Pagination: shared.NewPagination(q.Page, q.PerPage, len(s.entries)), Sort: q.Sort, Filters: f}, nil
}

func (s *stubActivityService) Get(_ context.Context, id int64) (audit.Entry, error) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return audit.Entry{}, shared.ErrNotFound
}

func (s *stubActivityService) Export(_ context.Context, f audit.Filters) ([]audit.Entry, error) {
	s.lastFilters = f
	return s.entries, nil
}

type grantsByUser map[int64]rbac.Grants

func (g grantsByUser) Grants(_ context.Context, p rbac.Principal) (rbac.Grants, error) {
	return g[p.UserID], nil
}

const (
	auditorID  = int64(2)
	outsiderID = int64(3)
)

func newRouter(t *testing.T, service ActivityService) chi.Router {
	t.Helper()
	templates, err := view.NewEngine("Backoffice")
	require.NoError(t, err)
	grants := grantsByUser{
		auditorID: {Permissions: map[string]struct{}{shared.PermViewActivityLogs: {}}},
	}
	mw := rbac.Middleware{Engine: rbac.NewEngine(grants, rbac.DefaultGates(), nil, nil)}
	h := NewHandler(nil, service, templates, shared.NewCSRFManager("secret"), mw)
	h.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Route("/activity-logs", h.MountRoutes)
	return r
}

func request(method, target string, actor int64, jsonAccept bool) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if jsonAccept {
		req.Header.Set("Accept", "application/json")
	}
	if actor > 0 {
		req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	}
	return req
}

func sampleEntries() []audit.Entry {
	causer := int64(1)
	return []audit.Entry{
		{ID: 1, Event: shared.EventCreated, Description: "Created Role", SubjectType: "role", CauserID: &causer, CauserName: "Root", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 2, Event: shared.EventDeleted, Description: "Deleted User", SubjectType: "user", CreatedAt: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)},
	}
}

func TestListRequiresPermission(t *testing.T) {
	r := newRouter(t, &stubActivityService{})

	res := httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/", outsiderID, true))
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/", 0, true))
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestListJSON(t *testing.T) {
	svc := &stubActivityService{entries: sampleEntries()}
	r := newRouter(t, svc)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/?filter[event]=created&causer_id=1&per_page=7", auditorID, true))
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		Data []audit.Entry      `json:"data"`
		Meta shared.Pagination `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
	assert.Equal(t, 10, body.Meta.PerPage)
	assert.Equal(t, "created", svc.lastFilters.Event)
	assert.Equal(t, int64(1), svc.lastFilters.CauserID)
}

func TestListRejectsBadDates(t *testing.T) {
	r := newRouter(t, &stubActivityService{})
	res := httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/?from=yesterday", auditorID, true))
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Contains(t, res.Body.String(), "from")
}

func TestShowEntry(t *testing.T) {
	r := newRouter(t, &stubActivityService{entries: sampleEntries()})

	res := httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/1", auditorID, false))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "Created Role")

	res = httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/99", auditorID, true))
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestExportCSV(t *testing.T) {
	r := newRouter(t, &stubActivityService{entries: sampleEntries()})

	res := httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/export.csv", auditorID, false))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "text/csv; charset=utf-8", res.Header().Get("Content-Type"))
	assert.Contains(t, res.Header().Get("Content-Disposition"), "activity-log-20240301.csv")
	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	assert.Len(t, lines, 3)
}

func TestExportIsRateLimited(t *testing.T) {
	r := newRouter(t, &stubActivityService{})
	for i := 0; i < rateLimit; i++ {
		res := httptest.NewRecorder()
		r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/export.csv", auditorID, false))
		require.Equal(t, http.StatusOK, res.Code)
	}
	res := httptest.NewRecorder()
	r.ServeHTTP(res, request(http.MethodGet, "/activity-logs/export.csv", auditorID, false))
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
}
