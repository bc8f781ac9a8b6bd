package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyrem/backoffice/internal/rbac"
	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/internal/users"
	"github.com/skyrem/backoffice/internal/view"
)

type fakeAccounts map[int64]users.User

func (f fakeAccounts) GetUser(_ context.Context, id int64) (users.User, error) {
	u, ok := f[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return u, nil
}

type grantsByUser map[int64]rbac.Grants

func (g grantsByUser) Grants(_ context.Context, p rbac.Principal) (rbac.Grants, error) {
	return g[p.UserID], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSessionManager(t *testing.T) *shared.SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return shared.NewSessionManager(client, "backoffice_session", "secret", time.Hour, false)
}

func requestWithSession(t *testing.T, sm *shared.SessionManager, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(req.Context(), req)
	require.NoError(t, err)
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func TestRequireLogin(t *testing.T) {
	handler := RequireLogin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		actor      int64
		accept     string
		wantStatus int
		wantLoc    string
	}{
		{name: "anonymous browser", wantStatus: http.StatusSeeOther, wantLoc: "/auth/login"},
		{name: "anonymous json client", accept: "application/json", wantStatus: http.StatusUnauthorized},
		{name: "signed in", actor: 4, wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/users", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			if tt.actor > 0 {
				req = req.WithContext(shared.ContextWithActor(req.Context(), tt.actor))
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			assert.Equal(t, tt.wantStatus, res.Code)
			assert.Equal(t, tt.wantLoc, res.Header().Get("Location"))
		})
	}
}

func TestActorMiddlewareFillsLayout(t *testing.T) {
	sm := newSessionManager(t)
	accounts := fakeAccounts{
		7: {ID: 7, Name: "Grace", Email: "grace@example.com", Roles: []rbac.Role{{ID: 3, Name: "content-manager"}}},
	}
	grants := grantsByUser{
		7: {Roles: []string{"content-manager"}, Permissions: map[string]struct{}{shared.PermViewUsers: {}, shared.PermCreateUsers: {}}},
	}
	engine := rbac.NewEngine(grants, rbac.DefaultGates(), nil, nil)

	var (
		actor  int64
		ok     bool
		layout view.Layout
	)
	handler := ActorMiddleware(engine, accounts, discardLogger())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		actor, ok = shared.ActorFromContext(r.Context())
		layout = view.LayoutFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), requestWithSession(t, sm, "7"))

	require.True(t, ok)
	assert.Equal(t, int64(7), actor)
	require.NotNil(t, layout.User)
	assert.Equal(t, "Grace", layout.User.Name)
	assert.Equal(t, "Content Manager", layout.User.RoleLabel)
	assert.True(t, layout.Can["users.viewAny"])
	assert.True(t, layout.Can["users.create"])
	assert.False(t, layout.Can["users.delete"])
	assert.False(t, layout.Can["roles.manage"])
	assert.False(t, layout.Can["superadmin"])
}

func TestActorMiddlewareTreatsMissingAccountAsAnonymous(t *testing.T) {
	sm := newSessionManager(t)
	tests := []struct {
		name   string
		userID string
	}{
		{name: "no user in session"},
		{name: "deleted account", userID: "99"},
		{name: "garbage user id", userID: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := ActorMiddleware(nil, fakeAccounts{}, discardLogger())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				called = true
				_, ok := shared.ActorFromContext(r.Context())
				assert.False(t, ok)
				assert.Nil(t, view.LayoutFromContext(r.Context()).User)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), requestWithSession(t, sm, tt.userID))
			assert.True(t, called)
		})
	}
}

func TestMiddlewareStackRejectsPostWithoutCSRFToken(t *testing.T) {
	sm := newSessionManager(t)
	csrf := shared.NewCSRFManager("csrf-secret")

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	stack := MiddlewareStack(MiddlewareConfig{
		Logger:         discardLogger(),
		Config:         &Config{AppEnv: "development", AppRequestTimeout: time.Second},
		SessionManager: sm,
		CSRFManager:    csrf,
	})
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", res.Header().Get("X-Frame-Options"))

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	assert.Equal(t, http.StatusForbidden, res.Code)
}
