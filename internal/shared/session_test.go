package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "backoffice_session", "secret", time.Hour, false), mr
}

func commit(t *testing.T, sm *SessionManager, sess *Session) *http.Cookie {
	t.Helper()
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(context.Background(), res, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	cookies := res.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func load(t *testing.T, sm *SessionManager, cookie *http.Cookie) *Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	sess.SetUser("42")
	sess.AddFlash(FlashMessage{Kind: "success", Message: "User created."})
	cookie := commit(t, sm, sess)
	assert.Equal(t, "backoffice_session", cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, mr.Exists("backoffice:session:"+cookie.Value))

	restored := load(t, sm, cookie)
	id, ok := restored.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	flash := restored.PopFlash()
	require.NotNil(t, flash)
	assert.Equal(t, "User created.", flash.Message)
	assert.Nil(t, restored.PopFlash())
}

func TestSessionUnknownIDIsNotAdopted(t *testing.T) {
	sm, _ := newTestSessionManager(t)
	sess := load(t, sm, &http.Cookie{Name: "backoffice_session", Value: "attacker-chosen"})
	assert.NotEqual(t, "attacker-chosen", sess.ID)
	_, ok := sess.UserID()
	assert.False(t, ok)
}

func TestSessionRegenerateDropsOldID(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	first := commit(t, sm, sess)

	restored := load(t, sm, first)
	restored.Regenerate()
	restored.SetUser("7")
	second := commit(t, sm, restored)

	assert.NotEqual(t, first.Value, second.Value)
	assert.False(t, mr.Exists("backoffice:session:"+first.Value))
	assert.True(t, mr.Exists("backoffice:session:"+second.Value))
}

func TestSessionDestroyClearsCookie(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	first := commit(t, sm, sess)

	restored := load(t, sm, first)
	sm.Destroy(restored)
	cleared := commit(t, sm, restored)
	assert.Equal(t, -1, cleared.MaxAge)
	assert.False(t, mr.Exists("backoffice:session:"+first.Value))
}

func TestSessionRevokeUser(t *testing.T) {
	sm, mr := newTestSessionManager(t)
	var cookies []*http.Cookie
	for range 2 {
		sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		sess.SetUser("9")
		cookies = append(cookies, commit(t, sm, sess))
	}
	other, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	other.SetUser("10")
	kept := commit(t, sm, other)

	require.NoError(t, sm.RevokeUser(context.Background(), 9))
	for _, c := range cookies {
		assert.False(t, mr.Exists("backoffice:session:"+c.Value))
	}
	assert.False(t, mr.Exists("backoffice:user-sessions:9"))
	assert.True(t, mr.Exists("backoffice:session:"+kept.Value))

	_, ok := load(t, sm, cookies[0]).UserID()
	assert.False(t, ok)
}

func TestCSRFToken(t *testing.T) {
	sm, _ := newTestSessionManager(t)
	m := NewCSRFManager("csrf-secret")
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	token, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	again, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	assert.NoError(t, m.VerifyToken(context.Background(), sess, token))
	assert.ErrorIs(t, m.VerifyToken(context.Background(), sess, "forged"), ErrCSRFTokenMismatch)
	assert.ErrorIs(t, m.VerifyToken(context.Background(), sess, ""), ErrCSRFTokenMissing)
	assert.ErrorIs(t, m.VerifyToken(context.Background(), nil, token), ErrCSRFTokenMissing)
}

func TestCSRFProtect(t *testing.T) {
	sm, _ := newTestSessionManager(t)
	m := NewCSRFManager("csrf-secret")
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	token, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)

	handler := m.Protect(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	send := func(method, headerToken string) int {
		req := httptest.NewRequest(method, "/roles", nil)
		if headerToken != "" {
			req.Header.Set(CSRFHeader, headerToken)
		}
		req = req.WithContext(ContextWithSession(req.Context(), sess))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	assert.Equal(t, http.StatusNoContent, send(http.MethodGet, ""))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, ""))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "forged"))
	assert.Equal(t, http.StatusNoContent, send(http.MethodPost, token))
}
