package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/shared"
)

type sessionHarness struct {
	t       *testing.T
	manager *shared.SessionManager
	router  chi.Router
	repo    *stubRepo
	auditor *captureAuditor
	redis   *miniredis.Miniredis
	cookie  *http.Cookie
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &sessionHarness{
		t:       t,
		manager: shared.NewSessionManager(client, "his_session", time.Hour, false),
		repo:    newStubRepo(t),
		auditor: &captureAuditor{},
		redis:   mr,
	}
	handler := NewHandler(nil, NewService(h.repo, h.auditor), h.manager, shared.NewCSRFManager("csrf-secret"))
	r := chi.NewRouter()
	r.Route("/auth", handler.MountRoutes)
	h.router = r
	return h
}

// do runs one request with the session loaded from the current cookie and
// committed afterwards.
func (h *sessionHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if h.cookie != nil {
		req.AddCookie(h.cookie)
	}
	ctx := context.Background()
	sess, err := h.manager.Load(ctx, req)
	require.NoError(h.t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)

	commit := httptest.NewRecorder()
	require.NoError(h.t, h.manager.Commit(ctx, commit, req, sess))
	for _, c := range commit.Result().Cookies() {
		if c.Name == h.manager.CookieName() {
			cp := *c
			h.cookie = &cp
		}
	}
	return rr
}

// seedAnonymousSession persists a pre-login session carrying some state.
func (h *sessionHarness) seedAnonymousSession() {
	h.t.Helper()
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := h.manager.Load(ctx, req)
	require.NoError(h.t, err)
	sess.Set("marker", "pre-login")
	rr := httptest.NewRecorder()
	require.NoError(h.t, h.manager.Commit(ctx, rr, req, sess))
	cookies := rr.Result().Cookies()
	require.Len(h.t, cookies, 1)
	h.cookie = cookies[0]
}

func TestLoginBindsPrincipalAndRotatesSession(t *testing.T) {
	h := newSessionHarness(t)

	rr := h.do(http.MethodGet, "/auth/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var anon sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &anon))
	assert.False(t, anon.Authenticated)
	assert.Empty(t, anon.CSRFToken)

	h.seedAnonymousSession()
	preLoginID := h.cookie.Value

	rr = h.do(http.MethodPost, "/auth/login", map[string]string{"email": "dr.sari@phc.example", "password": testPassword})
	require.Equal(t, http.StatusOK, rr.Code)
	var view sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.True(t, view.Authenticated)
	assert.Equal(t, int64(1), view.PrincipalID)
	assert.NotEmpty(t, view.CSRFToken)

	assert.NotEqual(t, preLoginID, h.cookie.Value)
	assert.False(t, h.redis.Exists("his:session:"+preLoginID))
	assert.Equal(t, 1, h.repo.sessionCount())

	rr = h.do(http.MethodGet, "/auth/session", nil)
	var after sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &after))
	assert.Equal(t, int64(1), after.PrincipalID)
	assert.Equal(t, view.CSRFToken, after.CSRFToken)

	events := h.auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, "login_session", events[0].Reason)
}

func TestLoginFailures(t *testing.T) {
	h := newSessionHarness(t)

	rr := h.do(http.MethodPost, "/auth/login", map[string]string{"email": "dr.sari@phc.example", "password": "not-the-password"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = h.do(http.MethodPost, "/auth/login", map[string]string{"email": "old.nurse@phc.example", "password": testPassword})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = h.do(http.MethodPost, "/auth/login", map[string]string{"email": "not-an-email", "password": testPassword})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, "Validation Failed", problem.Title)

	rr = h.do(http.MethodPost, "/auth/login", map[string]any{"email": "dr.sari@phc.example", "password": testPassword, "role": "superadmin"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Zero(t, h.repo.sessionCount())
	assert.Len(t, h.auditor.all(), 2)
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newSessionHarness(t)
	rr := h.do(http.MethodPost, "/auth/login", map[string]string{"email": "dr.sari@phc.example", "password": testPassword})
	require.Equal(t, http.StatusOK, rr.Code)
	sessionID := h.cookie.Value
	require.True(t, h.redis.Exists("his:session:"+sessionID))

	rr = h.do(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, h.redis.Exists("his:session:"+sessionID))
	assert.Zero(t, h.repo.sessionCount())

	events := h.auditor.all()
	require.Len(t, events, 2)
	assert.Equal(t, "logout", events[1].Reason)
}

func newAPIRouter(t *testing.T) (chi.Router, *TokenIssuer, *stubRepo) {
	t.Helper()
	repo := newStubRepo(t)
	issuer := newTestIssuer()
	handler := NewAPIHandler(nil, NewService(repo, &captureAuditor{}), issuer)
	r := chi.NewRouter()
	r.Use(Resolver{Tokens: issuer}.Middleware)
	r.Route("/api/auth", handler.MountRoutes)
	return r, issuer, repo
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestAPILoginRefreshAndMe(t *testing.T) {
	r, _, _ := newAPIRouter(t)

	rr := postJSON(t, r, "/api/auth/login", map[string]string{"email": "dr.sari@phc.example", "password": testPassword})
	require.Equal(t, http.StatusOK, rr.Code)
	var pair TokenPair
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var acc Account
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &acc))
	assert.Equal(t, "dr.sari@phc.example", acc.Email)
	assert.NotContains(t, rr.Body.String(), "password")

	rr = postJSON(t, r, "/api/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = postJSON(t, r, "/api/auth/refresh", map[string]string{"refresh_token": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAPIRefreshRejectsDeactivatedPrincipal(t *testing.T) {
	r, issuer, _ := newAPIRouter(t)
	pair, err := issuer.Issue(2)
	require.NoError(t, err)

	rr := postJSON(t, r, "/api/auth/refresh", map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, "inactive", problem.Reason)
}

func TestAPIMeRequiresToken(t *testing.T) {
	r, _, _ := newAPIRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
