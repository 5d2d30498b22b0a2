package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phc-his/his/internal/shared"
)

func resolve(t *testing.T, res Resolver, req *http.Request) (int64, shared.AuthMethod) {
	t.Helper()
	var (
		id     int64
		method shared.AuthMethod
	)
	h := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = shared.PrincipalIDFromContext(r.Context())
		method = shared.AuthMethodFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	return id, method
}

func TestResolverBearer(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.Issue(9)
	require.NoError(t, err)
	res := Resolver{Tokens: issuer}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	id, method := resolve(t, res, req)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, shared.AuthBearer, method)
}

func TestResolverInvalidBearerStaysAnonymous(t *testing.T) {
	issuer := newTestIssuer()
	pair, err := issuer.Issue(9)
	require.NoError(t, err)
	res := Resolver{Tokens: issuer}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	sess := &shared.Session{ID: "s"}
	sess.SetPrincipal(3, time.Now())
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	id, method := resolve(t, res, req)
	assert.Zero(t, id)
	assert.Equal(t, shared.AuthNone, method)
}

func TestResolverSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess := &shared.Session{ID: "s"}
	sess.SetPrincipal(3, time.Now())
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	id, method := resolve(t, Resolver{Tokens: newTestIssuer()}, req)
	assert.Equal(t, int64(3), id)
	assert.Equal(t, shared.AuthSession, method)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]bool{
		"":              false,
		"Bearer":        false,
		"Bearer   ":     false,
		"Basic abc":     false,
		"bearer abc":    true,
		"Bearer abc.de": true,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		_, ok := bearerToken(req)
		assert.Equal(t, want, ok, header)
	}
}
