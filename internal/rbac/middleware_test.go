package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/shared"
)

type failingAuthorizer struct{}

func (failingAuthorizer) Authorize(ctx context.Context, principalID int64, module Module, action Action) (Decision, error) {
	return Decision{Reason: ReasonLookupFailed}, errors.New("db down")
}

func serveRequire(t *testing.T, gate Authorizer, principalID int64, module Module, action Action) (*httptest.ResponseRecorder, *Decision) {
	t.Helper()
	var seen *Decision
	mw := Middleware{Gate: gate}
	h := mw.Require(module, action)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFromContext(r.Context())
		require.True(t, ok)
		seen = &d
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if principalID != 0 {
		req = req.WithContext(shared.ContextWithPrincipalID(req.Context(), principalID, shared.AuthBearer))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, seen
}

func TestRequireStatusCodes(t *testing.T) {
	gate := newTestGate(t, testPrincipals())

	rr, d := serveRequire(t, gate, 2, ModuleClinical, ActionEdit)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, d)
	assert.Equal(t, ActionEdit, d.Action)

	rr, d = serveRequire(t, gate, 0, ModuleClinical, ActionEdit)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Nil(t, d)

	rr, _ = serveRequire(t, gate, 4, ModuleClinical, ActionEdit)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	var body httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "inactive", body.Reason)

	rr, _ = serveRequire(t, gate, 3, ModuleBilling, ActionDelete)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "no_rule", body.Reason)

	rr, _ = serveRequire(t, failingAuthorizer{}, 2, ModuleClinical, ActionView)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRespondError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{ErrInactivePrincipal, http.StatusForbidden, "inactive"},
		{Decision{Role: RolePharmacy, Module: ModuleHR, Action: ActionView, Reason: ReasonNoRule}.Err(), http.StatusForbidden, "no_rule"},
		{httpx.ErrNotFound, http.StatusNotFound, ""},
		{ErrDecisionMismatch, http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		var body httpx.ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, tc.reason, body.Reason)
	}
}
