package principals

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phc-his/his/internal/platform/httpx"
	"github.com/phc-his/his/internal/rbac"
	"github.com/phc-his/his/internal/shared"
)

// roleGate allows what the embedded policy allows for a fixed role map.
type roleGate struct {
	roles map[int64]rbac.Role
	table *rbac.Table
}

func newRoleGate(t *testing.T) *roleGate {
	t.Helper()
	table, err := rbac.CompilePolicy(rbac.DefaultPolicy())
	require.NoError(t, err)
	return &roleGate{roles: map[int64]rbac.Role{1: rbac.RoleSuperadmin, 2: rbac.RolePhysician}, table: table}
}

func (g *roleGate) Authorize(ctx context.Context, id int64, module rbac.Module, action rbac.Action) (rbac.Decision, error) {
	d := rbac.Decision{PrincipalID: id, Module: module, Action: action}
	role, ok := g.roles[id]
	if !ok {
		d.Reason = rbac.ReasonUnauthenticated
		return d, nil
	}
	d.Role = role
	if g.table.Allows(role, module, action) {
		d.Allowed, d.Reason = true, rbac.ReasonGranted
	} else {
		d.Reason = rbac.ReasonNoRule
	}
	return d, nil
}

func newStaffRouter(t *testing.T, repo *stubRepo) http.Handler {
	t.Helper()
	svc := newTestService(repo, &recordingUoW{})
	h := NewHandler(nil, svc, rbac.Middleware{Gate: newRoleGate(t)})
	r := chi.NewRouter()
	r.Route("/api/staff", h.MountRoutes)
	return r
}

func call(h http.Handler, principalID int64, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if principalID != 0 {
		req = req.WithContext(shared.ContextWithPrincipalID(req.Context(), principalID, shared.AuthBearer))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStaffRoutesAreGated(t *testing.T) {
	router := newStaffRouter(t, newStubRepo(Staff{ID: 7, Role: rbac.RolePharmacy, Active: true}))

	assert.Equal(t, http.StatusUnauthorized, call(router, 0, http.MethodGet, "/api/staff", "").Code)
	assert.Equal(t, http.StatusForbidden, call(router, 2, http.MethodGet, "/api/staff", "").Code)
	assert.Equal(t, http.StatusForbidden, call(router, 2, http.MethodPost, "/api/staff/7/deactivate", "").Code)
	assert.Equal(t, http.StatusOK, call(router, 1, http.MethodGet, "/api/staff", "").Code)
}

func TestProvisionEndpoint(t *testing.T) {
	router := newStaffRouter(t, newStubRepo())

	rr := call(router, 1, http.MethodPost, "/api/staff", `{"email":"lab@his.test","name":"Lab","role":"laboratory","password":"long-enough"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var staff Staff
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &staff))
	assert.Equal(t, rbac.RoleLaboratory, staff.Role)

	rr = call(router, 1, http.MethodPost, "/api/staff", `{"email":"lab@his.test","name":"Lab","role":"laboratory","password":"long-enough"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = call(router, 1, http.MethodPost, "/api/staff", `{"email":"x@his.test","unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = call(router, 1, http.MethodPost, "/api/staff", `{"email":"x@his.test","name":"X","role":"janitor","password":"long-enough"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeactivateEndpoint(t *testing.T) {
	router := newStaffRouter(t, newStubRepo(Staff{ID: 7, Role: rbac.RolePharmacy, Active: true}, Staff{ID: 1, Role: rbac.RoleSuperadmin, Active: true}))

	rr := call(router, 1, http.MethodPost, "/api/staff/7/deactivate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var staff Staff
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &staff))
	assert.False(t, staff.Active)

	rr = call(router, 1, http.MethodPost, "/api/staff/1/deactivate", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = call(router, 1, http.MethodPost, "/api/staff/abc/deactivate", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = call(router, 1, http.MethodGet, "/api/staff/404", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, "Not Found", problem.Title)
}

func TestChangeRoleEndpoint(t *testing.T) {
	router := newStaffRouter(t, newStubRepo(Staff{ID: 7, Role: rbac.RolePharmacy, Active: true}))

	rr := call(router, 1, http.MethodPost, "/api/staff/7/role", `{"role":"cashier"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"role":"cashier"`)
}
