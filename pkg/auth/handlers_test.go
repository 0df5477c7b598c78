package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

type handlerFixture struct {
	*fixture
	roles   *rbac.Store
	roleIDs map[string]int64
	router  *mux.Router
	tenant  int64
	admin   *Principal
	tech    *Principal
	other   *Principal
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	ctx := context.Background()
	f := &handlerFixture{fixture: newFixture(t), roleIDs: map[string]int64{}}
	f.roles = rbac.NewStore(f.db)
	require.NoError(t, rbac.SeedBuiltInRoles(ctx, f.roles))
	for _, name := range []string{rbac.RoleAdmin, rbac.RoleTechnician} {
		role, err := f.roles.GetGlobalRoleByName(ctx, name)
		require.NoError(t, err)
		f.roleIDs[name] = role.ID
	}

	f.tenant = createTenant(t, f.db, "acme", true)
	otherTenant := createTenant(t, f.db, "globex", true)
	f.admin = f.principal(t, f.tenant, "admin@acme.test", rbac.RoleAdmin)
	f.tech = f.principal(t, f.tenant, "tech@acme.test", rbac.RoleTechnician)
	f.other = f.principal(t, otherTenant, "admin@globex.test", rbac.RoleAdmin)

	f.router = mux.NewRouter()
	h := NewHandlers(f.service, f.users, f.roles, rbac.NewChecker(f.roles), f.audit, false)
	h.RegisterPublicRoutes(f.router)
	h.RegisterRoutes(f.router)
	return f
}

func (f *handlerFixture) principal(t *testing.T, tenant int64, email, role string) *Principal {
	t.Helper()
	ctx := context.Background()
	u := createUser(t, f.users, tenant, email, "correct-horse")
	require.NoError(t, f.roles.AssignRole(ctx, u.ID, f.roleIDs[role], nil))
	result, err := f.service.Login(ctx, email, "correct-horse", ClientInfo{})
	require.NoError(t, err)
	p, err := f.service.Authenticate(ctx, result.Token)
	require.NoError(t, err)
	return p
}

func (f *handlerFixture) do(t *testing.T, p *Principal, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		req = req.WithContext(contextkeys.WithPrincipal(req.Context(), p))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest))
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func TestHandlers_Login(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, nil, http.MethodPost, "/login", `{"email":"tech@acme.test","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result LoginResult
	decodeBody(t, w, &result)
	assert.Equal(t, "Bearer", result.TokenType)
	assert.NotEmpty(t, result.Token)
	assert.NotContains(t, w.Body.String(), "password_hash")

	w = f.do(t, nil, http.MethodPost, "/login", `{"email":"tech@acme.test","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, nil, http.MethodPost, "/login", `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandlers_Me(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, f.tech, http.MethodGet, "/me", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var me meResponse
	decodeBody(t, w, &me)
	assert.Equal(t, f.tech.User.ID, me.User.ID)
	assert.Equal(t, []string{rbac.RoleTechnician}, me.Roles)
	assert.Contains(t, me.Permissions, rbac.PermViewWorkOrders)
	assert.NotContains(t, me.Permissions, rbac.PermManageUsers)

	w = f.do(t, nil, http.MethodGet, "/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_LogoutEndsSession(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, f.tech, http.MethodPost, "/logout", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	var revoked int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = $1 AND revoked_at IS NOT NULL`, f.tech.SessionID).Scan(&revoked))
	assert.Equal(t, 1, revoked)
}

func TestHandlers_UserManagementRequiresPermissions(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, f.tech, http.MethodGet, "/users", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, f.tech, http.MethodPost, "/users", `{"email":"x@acme.test","name":"X","password":"password123"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlers_ListUsersIsTenantScoped(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, f.admin, http.MethodGet, "/users", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var users []User
	decodeList(t, w, &users)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.Equal(t, f.tenant, u.TenantID)
	}

	w = f.do(t, f.other, http.MethodGet, fmt.Sprintf("/users/%d", f.tech.User.ID), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_CreateUser(t *testing.T) {
	f := newHandlerFixture(t)

	body := fmt.Sprintf(`{"email":"New@Acme.test","name":"New","password":"password123","role_ids":[%d]}`, f.roleIDs[rbac.RoleTechnician])
	w := f.do(t, f.admin, http.MethodPost, "/users", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created User
	decodeBody(t, w, &created)
	assert.Equal(t, "new@acme.test", created.Email)
	assert.Equal(t, f.tenant, created.TenantID)

	roleIDs, err := f.roles.UserRoleIDs(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.roleIDs[rbac.RoleTechnician]}, roleIDs)

	_, err = f.service.Login(context.Background(), "new@acme.test", "password123", ClientInfo{})
	assert.NoError(t, err)

	assert.Contains(t, f.audit.types(), audit.EventTypeAdminUserCreate)
}

func TestHandlers_CreateUserRejectsForeignRole(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	foreign := &rbac.Role{Name: "dispatcher", DisplayName: "Dispatcher", TenantID: &f.other.User.TenantID}
	require.NoError(t, f.roles.CreateRole(ctx, foreign))

	body := fmt.Sprintf(`{"email":"new@acme.test","name":"New","password":"password123","role_ids":[%d]}`, foreign.ID)
	w := f.do(t, f.admin, http.MethodPost, "/users", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	exists, err := f.users.List(ctx, tenancy.ForTenant(f.tenant), 10, 0)
	require.NoError(t, err)
	assert.Len(t, exists, 2, "no user created")
}

func TestHandlers_DeactivateRevokesSessions(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, f.admin, http.MethodPut, fmt.Sprintf("/users/%d", f.tech.User.ID),
		`{"email":"tech@acme.test","name":"Tech","is_active":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var live int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND revoked_at IS NULL`, f.tech.User.ID).Scan(&live))
	assert.Zero(t, live)

	_, err := f.service.Login(context.Background(), "tech@acme.test", "correct-horse", ClientInfo{})
	assert.Error(t, err)
}

func TestHandlers_DeleteUser(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, f.admin, http.MethodDelete, fmt.Sprintf("/users/%d", f.admin.User.ID), "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, f.other, http.MethodDelete, fmt.Sprintf("/users/%d", f.tech.User.ID), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, f.admin, http.MethodDelete, fmt.Sprintf("/users/%d", f.tech.User.ID), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, f.audit.types(), audit.EventTypeAdminUserDelete)
}
