package rbac

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// UserDirectory confirms that a user belongs to the caller's tenant before a
// role is granted or revoked.
type UserDirectory interface {
	Exists(ctx context.Context, scope tenancy.Scope, userID int64) (bool, error)
}

// Handlers provides HTTP handlers for role management and role assignment
type Handlers struct {
	store       *Store
	checker     *Checker
	guard       *PermissionMiddleware
	users       UserDirectory
	auditLogger audit.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(store *Store, checker *Checker, users UserDirectory, auditLogger audit.Logger) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handlers{
		store:       store,
		checker:     checker,
		guard:       NewPermissionMiddleware(checker),
		users:       users,
		auditLogger: auditLogger,
	}
}

// RegisterRoutes registers all RBAC routes on an authenticated router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	view := h.guard.Require(PermViewRoles)
	manage := h.guard.Require(PermManageRoles)

	router.Handle("/roles", view(http.HandlerFunc(h.ListRoles))).Methods(http.MethodGet)
	router.Handle("/roles", manage(http.HandlerFunc(h.CreateRole))).Methods(http.MethodPost)
	router.Handle("/roles/{id}", view(http.HandlerFunc(h.GetRole))).Methods(http.MethodGet)
	router.Handle("/roles/{id}", manage(http.HandlerFunc(h.UpdateRole))).Methods(http.MethodPut)
	router.Handle("/roles/{id}", manage(http.HandlerFunc(h.DeleteRole))).Methods(http.MethodDelete)

	router.Handle("/users/{id}/roles", view(http.HandlerFunc(h.GetUserRoles))).Methods(http.MethodGet)
	router.Handle("/users/{id}/roles", manage(http.HandlerFunc(h.AssignRole))).Methods(http.MethodPost)
	router.Handle("/users/{id}/roles/{role_id}", manage(http.HandlerFunc(h.RevokeRole))).Methods(http.MethodDelete)
}

type roleRequest struct {
	Name         string       `json:"name" validate:"required,min=2,max=100"`
	DisplayName  string       `json:"display_name" validate:"required,max=255"`
	Description  string       `json:"description" validate:"max=1000"`
	ParentRoleID *int64       `json:"parent_role_id,omitempty"`
	Permissions  []Permission `json:"permissions"`
}

// ListRoles handles GET /roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	roles, err := h.store.ListRoles(r.Context(), scope.TenantID())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

// GetRole handles GET /roles/{id}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	_, role, err := h.visibleRole(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// CreateRole handles POST /roles. New roles always belong to the caller's
// tenant.
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var req roleRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := validatePermissions(req.Permissions); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	tenantID := scope.TenantID()
	role := &Role{
		TenantID:     &tenantID,
		Name:         req.Name,
		DisplayName:  req.DisplayName,
		Description:  req.Description,
		ParentRoleID: req.ParentRoleID,
		Permissions:  req.Permissions,
	}
	if err := h.checkParent(ctx, scope, 0, req.ParentRoleID); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	if err := h.store.CreateRole(ctx, role); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeAuthzRoleChange, role.ID, "role created", map[string]interface{}{"name": role.Name})
	_ = httputil.WriteCreated(w, role)
}

// UpdateRole handles PUT /roles/{id}. Built-in and global roles are
// read-only.
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, role, err := h.visibleRole(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if role.IsBuiltIn || role.TenantID == nil {
		httputil.WriteAppError(w, r, apperr.Forbidden("built-in roles cannot be modified"))
		return
	}

	var req roleRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Name != role.Name {
		httputil.WriteAppError(w, r, apperr.FieldError("name", "cannot be changed"))
		return
	}
	if err := validatePermissions(req.Permissions); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := h.checkParent(ctx, scope, role.ID, req.ParentRoleID); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	role.DisplayName = req.DisplayName
	role.Description = req.Description
	role.ParentRoleID = req.ParentRoleID
	role.Permissions = req.Permissions

	if err := h.store.UpdateRole(ctx, role); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeAuthzRoleChange, role.ID, "role updated", map[string]interface{}{"permissions": role.Permissions})
	_ = httputil.WriteSuccess(w, role)
}

// DeleteRole handles DELETE /roles/{id}
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, role, err := h.visibleRole(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if role.IsBuiltIn || role.TenantID == nil {
		httputil.WriteAppError(w, r, apperr.Forbidden("built-in roles cannot be deleted"))
		return
	}

	if err := h.store.DeleteRole(ctx, role.ID); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeAuthzRoleChange, role.ID, "role deleted", map[string]interface{}{"name": role.Name})
	httputil.WriteNoContent(w)
}

type userRolesResponse struct {
	UserID      int64        `json:"user_id"`
	Roles       []*Role      `json:"roles"`
	Effective   []string     `json:"effective_roles"`
	Permissions []Permission `json:"permissions"`
}

type tenantSubject struct {
	userID   int64
	tenantID int64
}

func (s tenantSubject) SubjectID() int64      { return s.userID }
func (s tenantSubject) OwningTenantID() int64 { return s.tenantID }

// GetUserRoles handles GET /users/{id}/roles
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, userID, err := h.tenantUser(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	roles, err := h.store.UserRoles(ctx, userID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	res, err := h.checker.Resolve(ctx, tenantSubject{userID: userID, tenantID: scope.TenantID()})
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	_ = httputil.WriteSuccess(w, userRolesResponse{
		UserID:      userID,
		Roles:       roles,
		Effective:   res.Roles,
		Permissions: res.Permissions.Sorted(),
	})
}

// AssignRole handles POST /users/{id}/roles
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, userID, err := h.tenantUser(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var req struct {
		RoleID int64 `json:"role_id" validate:"required,gt=0"`
	}
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	role, err := h.store.GetRole(ctx, req.RoleID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !role.VisibleTo(scope.TenantID()) {
		httputil.WriteAppError(w, r, apperr.NotFound("role"))
		return
	}

	var grantedBy *int64
	if subject, ok := SubjectFromContext(ctx); ok {
		id := subject.SubjectID()
		grantedBy = &id
	}
	if err := h.store.AssignRole(ctx, userID, role.ID, grantedBy); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeAuthzRoleGrant, role.ID, fmt.Sprintf("role %s granted to user %d", role.Name, userID),
		map[string]interface{}{"user_id": userID, "role": role.Name})
	httputil.WriteNoContent(w)
}

// RevokeRole handles DELETE /users/{id}/roles/{role_id}
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, userID, err := h.tenantUser(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	roleID, err := httputil.ParsePathInt64(r, "role_id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	role, err := h.store.GetRole(ctx, roleID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !role.VisibleTo(scope.TenantID()) {
		httputil.WriteAppError(w, r, apperr.NotFound("role"))
		return
	}

	if err := h.store.RevokeRole(ctx, userID, role.ID); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.logAudit(ctx, audit.EventTypeAuthzRoleRevoke, role.ID, fmt.Sprintf("role %s revoked from user %d", role.Name, userID),
		map[string]interface{}{"user_id": userID, "role": role.Name})
	httputil.WriteNoContent(w)
}

// visibleRole loads the role named by the path variable key, hiding roles of
// other tenants behind NotFound.
func (h *Handlers) visibleRole(r *http.Request, key string) (tenancy.Scope, *Role, error) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		return scope, nil, err
	}
	id, err := httputil.ParsePathInt64(r, key)
	if err != nil {
		return scope, nil, err
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		return scope, nil, err
	}
	if !role.VisibleTo(scope.TenantID()) {
		return scope, nil, apperr.NotFound("role")
	}
	return scope, role, nil
}

// tenantUser parses {id} and confirms the user belongs to the caller's tenant.
func (h *Handlers) tenantUser(r *http.Request) (tenancy.Scope, int64, error) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		return scope, 0, err
	}
	userID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		return scope, 0, err
	}
	ok, err := h.users.Exists(r.Context(), scope, userID)
	if err != nil {
		return scope, 0, err
	}
	if !ok {
		return scope, 0, apperr.NotFound("user")
	}
	return scope, userID, nil
}

// checkParent verifies the proposed parent is visible to the tenant and that
// linking it would not make roleID its own ancestor.
func (h *Handlers) checkParent(ctx context.Context, scope tenancy.Scope, roleID int64, parentID *int64) error {
	if parentID == nil {
		return nil
	}
	parent, err := h.store.GetRole(ctx, *parentID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return apperr.FieldError("parent_role_id", "unknown role")
		}
		return err
	}
	if !parent.VisibleTo(scope.TenantID()) {
		return apperr.FieldError("parent_role_id", "unknown role")
	}
	if roleID == 0 {
		return nil
	}

	graph, err := h.store.RoleGraph(ctx, []int64{*parentID})
	if err != nil {
		return err
	}
	if _, cyclic := graph[roleID]; cyclic {
		return apperr.FieldError("parent_role_id", "would create an inheritance cycle")
	}
	return nil
}

func validatePermissions(perms []Permission) error {
	for _, p := range perms {
		if !IsKnown(p) {
			return apperr.FieldError("permissions", fmt.Sprintf("unknown permission %q", p))
		}
	}
	return nil
}

func (h *Handlers) logAudit(ctx context.Context, eventType audit.EventType, roleID int64, message string, metadata map[string]interface{}) {
	err := audit.LogSuccess(ctx, h.auditLogger, eventType, audit.ResourceTypeRole, strconv.FormatInt(roleID, 10), message, metadata)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}
