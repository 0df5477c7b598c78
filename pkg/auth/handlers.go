package auth

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Handlers serves the session endpoints and user management.
type Handlers struct {
	service    *Service
	users      *UserStore
	roles      *rbac.Store
	checker    *rbac.Checker
	guard      *rbac.PermissionMiddleware
	audit      audit.Logger
	trustProxy bool
}

// NewHandlers creates auth handlers.
func NewHandlers(service *Service, users *UserStore, roles *rbac.Store, checker *rbac.Checker, auditLogger audit.Logger, trustProxy bool) *Handlers {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handlers{
		service:    service,
		users:      users,
		roles:      roles,
		checker:    checker,
		guard:      rbac.NewPermissionMiddleware(checker),
		audit:      auditLogger,
		trustProxy: trustProxy,
	}
}

// RegisterPublicRoutes registers routes reachable without a token.
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/login", h.Login).Methods(http.MethodPost)
}

// RegisterRoutes registers routes that require an authenticated principal.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
	router.HandleFunc("/refresh", h.Refresh).Methods(http.MethodPost)
	router.HandleFunc("/me", h.Me).Methods(http.MethodGet)

	view := h.guard.Require(rbac.PermViewUsers)
	manage := h.guard.Require(rbac.PermManageUsers)
	router.Handle("/users", view(http.HandlerFunc(h.ListUsers))).Methods(http.MethodGet)
	router.Handle("/users", manage(http.HandlerFunc(h.CreateUser))).Methods(http.MethodPost)
	router.Handle("/users/{id}", view(http.HandlerFunc(h.GetUser))).Methods(http.MethodGet)
	router.Handle("/users/{id}", manage(http.HandlerFunc(h.UpdateUser))).Methods(http.MethodPut)
	router.Handle("/users/{id}", manage(http.HandlerFunc(h.DeleteUser))).Methods(http.MethodDelete)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, h.clientInfo(r))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// Logout handles POST /logout
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteAppError(w, r, apperr.Unauthorized(""))
		return
	}
	if err := h.service.Logout(r.Context(), p); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Refresh handles POST /refresh
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteAppError(w, r, apperr.Unauthorized(""))
		return
	}
	result, err := h.service.Refresh(r.Context(), p, h.clientInfo(r))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

type meResponse struct {
	User        *User             `json:"user"`
	Roles       []string          `json:"roles"`
	Permissions []rbac.Permission `json:"permissions"`
}

// Me handles GET /me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteAppError(w, r, apperr.Unauthorized(""))
		return
	}
	res, err := h.checker.Resolve(r.Context(), p)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	roles := res.Roles
	if roles == nil {
		roles = []string{}
	}
	_ = httputil.WriteSuccess(w, meResponse{User: p.User, Roles: roles, Permissions: res.Permissions.Sorted()})
}

// ListUsers handles GET /users
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	page, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	users, err := h.users.List(r.Context(), scope, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteList(w, users, page)
}

// GetUser handles GET /users/{id}
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	user, err := h.users.Get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, user)
}

type createUserRequest struct {
	Email    string  `json:"email" validate:"required,email,max=255"`
	Name     string  `json:"name" validate:"required,max=255"`
	Password string  `json:"password" validate:"required,min=8,max=72"`
	RoleIDs  []int64 `json:"role_ids"`
}

// CreateUser handles POST /users. The new user always joins the caller's
// tenant.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var req createUserRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	roles := make([]*rbac.Role, 0, len(req.RoleIDs))
	for _, id := range req.RoleIDs {
		role, err := h.roles.GetRole(ctx, id)
		if err != nil || !role.VisibleTo(scope.TenantID()) {
			if err == nil || apperr.IsNotFound(err) {
				err = apperr.FieldError("role_ids", "unknown role "+strconv.FormatInt(id, 10))
			}
			httputil.WriteAppError(w, r, err)
			return
		}
		roles = append(roles, role)
	}

	hash, err := h.service.HashPassword(req.Password)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	user := &User{Email: req.Email, Name: req.Name, PasswordHash: hash, IsActive: true}
	if err := h.users.Create(ctx, scope, user); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var grantedBy *int64
	if p, ok := PrincipalFromContext(ctx); ok {
		grantedBy = &p.User.ID
	}
	for _, role := range roles {
		if err := h.roles.AssignRole(ctx, user.ID, role.ID, grantedBy); err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
	}

	h.logAdmin(r, audit.EventTypeAdminUserCreate, user.ID, "user created")
	_ = httputil.WriteCreated(w, user)
}

type updateUserRequest struct {
	Email    string  `json:"email" validate:"required,email,max=255"`
	Name     string  `json:"name" validate:"required,max=255"`
	IsActive *bool   `json:"is_active"`
	Password *string `json:"password" validate:"omitempty,min=8,max=72"`
}

// UpdateUser handles PUT /users/{id}. Deactivating a user ends their
// sessions.
func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var req updateUserRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	user, err := h.users.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	wasActive := user.IsActive
	user.Email = req.Email
	user.Name = req.Name
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if req.Password != nil {
		hash, err := h.service.HashPassword(*req.Password)
		if err != nil {
			httputil.WriteAppError(w, r, err)
			return
		}
		user.PasswordHash = hash
	}

	if err := h.users.Update(ctx, scope, user); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if (wasActive && !user.IsActive) || req.Password != nil {
		if err := h.service.RevokeUserSessions(ctx, user.ID); err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to revoke sessions")
		}
	}

	h.logAdmin(r, audit.EventTypeAdminUserUpdate, user.ID, "user updated")
	_ = httputil.WriteSuccess(w, user)
}

// DeleteUser handles DELETE /users/{id}
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if p, ok := PrincipalFromContext(ctx); ok && p.User.ID == id {
		httputil.WriteAppError(w, r, apperr.Conflict("cannot delete your own account"))
		return
	}

	if err := h.users.Delete(ctx, scope, id); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.logAdmin(r, audit.EventTypeAdminUserDelete, id, "user deleted")
	httputil.WriteNoContent(w)
}

func (h *Handlers) clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{UserAgent: r.UserAgent(), IPAddress: httputil.ClientIP(r, h.trustProxy)}
}

func (h *Handlers) logAdmin(r *http.Request, eventType audit.EventType, userID int64, message string) {
	err := audit.LogSuccess(r.Context(), h.audit, eventType, audit.ResourceTypeUser, strconv.FormatInt(userID, 10), message, nil)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to write audit event")
	}
}
