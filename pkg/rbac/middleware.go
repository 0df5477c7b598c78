package rbac

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// PermissionMiddleware gates handlers on the caller's permissions
type PermissionMiddleware struct {
	checker *Checker
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker *Checker) *PermissionMiddleware {
	return &PermissionMiddleware{checker: checker}
}

// Require allows the request when the caller holds any one of perms.
// Unauthenticated callers get 401, authenticated callers lacking every
// permission get 403.
func (m *PermissionMiddleware) Require(perms ...Permission) func(http.Handler) http.Handler {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	label := strings.Join(names, "|")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			allowed, err := m.checker.Authorize(r.Context(), subject, perms...)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Error("permission check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal", "Permission check failed")
				return
			}
			if !allowed {
				m.checker.recordDenial(r.Context(), label, "missing permission")
				httputil.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole allows the request when the caller holds any of the named
// roles, directly or through inheritance.
func (m *PermissionMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	label := "role:" + strings.Join(roles, "|")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			allowed, err := m.checker.HasRole(r.Context(), subject, roles...)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Error("role check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal", "Permission check failed")
				return
			}
			if !allowed {
				m.checker.recordDenial(r.Context(), label, "missing role")
				httputil.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireFunc wraps a handler func with Require.
func (m *PermissionMiddleware) RequireFunc(h http.HandlerFunc, perms ...Permission) http.Handler {
	return m.Require(perms...)(h)
}
