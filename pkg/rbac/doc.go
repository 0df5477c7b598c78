// Package rbac implements tenant-scoped role-based access control.
//
// Users hold roles through user_roles; roles grant permission strings through
// role_permissions and may inherit from a single parent role. Global roles
// (tenant_id NULL) are shared by every tenant, and the built-in catalog
// (admin, manager, technician, client) is seeded by SeedBuiltInRoles.
//
// # Checking
//
// Checker.Authorize answers "does this subject hold any of these
// permissions". It re-reads role state on every call and walks parent edges
// explicitly, so a revoked grant takes effect on the next request and an
// accidental parent cycle cannot loop:
//
//	checker := rbac.NewChecker(rbac.NewStore(db), rbac.WithMetrics(metrics), rbac.WithAudit(auditLog))
//	ok, err := checker.Authorize(ctx, principal, rbac.PermViewVehicles)
//
// # HTTP Middleware
//
//	guard := rbac.NewPermissionMiddleware(checker)
//	router.Handle("/vehicles", guard.Require(rbac.PermViewVehicles)(listHandler))
//
// Requests without an authenticated subject get 401; authenticated subjects
// lacking every listed permission get 403 and a denial is written to the
// audit trail.
package rbac
