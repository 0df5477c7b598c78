// Package tenancy enforces tenant isolation at the data-access boundary.
//
// Domain stores embed a Repository, which cannot be called without a Scope.
// The repository adds "tenant_id = $n" to every SELECT, UPDATE and DELETE and
// stamps tenant_id on INSERT, so an individual query cannot forget the
// filter. Scopes come from the authenticated principal:
//
//	scope, err := tenancy.FromContext(r.Context())
//	vehicles, err := store.List(ctx, scope, tenancy.ListOptions{Limit: 50})
//
// Background jobs that carry a tenant id use tenancy.ForTenant.
//
// Rows owned by another tenant are indistinguishable from missing rows: Get,
// Update and Delete all report apperr.NotFound.
package tenancy
