package tenancy

import (
	"context"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
)

// Scope binds data access to a single tenant. The zero Scope is invalid and
// rejected by every repository method.
type Scope struct {
	tenantID int64
}

// Owner is implemented by authenticated principals.
type Owner interface {
	OwningTenantID() int64
}

// ScopeOf returns the scope of an authenticated principal.
func ScopeOf(owner Owner) Scope {
	return Scope{tenantID: owner.OwningTenantID()}
}

// ForTenant returns a scope for work that runs outside a request, such as a
// queued job that recorded its tenant when it was enqueued.
func ForTenant(tenantID int64) Scope {
	return Scope{tenantID: tenantID}
}

// FromContext derives the scope from the principal stored in ctx.
func FromContext(ctx context.Context) (Scope, error) {
	owner, ok := ctx.Value(contextkeys.PrincipalKey).(Owner)
	if !ok || owner == nil {
		return Scope{}, apperr.Unauthorized("")
	}
	s := ScopeOf(owner)
	if !s.Valid() {
		return Scope{}, apperr.Unauthorized("")
	}
	return s, nil
}

// TenantID returns the bound tenant.
func (s Scope) TenantID() int64 {
	return s.tenantID
}

// Valid reports whether the scope is bound to a tenant.
func (s Scope) Valid() bool {
	return s.tenantID > 0
}

// Record holds the columns every tenant-owned row carries.
type Record struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
