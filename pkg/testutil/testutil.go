// Package testutil holds fixtures shared by handler and store tests: an
// in-memory sqlite database carrying the RBAC tables, a seeded role catalog
// and a stand-in principal.
package testutil

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
)

// RBACSchema creates the role tables in sqlite.
const RBACSchema = `
	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		parent_role_id INTEGER,
		is_built_in BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE role_permissions (
		role_id INTEGER NOT NULL,
		permission TEXT NOT NULL,
		PRIMARY KEY (role_id, permission)
	);
	CREATE TABLE user_roles (
		user_id INTEGER NOT NULL,
		role_id INTEGER NOT NULL,
		granted_by INTEGER,
		granted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, role_id)
	);
`

// Now is a whole-second instant; sqlite compares timestamps as text.
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock returns Now.
func Clock() time.Time { return Now }

// SQLite opens an in-memory database and applies each schema in order.
func SQLite(t *testing.T, schemas ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, schema := range schemas {
		_, err := db.Exec(schema)
		require.NoError(t, err)
	}
	return db
}

// Principal stands in for an authenticated user.
type Principal struct {
	ID       int64
	TenantID int64
}

// SubjectID implements rbac.Subject.
func (p *Principal) SubjectID() int64 { return p.ID }

// OwningTenantID implements rbac.Subject and tenancy.Owner.
func (p *Principal) OwningTenantID() int64 { return p.TenantID }

// As returns r carrying p as its principal.
func As(r *http.Request, p *Principal) *http.Request {
	if p == nil {
		return r
	}
	return r.WithContext(contextkeys.WithPrincipal(r.Context(), p))
}

// Roles is a seeded role catalog on a sqlite database that already carries
// RBACSchema.
type Roles struct {
	Store   *rbac.Store
	Checker *rbac.Checker
	IDs     map[string]int64
}

// SeedRoles seeds the built-in roles.
func SeedRoles(t *testing.T, db *sql.DB) *Roles {
	t.Helper()
	store := rbac.NewStore(db)
	ctx := context.Background()
	require.NoError(t, rbac.SeedBuiltInRoles(ctx, store))

	ids := make(map[string]int64)
	for _, b := range rbac.BuiltInRoles() {
		role, err := store.GetGlobalRoleByName(ctx, b.Role.Name)
		require.NoError(t, err)
		ids[role.Name] = role.ID
	}
	return &Roles{Store: store, Checker: rbac.NewChecker(store), IDs: ids}
}

// Grant assigns the named built-in role and returns the principal.
func (r *Roles) Grant(t *testing.T, userID, tenantID int64, role string) *Principal {
	t.Helper()
	id, ok := r.IDs[role]
	require.True(t, ok, "unknown role %s", role)
	require.NoError(t, r.Store.AssignRole(context.Background(), userID, id, nil))
	return &Principal{ID: userID, TenantID: tenantID}
}
