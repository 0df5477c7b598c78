package rbac

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

const sqliteSchema = `
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

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

// seededStore returns a store with the built-in catalog and the ids of each
// built-in role by name.
func seededStore(t *testing.T) (*Store, map[string]int64) {
	t.Helper()
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, SeedBuiltInRoles(ctx, store))

	ids := make(map[string]int64)
	for _, name := range []string{RoleAdmin, RoleManager, RoleTechnician, RoleClient} {
		role, err := store.GetGlobalRoleByName(ctx, name)
		require.NoError(t, err)
		ids[name] = role.ID
	}
	return store, ids
}

type testSubject struct {
	id     int64
	tenant int64
}

func (s testSubject) SubjectID() int64      { return s.id }
func (s testSubject) OwningTenantID() int64 { return s.tenant }

func withSubject(ctx context.Context, s Subject) context.Context {
	return contextkeys.WithPrincipal(ctx, s)
}

type recordingAudit struct {
	events []*audit.Event
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

type stubDirectory map[int64]int64

func (d stubDirectory) Exists(ctx context.Context, scope tenancy.Scope, userID int64) (bool, error) {
	tenant, ok := d[userID]
	return ok && tenant == scope.TenantID(), nil
}
