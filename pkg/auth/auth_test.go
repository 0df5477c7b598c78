package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

const sqliteSchema = `
	CREATE TABLE tenants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1
	);
	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		last_login_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		tenant_id INTEGER NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		token_prefix TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP,
		expires_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);
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

// Whole seconds keep sqlite's textual timestamps comparable.
var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

func createTenant(t *testing.T, db *sql.DB, name string, active bool) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO tenants (name, is_active) VALUES ($1, $2)`, name, active)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func createUser(t *testing.T, store *UserStore, tenantID int64, email, password string) *User {
	t.Helper()
	hash, err := HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	u := &User{Email: email, Name: email, PasswordHash: hash, IsActive: true}
	require.NoError(t, store.Create(context.Background(), tenancy.ForTenant(tenantID), u))
	return u
}

type recordingAudit struct {
	events []*audit.Event
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) types() []audit.EventType {
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	db       *sql.DB
	users    *UserStore
	sessions *SessionStore
	service  *Service
	audit    *recordingAudit
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{
		db:       db,
		users:    NewUserStore(db),
		sessions: NewSessionStore(db),
		audit:    &recordingAudit{},
		clock:    testNow,
	}
	f.users.repo.SetClock(func() time.Time { return f.clock })
	f.service = NewService(f.users, f.sessions, ServiceConfig{SessionTTL: time.Hour, BcryptCost: bcrypt.MinCost}, f.audit, nil)
	f.service.SetClock(func() time.Time { return f.clock })
	return f
}
