package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/database"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

type userMapper struct{}

func (userMapper) Table() string { return "users" }

func (userMapper) Columns() []string {
	return []string{"email", "name", "password_hash", "is_active", "last_login_at"}
}

func (userMapper) Record(u *User) *tenancy.Record { return &u.Record }

func (userMapper) Fields(u *User) []interface{} {
	return []interface{}{&u.Email, &u.Name, &u.PasswordHash, &u.IsActive, &u.LastLoginAt}
}

// UserStore persists users. Everything except login lookup is tenant scoped.
type UserStore struct {
	db   *sql.DB
	repo *tenancy.Repository[User]
}

// NewUserStore creates a user store.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, repo: tenancy.NewRepository[User](db, userMapper{}, "user")}
}

// Create inserts a user in the scope's tenant. Duplicate emails are a
// Conflict.
func (s *UserStore) Create(ctx context.Context, scope tenancy.Scope, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	if err := s.repo.Create(ctx, scope, u); err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict("email is already registered")
		}
		return err
	}
	return nil
}

// Get loads a user of the scope's tenant.
func (s *UserStore) Get(ctx context.Context, scope tenancy.Scope, id int64) (*User, error) {
	return s.repo.Get(ctx, scope, id)
}

// Exists reports whether id is a user of the scope's tenant.
func (s *UserStore) Exists(ctx context.Context, scope tenancy.Scope, id int64) (bool, error) {
	return s.repo.Exists(ctx, scope, id)
}

// List pages through the tenant's users.
func (s *UserStore) List(ctx context.Context, scope tenancy.Scope, limit, offset int) ([]*User, error) {
	return s.repo.List(ctx, scope, tenancy.ListOptions{Limit: limit, Offset: offset})
}

// Update rewrites a user's mutable columns.
func (s *UserStore) Update(ctx context.Context, scope tenancy.Scope, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	if err := s.repo.Update(ctx, scope, u); err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict("email is already registered")
		}
		return err
	}
	return nil
}

// Delete removes a user of the scope's tenant.
func (s *UserStore) Delete(ctx context.Context, scope tenancy.Scope, id int64) error {
	return s.repo.Delete(ctx, scope, id)
}

// RecordLogin stamps last_login_at.
func (s *UserStore) RecordLogin(ctx context.Context, scope tenancy.Scope, id int64, at time.Time) error {
	_, err := s.repo.UpdateWhere(ctx, scope, id, []tenancy.Cond{tenancy.Eq("last_login_at", at)})
	return err
}

// LoginCandidate is what credential checking needs to know about an account.
type LoginCandidate struct {
	User         *User
	TenantActive bool
}

// FindForLogin looks a user up by email across all tenants. It is the only
// unscoped read and exists solely for credential checking, before any tenant
// is known.
func (s *UserStore) FindForLogin(ctx context.Context, email string) (*LoginCandidate, error) {
	var (
		u           User
		lastLogin   sql.NullTime
		tenantAlive bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.tenant_id, u.email, u.name, u.password_hash, u.is_active, u.last_login_at,
			u.created_at, u.updated_at, t.is_active
		FROM users u
		JOIN tenants t ON t.id = u.tenant_id
		WHERE u.email = $1`, NormalizeEmail(email),
	).Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.PasswordHash, &u.IsActive, &lastLogin,
		&u.CreatedAt, &u.UpdatedAt, &tenantAlive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &LoginCandidate{User: &u, TenantActive: tenantAlive}, nil
}
