// Package tenants manages tenant records. Tenants are created by operators
// through the admin CLI; the API only reads them.
package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/database"
)

// Tenant is an isolated customer account. Only IsActive changes after
// creation.
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Store persists tenants in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a tenant store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a tenant, deriving the slug from the name when empty.
func (s *Store) Create(ctx context.Context, t *Tenant) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return apperr.FieldError("name", "is required")
	}
	if t.Slug == "" {
		t.Slug = GenerateSlug(t.Name)
	}
	if !slugPattern.MatchString(t.Slug) {
		return apperr.FieldError("slug", "must contain only lowercase letters, digits and single dashes")
	}
	t.IsActive = true

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, slug, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		t.Name, t.Slug, t.IsActive,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.Conflict(fmt.Sprintf("tenant slug %q is taken", t.Slug))
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// Get loads a tenant by id.
func (s *Store) Get(ctx context.Context, id int64) (*Tenant, error) {
	return s.getBy(ctx, "id", id)
}

// GetBySlug loads a tenant by slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.getBy(ctx, "slug", slug)
}

func (s *Store) getBy(ctx context.Context, column string, value interface{}) (*Tenant, error) {
	t := &Tenant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, slug, is_active, created_at, updated_at FROM tenants WHERE `+column+` = $1`, value,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tenant")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// List returns every tenant ordered by id.
func (s *Store) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, slug, is_active, created_at, updated_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetActive enables or disables a tenant. Users of a disabled tenant cannot
// log in.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET is_active = $1, updated_at = $2 WHERE id = $3`, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("tenant")
	}
	return nil
}

// GenerateSlug lower-cases name and keeps letters, digits and single dashes.
func GenerateSlug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
