package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/database"
)

// Store handles persistence of roles, role permissions and user role
// assignments.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const roleColumns = `id, tenant_id, name, display_name, description, parent_role_id, is_built_in, created_at, updated_at`

// CreateRole inserts a role and its permissions.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	now := s.now()
	role.CreatedAt = now
	role.UpdatedAt = now

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO roles (tenant_id, name, display_name, description, parent_role_id, is_built_in, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			role.TenantID, role.Name, role.DisplayName, role.Description,
			role.ParentRoleID, role.IsBuiltIn, role.CreatedAt, role.UpdatedAt,
		).Scan(&role.ID)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.Conflict(fmt.Sprintf("role %q already exists", role.Name))
			}
			return fmt.Errorf("failed to create role: %w", err)
		}
		return replacePermissions(ctx, tx, role.ID, role.Permissions)
	})
}

// UpdateRole rewrites a role's mutable fields and its permission set.
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	role.UpdatedAt = s.now()

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE roles SET display_name = $1, description = $2, parent_role_id = $3, updated_at = $4
			WHERE id = $5`,
			role.DisplayName, role.Description, role.ParentRoleID, role.UpdatedAt, role.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("role")
		}
		return replacePermissions(ctx, tx, role.ID, role.Permissions)
	})
}

func replacePermissions(ctx context.Context, tx *sql.Tx, roleID int64, perms []Permission) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	seen := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`, roleID, string(p),
		); err != nil {
			return fmt.Errorf("failed to add permission %s: %w", p, err)
		}
	}
	return nil
}

// DeleteRole removes a role. Assignments cascade.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("role")
	}
	return nil
}

// GetRole loads a role with its permissions.
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, roleID)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("role")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	if role.Permissions, err = s.rolePermissions(ctx, role.ID); err != nil {
		return nil, err
	}
	return role, nil
}

// GetGlobalRoleByName loads a global role by name.
func (s *Store) GetGlobalRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE name = $1 AND tenant_id IS NULL`, name)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("role")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	if role.Permissions, err = s.rolePermissions(ctx, role.ID); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles returns the global roles plus the tenant's own roles.
func (s *Store) ListRoles(ctx context.Context, tenantID int64) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id IS NULL OR tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	roles := make([]*Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, role := range roles {
		if role.Permissions, err = s.rolePermissions(ctx, role.ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	defer rows.Close()

	perms := make([]Permission, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, Permission(p))
	}
	return perms, rows.Err()
}

// RoleGraph returns, for the given starting roles and everything reachable
// through parent edges, each role's parent and direct permissions. It walks
// one level per query so the traversal stays explicit and cycle-safe.
func (s *Store) RoleGraph(ctx context.Context, start []int64) (map[int64]RoleNode, error) {
	graph := make(map[int64]RoleNode)
	frontier := start

	for len(frontier) > 0 {
		next := make([]int64, 0)
		for _, id := range frontier {
			if _, seen := graph[id]; seen {
				continue
			}
			node, err := s.roleNode(ctx, id)
			if err != nil {
				if apperr.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			graph[id] = node
			if node.ParentID != nil {
				if _, seen := graph[*node.ParentID]; !seen {
					next = append(next, *node.ParentID)
				}
			}
		}
		frontier = next
	}

	return graph, nil
}

// RoleNode is one vertex of the inheritance graph.
type RoleNode struct {
	ID          int64
	TenantID    *int64
	Name        string
	ParentID    *int64
	Permissions []Permission
}

func (s *Store) roleNode(ctx context.Context, roleID int64) (RoleNode, error) {
	var node RoleNode
	var tenant, parent sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, parent_role_id FROM roles WHERE id = $1`, roleID,
	).Scan(&node.ID, &tenant, &node.Name, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return node, apperr.NotFound("role")
	}
	if err != nil {
		return node, fmt.Errorf("failed to load role %d: %w", roleID, err)
	}
	if tenant.Valid {
		t := tenant.Int64
		node.TenantID = &t
	}
	if parent.Valid {
		p := parent.Int64
		node.ParentID = &p
	}
	node.Permissions, err = s.rolePermissions(ctx, roleID)
	return node, err
}

// AssignRole grants a role to a user. Re-granting is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64, grantedBy *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, granted_by, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO NOTHING`,
		userID, roleID, grantedBy, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes a role from a user.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("role assignment")
	}
	return nil
}

// UserRoleIDs returns the ids of roles directly assigned to a user.
func (s *Store) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UserRoles returns the roles directly assigned to a user.
func (s *Store) UserRoles(ctx context.Context, userID int64) ([]*Role, error) {
	ids, err := s.UserRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := make([]*Role, 0, len(ids))
	for _, id := range ids {
		role, err := s.GetRole(ctx, id)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// CountAssignments returns how many users hold the role.
func (s *Store) CountAssignments(ctx context.Context, roleID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, roleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count role assignments: %w", err)
	}
	return n, nil
}

// scanRole scans a role from a database row
func scanRole(scanner interface {
	Scan(dest ...interface{}) error
}) (*Role, error) {
	var role Role
	var tenantID, parentRoleID sql.NullInt64

	err := scanner.Scan(
		&role.ID,
		&tenantID,
		&role.Name,
		&role.DisplayName,
		&role.Description,
		&parentRoleID,
		&role.IsBuiltIn,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tenantID.Valid {
		id := tenantID.Int64
		role.TenantID = &id
	}
	if parentRoleID.Valid {
		id := parentRoleID.Int64
		role.ParentRoleID = &id
	}
	role.Permissions = []Permission{}

	return &role, nil
}

// SeedBuiltInRoles creates any missing built-in roles and links parents.
func SeedBuiltInRoles(ctx context.Context, store *Store) error {
	ids := make(map[string]int64)

	for _, builtIn := range BuiltInRoles() {
		existing, err := store.GetGlobalRoleByName(ctx, builtIn.Role.Name)
		if err == nil {
			ids[existing.Name] = existing.ID
			continue
		}
		if !apperr.IsNotFound(err) {
			return err
		}

		role := builtIn.Role
		role.IsBuiltIn = true
		if builtIn.Parent != "" {
			parentID, ok := ids[builtIn.Parent]
			if !ok {
				return fmt.Errorf("built-in role %s references unknown parent %s", role.Name, builtIn.Parent)
			}
			role.ParentRoleID = &parentID
		}
		if err := store.CreateRole(ctx, &role); err != nil {
			return fmt.Errorf("failed to create built-in role %s: %w", role.Name, err)
		}
		ids[role.Name] = role.ID
	}

	return nil
}
