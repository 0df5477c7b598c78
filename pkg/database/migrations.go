package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// Migration represents a versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all schema migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants and users",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(100) NOT NULL UNIQUE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					email VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					password_hash VARCHAR(255) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					last_login_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_users_tenant_id ON users(tenant_id);
			`,
		},
		{
			Version:     2,
			Description: "Create sessions",
			SQL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					token_hash CHAR(64) NOT NULL UNIQUE,
					token_prefix VARCHAR(16) NOT NULL,
					user_agent VARCHAR(255) NOT NULL DEFAULT '',
					ip_address VARCHAR(64) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_used_at TIMESTAMPTZ,
					expires_at TIMESTAMPTZ NOT NULL,
					revoked_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
				CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
			`,
		},
		{
			Version:     3,
			Description: "Create roles, role_permissions and user_roles",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
					name VARCHAR(100) NOT NULL,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					parent_role_id BIGINT REFERENCES roles(id) ON DELETE SET NULL,
					is_built_in BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_global_name ON roles(name) WHERE tenant_id IS NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_tenant_name ON roles(tenant_id, name) WHERE tenant_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles(parent_role_id);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission VARCHAR(100) NOT NULL,
					PRIMARY KEY (role_id, permission)
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, role_id)
				);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create fleet tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS vehicles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					vin VARCHAR(17) NOT NULL,
					plate_number VARCHAR(32) NOT NULL DEFAULT '',
					make VARCHAR(100) NOT NULL,
					model VARCHAR(100) NOT NULL,
					year INT NOT NULL,
					mileage BIGINT NOT NULL DEFAULT 0,
					status VARCHAR(32) NOT NULL DEFAULT 'active',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, vin)
				);
				CREATE INDEX IF NOT EXISTS idx_vehicles_tenant_status ON vehicles(tenant_id, status);

				CREATE TABLE IF NOT EXISTS service_requests (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					vehicle_id BIGINT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
					requested_by BIGINT NOT NULL REFERENCES users(id),
					title VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					priority VARCHAR(16) NOT NULL DEFAULT 'medium',
					status VARCHAR(32) NOT NULL DEFAULT 'open',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_service_requests_tenant_status ON service_requests(tenant_id, status);

				CREATE TABLE IF NOT EXISTS quotes (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					service_request_id BIGINT NOT NULL REFERENCES service_requests(id) ON DELETE CASCADE,
					amount_cents BIGINT NOT NULL,
					currency CHAR(3) NOT NULL DEFAULT 'USD',
					notes TEXT NOT NULL DEFAULT '',
					status VARCHAR(16) NOT NULL DEFAULT 'draft',
					approved_by BIGINT REFERENCES users(id),
					approved_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_quotes_tenant_status ON quotes(tenant_id, status);

				CREATE TABLE IF NOT EXISTS work_orders (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					vehicle_id BIGINT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
					service_request_id BIGINT REFERENCES service_requests(id) ON DELETE SET NULL,
					quote_id BIGINT REFERENCES quotes(id) ON DELETE SET NULL,
					assigned_to BIGINT REFERENCES users(id) ON DELETE SET NULL,
					title VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					status VARCHAR(32) NOT NULL DEFAULT 'open',
					scheduled_for TIMESTAMPTZ,
					completed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_work_orders_tenant_status ON work_orders(tenant_id, status);

				CREATE TABLE IF NOT EXISTS invoices (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					work_order_id BIGINT NOT NULL REFERENCES work_orders(id) ON DELETE CASCADE,
					number VARCHAR(64) NOT NULL,
					amount_cents BIGINT NOT NULL,
					currency CHAR(3) NOT NULL DEFAULT 'USD',
					status VARCHAR(16) NOT NULL DEFAULT 'draft',
					due_date TIMESTAMPTZ,
					issued_at TIMESTAMPTZ,
					paid_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, number)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create documents",
			SQL: `
				CREATE TABLE IF NOT EXISTS documents (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					entity_type VARCHAR(32) NOT NULL,
					entity_id BIGINT NOT NULL,
					filename VARCHAR(255) NOT NULL,
					content_type VARCHAR(127) NOT NULL,
					size_bytes BIGINT NOT NULL,
					storage_key VARCHAR(512) NOT NULL UNIQUE,
					uploaded_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_documents_entity ON documents(tenant_id, entity_type, entity_id);
			`,
		},
		{
			Version:     6,
			Description: "Create notifications",
			SQL: `
				CREATE TABLE IF NOT EXISTS notifications (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					recipient_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					channel VARCHAR(32) NOT NULL,
					template VARCHAR(100) NOT NULL,
					payload JSONB NOT NULL DEFAULT '{}',
					status VARCHAR(16) NOT NULL DEFAULT 'pending',
					sent_at TIMESTAMPTZ,
					read_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (status IN ('pending', 'sent', 'failed'))
				);
				CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(tenant_id, recipient_id, created_at DESC);
			`,
		},
		{
			Version:     7,
			Description: "Create audit_logs",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT REFERENCES tenants(id) ON DELETE CASCADE,
					user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					event_type VARCHAR(64) NOT NULL,
					status VARCHAR(16) NOT NULL,
					resource_type VARCHAR(64),
					resource_id VARCHAR(64),
					message TEXT NOT NULL DEFAULT '',
					metadata JSONB NOT NULL DEFAULT '{}',
					request_id VARCHAR(128),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_created ON audit_logs(tenant_id, created_at DESC);
			`,
		},
	}
}

// Migrate applies every pending migration, one transaction per migration.
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}

		logger.WithField("version", m.Version).Infof("running migration: %s", m.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
