// Package cli implements fleetwise-admin, the operator tool for database
// setup and account provisioning. Tenants are only created here; the HTTP
// API never creates them.
//
// # Commands
//
// migrate: apply pending migrations, then seed the built-in roles
//
//	fleetwise-admin migrate
//
// create-tenant: create a tenant, deriving the slug from the name
//
//	fleetwise-admin create-tenant --name "Acme Fleet"
//
// list-tenants: print every tenant
//
//	fleetwise-admin list-tenants
//
// set-tenant-active: disable a tenant and revoke its sessions, or enable it
//
//	fleetwise-admin set-tenant-active --tenant acme-fleet --active=false
//
// create-user: create a user and grant one built-in role
//
//	fleetwise-admin create-user \
//		--tenant acme-fleet \
//		--email ops@acme.example \
//		--name "Ops Lead" \
//		--password '...' \
//		--role admin
//
// The database connection comes from the same FLEETWISE_* settings as the
// server.
package cli
