package rbac

import (
	"sort"
	"time"
)

// Permission is an atomic capability string such as "view_vehicles".
type Permission string

const (
	PermViewDashboard Permission = "view_dashboard"
	PermViewReports   Permission = "view_reports"

	PermViewVehicles   Permission = "view_vehicles"
	PermManageVehicles Permission = "manage_vehicles"

	PermViewServiceRequests   Permission = "view_service_requests"
	PermCreateServiceRequests Permission = "create_service_requests"
	PermManageServiceRequests Permission = "manage_service_requests"

	PermViewQuotes    Permission = "view_quotes"
	PermManageQuotes  Permission = "manage_quotes"
	PermApproveQuotes Permission = "approve_quotes"

	PermViewWorkOrders        Permission = "view_work_orders"
	PermManageWorkOrders      Permission = "manage_work_orders"
	PermUpdateWorkOrderStatus Permission = "update_work_order_status"

	PermViewInvoices   Permission = "view_invoices"
	PermManageInvoices Permission = "manage_invoices"

	PermViewDocuments   Permission = "view_documents"
	PermManageDocuments Permission = "manage_documents"

	PermViewNotifications Permission = "view_notifications"
	PermSendNotifications Permission = "send_notifications"

	PermViewUsers   Permission = "view_users"
	PermManageUsers Permission = "manage_users"
	PermViewRoles   Permission = "view_roles"
	PermManageRoles Permission = "manage_roles"

	PermViewAuditLogs Permission = "view_audit_logs"
)

// AllPermissions lists every permission the API checks.
func AllPermissions() []Permission {
	return []Permission{
		PermViewDashboard, PermViewReports,
		PermViewVehicles, PermManageVehicles,
		PermViewServiceRequests, PermCreateServiceRequests, PermManageServiceRequests,
		PermViewQuotes, PermManageQuotes, PermApproveQuotes,
		PermViewWorkOrders, PermManageWorkOrders, PermUpdateWorkOrderStatus,
		PermViewInvoices, PermManageInvoices,
		PermViewDocuments, PermManageDocuments,
		PermViewNotifications, PermSendNotifications,
		PermViewUsers, PermManageUsers, PermViewRoles, PermManageRoles,
		PermViewAuditLogs,
	}
}

// IsKnown reports whether p is one of AllPermissions.
func IsKnown(p Permission) bool {
	for _, known := range AllPermissions() {
		if known == p {
			return true
		}
	}
	return false
}

// Role grants a set of permissions and may inherit from a parent role.
// TenantID is nil for global roles shared by every tenant.
type Role struct {
	ID           int64        `json:"id"`
	TenantID     *int64       `json:"tenant_id,omitempty"`
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description"`
	ParentRoleID *int64       `json:"parent_role_id,omitempty"`
	IsBuiltIn    bool         `json:"is_built_in"`
	Permissions  []Permission `json:"permissions"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// VisibleTo reports whether tenantID may see and assign the role.
func (r *Role) VisibleTo(tenantID int64) bool {
	return r.TenantID == nil || *r.TenantID == tenantID
}

// PermissionSet is a user's resolved permissions.
type PermissionSet map[Permission]struct{}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Built-in role names.
const (
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleTechnician = "technician"
	RoleClient     = "client"
)

// BuiltInRoles returns the global role catalog. Parents are expressed by
// name and resolved when seeding.
func BuiltInRoles() []BuiltInRole {
	return []BuiltInRole{
		{
			Role: Role{
				Name:        RoleClient,
				DisplayName: "Client",
				Description: "Fleet owner contact who raises service requests and approves quotes",
				Permissions: []Permission{
					PermViewVehicles,
					PermViewServiceRequests, PermCreateServiceRequests,
					PermViewQuotes, PermApproveQuotes,
					PermViewInvoices,
					PermViewDocuments,
					PermViewNotifications,
				},
			},
		},
		{
			Role: Role{
				Name:        RoleTechnician,
				DisplayName: "Technician",
				Description: "Performs maintenance and updates work order progress",
				Permissions: []Permission{
					PermViewDashboard,
					PermViewVehicles,
					PermViewServiceRequests,
					PermViewWorkOrders, PermUpdateWorkOrderStatus,
					PermViewDocuments, PermManageDocuments,
					PermViewNotifications,
				},
			},
		},
		{
			Role: Role{
				Name:        RoleManager,
				DisplayName: "Manager",
				Description: "Runs day-to-day maintenance operations for the tenant",
				Permissions: []Permission{
					PermViewReports,
					PermManageVehicles,
					PermManageServiceRequests, PermCreateServiceRequests,
					PermViewQuotes, PermManageQuotes, PermApproveQuotes,
					PermManageWorkOrders,
					PermViewInvoices, PermManageInvoices,
					PermSendNotifications,
					PermViewUsers,
					PermViewRoles,
				},
			},
			Parent: RoleTechnician,
		},
		{
			Role: Role{
				Name:        RoleAdmin,
				DisplayName: "Administrator",
				Description: "Full access within the tenant",
				Permissions: []Permission{PermManageUsers, PermManageRoles, PermViewAuditLogs},
			},
			Parent: RoleManager,
		},
	}
}

// BuiltInRole pairs a catalog role with its parent's name.
type BuiltInRole struct {
	Role   Role
	Parent string
}
