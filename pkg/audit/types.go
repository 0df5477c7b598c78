package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin       EventType = "auth.login"
	EventTypeAuthLogout      EventType = "auth.logout"
	EventTypeAuthLoginFailed EventType = "auth.login_failed"
	EventTypeAuthRefresh     EventType = "auth.refresh"

	// Authorization events
	EventTypeAuthzAccessDenied  EventType = "authz.access_denied"
	EventTypeAuthzRoleGrant     EventType = "authz.role_grant"
	EventTypeAuthzRoleRevoke    EventType = "authz.role_revoke"
	EventTypeAuthzRoleChange    EventType = "authz.role_change"
	EventTypeAuthzChannelDenied EventType = "authz.channel_denied"

	// Admin events
	EventTypeAdminUserCreate EventType = "admin.user_create"
	EventTypeAdminUserUpdate EventType = "admin.user_update"
	EventTypeAdminUserDelete EventType = "admin.user_delete"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being accessed
type ResourceType string

const (
	ResourceTypeUser       ResourceType = "user"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypeSession    ResourceType = "session"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeChannel    ResourceType = "channel"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	TenantID *int64 `json:"tenant_id,omitempty"`
	UserID   *int64 `json:"user_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter represents filters for searching a tenant's audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	UserID     *int64
	EventTypes []EventType
	Status     EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)
