package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// DBLogger implements audit logging to the audit_logs table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO audit_logs (
			tenant_id, user_id, event_type, status,
			resource_type, resource_id, message, metadata,
			request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.TenantID, event.UserID, string(event.EventType), string(event.Status),
		nullString(string(event.ResourceType)), nullString(event.ResourceID), event.Message, metadataJSON,
		nullString(event.RequestID), event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// Search returns a tenant's audit events matching filter, newest first.
func (l *DBLogger) Search(ctx context.Context, tenantID int64, filter SearchFilter) ([]*Event, error) {
	query := `
		SELECT id, tenant_id, user_id, event_type, status,
			resource_type, resource_id, message, metadata, request_id, created_at
		FROM audit_logs
		WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	n := 2

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, *filter.StartTime)
		n++
	}
	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", n)
		args = append(args, *filter.EndTime)
		n++
	}
	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, *filter.UserID)
		n++
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			placeholders[i] = fmt.Sprintf("$%d", n)
			args = append(args, string(et))
			n++
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(filter.Status))
		n++
	}
	if filter.ResourceType != "" {
		query += fmt.Sprintf(" AND resource_type = $%d", n)
		args = append(args, string(filter.ResourceType))
		n++
	}
	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", n)
		args = append(args, filter.ResourceID)
		n++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, limit, filter.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		var (
			event                               Event
			tenant, user                        sql.NullInt64
			eventType, status                   string
			resourceType, resourceID, requestID sql.NullString
			metadataJSON                        []byte
		)
		if err := rows.Scan(
			&event.ID, &tenant, &user, &eventType, &status,
			&resourceType, &resourceID, &event.Message, &metadataJSON, &requestID, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		event.EventType = EventType(eventType)
		event.Status = EventStatus(status)
		if tenant.Valid {
			v := tenant.Int64
			event.TenantID = &v
		}
		if user.Valid {
			v := user.Int64
			event.UserID = &v
		}
		event.ResourceType = ResourceType(resourceType.String)
		event.ResourceID = resourceID.String
		event.RequestID = requestID.String
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, &event)
	}

	return events, rows.Err()
}

// Close is a no-op; the database handle is owned by the caller.
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
