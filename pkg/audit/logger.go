package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases resources
	Close() error
}

// Actor is implemented by the authenticated principal stored in the request
// context.
type Actor interface {
	SubjectID() int64
	OwningTenantID() int64
}

// NewEvent builds an event stamped with the actor and request id found in ctx.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}

	if actor, ok := ctx.Value(contextkeys.PrincipalKey).(Actor); ok && actor != nil {
		userID := actor.SubjectID()
		tenantID := actor.OwningTenantID()
		event.UserID = &userID
		event.TenantID = &tenantID
	}

	return event
}

// LogDenied records an authorization denial for the actor in ctx.
func LogDenied(ctx context.Context, logger Logger, resourceType ResourceType, resourceID, reason string) error {
	if logger == nil {
		return nil
	}
	event := NewEvent(ctx, EventTypeAuthzAccessDenied, EventStatusDenied)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = fmt.Sprintf("Access denied: %s", reason)
	return logger.Log(ctx, event)
}

// LogSuccess records a successful action for the actor in ctx.
func LogSuccess(ctx context.Context, logger Logger, eventType EventType, resourceType ResourceType, resourceID, message string, metadata map[string]interface{}) error {
	if logger == nil {
		return nil
	}
	event := NewEvent(ctx, eventType, EventStatusSuccess)
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = message
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	return logger.Log(ctx, event)
}

// NopLogger discards events.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) Close() error                                { return nil }
