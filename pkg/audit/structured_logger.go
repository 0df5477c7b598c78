package audit

import (
	"context"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// StructuredLogger writes audit events as structured log lines. It is used
// alongside the database logger so denials show up in the log stream too.
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates an audit logger backed by logger.
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger.WithField("component", "audit")}
}

// Log emits the event at info level, or warn for denials and failures.
func (l *StructuredLogger) Log(ctx context.Context, event *Event) error {
	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	if event.TenantID != nil {
		fields["tenant_id"] = *event.TenantID
	}
	if event.UserID != nil {
		fields["user_id"] = *event.UserID
	}
	if event.ResourceType != "" {
		fields["resource_type"] = string(event.ResourceType)
		fields["resource_id"] = event.ResourceID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}

	entry := l.logger.WithFields(fields)
	if event.Status == EventStatusSuccess {
		entry.Info(event.Message)
	} else {
		entry.Warn(event.Message)
	}
	return nil
}

// Close is a no-op.
func (l *StructuredLogger) Close() error {
	return nil
}
