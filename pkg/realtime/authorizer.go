package realtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Channel kinds.
const (
	KindUser           = "user"
	KindTenant         = "tenant"
	KindVehicle        = "vehicle"
	KindServiceRequest = "service-request"
)

const privatePrefix = "private-"

// Caller is the authenticated subscriber.
type Caller interface {
	SubjectID() int64
	OwningTenantID() int64
}

// CallerFromContext returns the principal stored by the authentication
// middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextkeys.PrincipalKey).(Caller)
	return c, ok && c != nil
}

// EntityResolver reports whether an entity exists within a tenant.
type EntityResolver interface {
	Exists(ctx context.Context, scope tenancy.Scope, id int64) (bool, error)
}

// Channel is a parsed channel name.
type Channel struct {
	Kind string
	ID   int64
}

// Name returns the canonical name without the private- prefix.
func (c Channel) Name() string {
	return c.Kind + "." + strconv.FormatInt(c.ID, 10)
}

// ParseChannel parses "[private-]kind.id". The id must be a positive integer
// written canonically, so every channel has exactly one accepted name.
func ParseChannel(name string) (Channel, bool) {
	name = strings.TrimPrefix(name, privatePrefix)
	kind, rawID, ok := strings.Cut(name, ".")
	if !ok || kind == "" {
		return Channel{}, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != rawID {
		return Channel{}, false
	}
	return Channel{Kind: kind, ID: id}, true
}

// ChannelAuthorizer decides whether a caller may subscribe to a channel.
type ChannelAuthorizer struct {
	entities map[string]EntityResolver
	metrics  *observability.Metrics
	audit    audit.Logger
}

// AuthorizerOption configures a ChannelAuthorizer.
type AuthorizerOption func(*ChannelAuthorizer)

// WithEntity enables channels of kind, resolved through r.
func WithEntity(kind string, r EntityResolver) AuthorizerOption {
	return func(a *ChannelAuthorizer) { a.entities[kind] = r }
}

// WithAuthorizerMetrics records decisions.
func WithAuthorizerMetrics(m *observability.Metrics) AuthorizerOption {
	return func(a *ChannelAuthorizer) { a.metrics = m }
}

// WithAuthorizerAudit records denials.
func WithAuthorizerAudit(l audit.Logger) AuthorizerOption {
	return func(a *ChannelAuthorizer) { a.audit = l }
}

// NewChannelAuthorizer creates an authorizer for user and tenant channels
// plus any entity kinds registered with WithEntity.
func NewChannelAuthorizer(opts ...AuthorizerOption) *ChannelAuthorizer {
	a := &ChannelAuthorizer{entities: make(map[string]EntityResolver)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize returns the parsed channel and whether caller may subscribe.
// Entities outside the caller's tenant are denied exactly like missing ones.
// An error is returned only when an entity lookup fails.
func (a *ChannelAuthorizer) Authorize(ctx context.Context, caller Caller, name string) (Channel, bool, error) {
	ch, ok := ParseChannel(name)
	if !ok {
		a.deny(ctx, "malformed", name, "malformed channel name")
		return ch, false, nil
	}

	var (
		allowed bool
		reason  string
	)
	switch ch.Kind {
	case KindUser:
		allowed = caller.SubjectID() == ch.ID
		reason = "not the channel owner"
	case KindTenant:
		allowed = caller.OwningTenantID() == ch.ID
		reason = "not a member of the tenant"
	default:
		resolver, known := a.entities[ch.Kind]
		if !known {
			a.deny(ctx, "unknown", name, "unknown channel kind")
			return ch, false, nil
		}
		exists, err := resolver.Exists(ctx, tenancy.ForTenant(caller.OwningTenantID()), ch.ID)
		if err != nil {
			return ch, false, fmt.Errorf("failed to resolve %s %d: %w", ch.Kind, ch.ID, err)
		}
		allowed = exists
		reason = ch.Kind + " not accessible"
	}

	if !allowed {
		a.deny(ctx, ch.Kind, name, reason)
		return ch, false, nil
	}
	a.metrics.RecordChannelAuth(ch.Kind, true)
	return ch, true, nil
}

func (a *ChannelAuthorizer) deny(ctx context.Context, kind, name, reason string) {
	a.metrics.RecordChannelAuth(kind, false)
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"channel": name,
		"reason":  reason,
	}).Info("channel subscription denied")

	if a.audit == nil {
		return
	}
	event := audit.NewEvent(ctx, audit.EventTypeAuthzChannelDenied, audit.EventStatusDenied)
	event.ResourceType = audit.ResourceTypeChannel
	if len(name) > 255 {
		name = name[:255]
	}
	event.ResourceID = name
	event.Message = reason
	if err := a.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}
