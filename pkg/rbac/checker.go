package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// Subject is the authenticated caller being authorized. auth.Principal
// implements it.
type Subject interface {
	SubjectID() int64
	OwningTenantID() int64
}

// SubjectFromContext returns the authenticated subject stored in ctx.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(contextkeys.PrincipalKey).(Subject)
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// Resolution is a user's effective authorization state at one instant.
type Resolution struct {
	Permissions PermissionSet
	Roles       []string
}

// Checker answers authorization questions. Role state is re-read on every
// call; nothing is cached between checks.
type Checker struct {
	store   *Store
	metrics *observability.Metrics
	audit   audit.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithMetrics records allow/deny counters.
func WithMetrics(m *observability.Metrics) CheckerOption {
	return func(c *Checker) { c.metrics = m }
}

// WithAudit records denials in the audit trail.
func WithAudit(l audit.Logger) CheckerOption {
	return func(c *Checker) { c.audit = l }
}

// NewChecker creates a checker over store.
func NewChecker(store *Store, opts ...CheckerOption) *Checker {
	c := &Checker{store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve computes the subject's transitive roles and permissions by walking
// parent edges from each directly assigned role. Roles owned by a different
// tenant are ignored.
func (c *Checker) Resolve(ctx context.Context, subject Subject) (*Resolution, error) {
	direct, err := c.store.UserRoleIDs(ctx, subject.SubjectID())
	if err != nil {
		return nil, err
	}

	graph, err := c.store.RoleGraph(ctx, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role graph: %w", err)
	}

	res := &Resolution{Permissions: make(PermissionSet)}
	tenantID := subject.OwningTenantID()
	visited := make(map[int64]bool, len(graph))

	for _, start := range direct {
		for id := start; ; {
			if visited[id] {
				break
			}
			visited[id] = true

			node, ok := graph[id]
			if !ok {
				break
			}
			if node.TenantID != nil && *node.TenantID != tenantID {
				break
			}
			res.Roles = append(res.Roles, node.Name)
			for _, p := range node.Permissions {
				res.Permissions[p] = struct{}{}
			}
			if node.ParentID == nil {
				break
			}
			id = *node.ParentID
		}
	}

	return res, nil
}

// Authorize reports whether subject holds at least one of perms.
func (c *Checker) Authorize(ctx context.Context, subject Subject, perms ...Permission) (bool, error) {
	if subject == nil {
		return false, nil
	}

	res, err := c.Resolve(ctx, subject)
	if err != nil {
		return false, err
	}

	allowed := false
	for _, p := range perms {
		if res.Permissions.Has(p) {
			allowed = true
			break
		}
	}

	c.metrics.RecordAuthz(allowed)
	return allowed, nil
}

// HasRole reports whether subject holds any of the named roles, directly or
// through inheritance.
func (c *Checker) HasRole(ctx context.Context, subject Subject, names ...string) (bool, error) {
	if subject == nil {
		return false, nil
	}

	res, err := c.Resolve(ctx, subject)
	if err != nil {
		return false, err
	}

	for _, have := range res.Roles {
		for _, want := range names {
			if have == want {
				c.metrics.RecordAuthz(true)
				return true, nil
			}
		}
	}

	c.metrics.RecordAuthz(false)
	return false, nil
}

func (c *Checker) recordDenial(ctx context.Context, what, reason string) {
	if err := audit.LogDenied(ctx, c.audit, audit.ResourceTypePermission, what, reason); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to record authorization denial")
	}
}
