// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that
// producers and consumers agree on one typed key.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/fleetwise/pkg/contextkeys"
//	ctx = contextkeys.WithPrincipal(ctx, principal)
//	principal, ok := ctx.Value(contextkeys.PrincipalKey).(*auth.Principal)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Principal
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	// Required by: all protected API endpoints, RBAC middleware, tenancy scopes
	PrincipalKey Key = "principal"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, audit trail
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware and middleware.Authenticator
	// Used by: handlers and workers that need request-scoped structured logging
	LoggerKey Key = "logger"
)

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
