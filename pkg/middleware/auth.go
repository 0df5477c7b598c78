package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/auth"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// TokenAuthenticator resolves a bearer token to a principal.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// Authenticator requires a valid bearer token on every request it wraps.
type Authenticator struct {
	tokens TokenAuthenticator
}

// NewAuthenticator creates the authentication middleware
func NewAuthenticator(tokens TokenAuthenticator) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Handler wraps an HTTP handler with authentication
func (m *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteUnauthorized(w, "Authentication required")
			return
		}

		principal, err := m.tokens.Authenticate(r.Context(), token)
		if err != nil {
			if apperr.KindOf(err) != apperr.KindUnauthorized {
				err = apperr.Internal(err)
			}
			httputil.WriteAppError(w, r, err)
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		ctx = observability.WithLogger(ctx, observability.FromContext(ctx).WithFields(map[string]interface{}{
			"user_id":   principal.User.ID,
			"tenant_id": principal.User.TenantID,
		}))
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int64("fleetwise.user_id", principal.User.ID),
			attribute.Int64("fleetwise.tenant_id", principal.User.TenantID),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads "Authorization: Bearer <token>". Browsers cannot set
// headers on websocket handshakes, so upgrades may pass access_token in the
// query string instead.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
