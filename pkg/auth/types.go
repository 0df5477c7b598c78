package auth

import (
	"context"
	"strings"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// User is an account belonging to exactly one tenant.
type User struct {
	tenancy.Record
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Session is one issued bearer token.
type Session struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TenantID    int64      `json:"tenant_id"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	UserAgent   string     `json:"user_agent,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	// TenantActive is loaded with the session; it is not a session column.
	TenantActive bool `json:"-"`
}

// Active reports whether the session can still authenticate at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	User      *User
	SessionID int64
}

// SubjectID returns the user id.
func (p *Principal) SubjectID() int64 { return p.User.ID }

// OwningTenantID returns the user's tenant.
func (p *Principal) OwningTenantID() int64 { return p.User.TenantID }

// PrincipalFromContext returns the principal set by the authenticator.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p, ok && p != nil
}

// ClientInfo describes where a login came from.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}
