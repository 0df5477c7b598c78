package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

const invalidCredentials = "invalid credentials"

// ServiceConfig tunes session issuing.
type ServiceConfig struct {
	SessionTTL time.Duration
	BcryptCost int
}

// Service implements login, token authentication, logout and refresh.
type Service struct {
	users    *UserStore
	sessions *SessionStore
	tokens   *TokenGenerator
	cfg      ServiceConfig
	audit    audit.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService creates an authentication service.
func NewService(users *UserStore, sessions *SessionStore, cfg ServiceConfig, auditLogger audit.Logger, metrics *observability.Metrics) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{
		users:    users,
		sessions: sessions,
		tokens:   NewTokenGenerator(),
		cfg:      cfg,
		audit:    auditLogger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// LoginResult is returned once per issued token; the plaintext token is not
// recoverable afterwards.
type LoginResult struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// Login verifies credentials and issues a new session token. Unknown emails,
// wrong passwords and disabled accounts are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (*LoginResult, error) {
	log := observability.FromContext(ctx)

	candidate, err := s.users.FindForLogin(ctx, email)
	if err != nil {
		if !apperr.IsNotFound(err) {
			return nil, err
		}
		_, _ = CheckPassword(string(dummyHash), password)
		s.loginFailed(ctx, nil, email, "unknown email")
		return nil, apperr.Unauthorized(invalidCredentials)
	}

	user := candidate.User
	ok, err := CheckPassword(user.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.loginFailed(ctx, user, email, "wrong password")
		return nil, apperr.Unauthorized(invalidCredentials)
	}
	if !user.IsActive || !candidate.TenantActive {
		s.loginFailed(ctx, user, email, "account disabled")
		return nil, apperr.Unauthorized(invalidCredentials)
	}

	result, sess, err := s.issue(ctx, user, client)
	if err != nil {
		return nil, err
	}

	scope := tenancy.ForTenant(user.TenantID)
	if err := s.users.RecordLogin(ctx, scope, user.ID, sess.CreatedAt); err != nil {
		log.WithError(err).Warn("failed to record last login")
	}
	user.LastLoginAt = &sess.CreatedAt

	s.metrics.RecordLogin("success")
	s.logEvent(ctx, user, sess.ID, audit.EventTypeAuthLogin, audit.EventStatusSuccess, "login")
	return result, nil
}

func (s *Service) issue(ctx context.Context, user *User, client ClientInfo) (*LoginResult, *Session, error) {
	token, hash, prefix, err := s.tokens.GenerateToken()
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	sess := &Session{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		TokenHash:   hash,
		TokenPrefix: prefix,
		UserAgent:   truncate(client.UserAgent, 255),
		IPAddress:   truncate(client.IPAddress, 64),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, nil, err
	}

	return &LoginResult{Token: token, TokenType: "Bearer", ExpiresAt: sess.ExpiresAt, User: user}, sess, nil
}

// Authenticate resolves a bearer token to its principal. Any failure is
// Unauthorized.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if err := s.tokens.ValidateTokenFormat(token); err != nil {
		return nil, apperr.Unauthorized("invalid or expired token")
	}

	now := s.now()
	sess, err := s.sessions.FindActiveByHash(ctx, s.tokens.HashToken(token), now)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Unauthorized("invalid or expired token")
		}
		return nil, err
	}
	if !sess.TenantActive {
		return nil, apperr.Unauthorized("tenant disabled")
	}

	user, err := s.users.Get(ctx, tenancy.ForTenant(sess.TenantID), sess.UserID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.Unauthorized("invalid or expired token")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, apperr.Unauthorized("account disabled")
	}

	if err := s.sessions.Touch(ctx, sess.ID, now); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to touch session")
	}

	return &Principal{User: user, SessionID: sess.ID}, nil
}

// Logout revokes the principal's current session.
func (s *Service) Logout(ctx context.Context, p *Principal) error {
	if _, err := s.sessions.Revoke(ctx, p.SessionID, s.now()); err != nil {
		return err
	}
	s.logEvent(ctx, p.User, p.SessionID, audit.EventTypeAuthLogout, audit.EventStatusSuccess, "logout")
	return nil
}

// Refresh issues a replacement session and then revokes the current one.
// Only one of several concurrent refreshes of a session succeeds; the others
// are Unauthorized and their replacement tokens are revoked again.
func (s *Service) Refresh(ctx context.Context, p *Principal, client ClientInfo) (*LoginResult, error) {
	result, sess, err := s.issue(ctx, p.User, client)
	if err != nil {
		return nil, err
	}

	revoked, err := s.sessions.Revoke(ctx, p.SessionID, s.now())
	if err == nil && !revoked {
		err = apperr.Unauthorized("invalid or expired token")
	}
	if err != nil {
		if _, rerr := s.sessions.Revoke(ctx, sess.ID, s.now()); rerr != nil {
			observability.FromContext(ctx).WithError(rerr).Warn("failed to revoke replacement session")
		}
		return nil, err
	}
	s.logEvent(ctx, p.User, sess.ID, audit.EventTypeAuthRefresh, audit.EventStatusSuccess,
		fmt.Sprintf("session %d replaced", p.SessionID))
	return result, nil
}

// RevokeUserSessions ends every session of a user, used when an account is
// disabled or deleted.
func (s *Service) RevokeUserSessions(ctx context.Context, userID int64) error {
	_, err := s.sessions.RevokeAllForUser(ctx, userID, s.now())
	return err
}

// RevokeTenantSessions ends every session in a tenant, used when the tenant is
// disabled.
func (s *Service) RevokeTenantSessions(ctx context.Context, tenantID int64) (int64, error) {
	return s.sessions.RevokeAllForTenant(ctx, tenantID, s.now())
}

// PurgeSessions deletes sessions expired or revoked before olderThan ago.
func (s *Service) PurgeSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.sessions.PurgeExpired(ctx, s.now().Add(-olderThan))
}

// HashPassword hashes with the configured cost.
func (s *Service) HashPassword(password string) (string, error) {
	return HashPassword(password, s.cfg.BcryptCost)
}

func (s *Service) loginFailed(ctx context.Context, user *User, email, reason string) {
	s.metrics.RecordLogin("failure")
	observability.FromContext(ctx).WithField("email", NormalizeEmail(email)).WithField("reason", reason).Info("login failed")

	event := audit.NewEvent(ctx, audit.EventTypeAuthLoginFailed, audit.EventStatusFailure)
	event.Message = reason
	event.Metadata["email"] = NormalizeEmail(email)
	if user != nil {
		event.UserID = &user.ID
		event.TenantID = &user.TenantID
	}
	if err := s.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}

func (s *Service) logEvent(ctx context.Context, user *User, sessionID int64, eventType audit.EventType, status audit.EventStatus, message string) {
	event := audit.NewEvent(ctx, eventType, status)
	event.UserID = &user.ID
	event.TenantID = &user.TenantID
	event.ResourceType = audit.ResourceTypeSession
	event.ResourceID = strconv.FormatInt(sessionID, 10)
	event.Message = message
	event.RequestID = contextkeys.GetRequestID(ctx)
	if err := s.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("failed to write audit event")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
