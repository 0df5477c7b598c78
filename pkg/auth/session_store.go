package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
)

// SessionStore persists issued tokens by hash.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a session.
func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (user_id, tenant_id, token_hash, token_prefix, user_agent, ip_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		sess.UserID, sess.TenantID, sess.TokenHash, sess.TokenPrefix,
		sess.UserAgent, sess.IPAddress, sess.CreatedAt, sess.ExpiresAt,
	).Scan(&sess.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindActiveByHash returns the unrevoked, unexpired session for tokenHash,
// along with whether its tenant is still active.
func (s *SessionStore) FindActiveByHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	var (
		sess     Session
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.tenant_id, s.token_hash, s.token_prefix, s.user_agent, s.ip_address,
			s.created_at, s.last_used_at, s.expires_at, t.is_active
		FROM sessions s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.token_hash = $1 AND s.revoked_at IS NULL AND s.expires_at > $2`,
		tokenHash, now,
	).Scan(&sess.ID, &sess.UserID, &sess.TenantID, &sess.TokenHash, &sess.TokenPrefix,
		&sess.UserAgent, &sess.IPAddress, &sess.CreatedAt, &lastUsed, &sess.ExpiresAt, &sess.TenantActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		sess.LastUsedAt = &t
	}
	return &sess, nil
}

// Touch records use of a session.
func (s *SessionStore) Touch(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_used_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Revoke marks a session revoked and reports whether this call revoked it.
// Revoking twice is a no-op that returns false.
func (s *SessionStore) Revoke(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return n > 0, nil
}

// RevokeAllForUser revokes every live session of a user.
func (s *SessionStore) RevokeAllForUser(ctx context.Context, userID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE user_id = $2 AND revoked_at IS NULL`, at, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevokeAllForTenant revokes every live session in a tenant.
func (s *SessionStore) RevokeAllForTenant(ctx context.Context, tenantID int64, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $1 WHERE tenant_id = $2 AND revoked_at IS NULL`, at, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeExpired deletes sessions that expired before cutoff or were revoked
// before cutoff.
func (s *SessionStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
