// Package auth handles accounts and sessions: password login, opaque bearer
// tokens, logout, refresh and tenant-scoped user management.
//
// # Tokens
//
// Tokens look like fw_<base64url(32 random bytes)>. Only the SHA-256 hash
// and an eight character display prefix are stored, so a database leak does
// not leak usable credentials. Each login creates a session row; logout and
// refresh revoke it.
//
//	svc := auth.NewService(auth.NewUserStore(db), auth.NewSessionStore(db), auth.ServiceConfig{SessionTTL: 24 * time.Hour}, auditLog, metrics)
//	result, err := svc.Login(ctx, "ops@example.com", "secret", auth.ClientInfo{IPAddress: ip})
//	principal, err := svc.Authenticate(ctx, result.Token)
//
// The Principal implements rbac.Subject and tenancy.Owner, which is how the
// authorization checker and the tenant-scoped repositories find the caller.
package auth
