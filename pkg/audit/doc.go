// Package audit records security-relevant events: logins, role grants and
// revocations, role edits and authorization denials.
//
// Events are written to the audit_logs table by DBLogger and mirrored to the
// structured log by StructuredLogger; MultiLogger fans out to both. Every
// event is stamped with the tenant and user of the principal in the request
// context, so the HTTP handlers only ever read the caller's own tenant.
//
//	auditLog := audit.NewMultiLogger(dbLogger, audit.NewStructuredLogger(logger))
//	_ = audit.LogDenied(ctx, auditLog, audit.ResourceTypePermission, "manage_roles", "missing permission")
package audit
