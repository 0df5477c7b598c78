// Package api assembles the fleetwise HTTP surface.
//
// Layout:
//
//	GET  /healthz, /readyz        liveness and readiness probes
//	GET  /metrics                 Prometheus exposition
//	POST /api/login               public, rate limited per client address
//	     /api/...                 every other route requires a bearer token
//	     /api/audit/...           additionally requires view_audit_logs
//
// Feature packages register their own routes; this package only decides
// where they are mounted and which middleware wraps them. Request bodies
// are capped at Options.MaxBodyBytes except on upload routes, which enforce
// their own limit.
package api
