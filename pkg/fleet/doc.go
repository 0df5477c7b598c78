// Package fleet implements the maintenance domain: vehicles, service
// requests, quotes, work orders and invoices.
//
// Each resource is a tenancy.Repository, so every read and write is confined
// to the caller's tenant and other tenants' rows answer 404. Handlers gate
// routes through rbac.PermissionMiddleware and broadcast realtime events:
//
//	PATCH /vehicles/{id}/status      vehicle.status-updated     tenant.{t}, vehicle.{id}
//	PATCH /work-orders/{id}/status   work-order.status-changed  tenant.{t}, vehicle.{vehicle_id}
//	POST  /service-requests          service-request.created    tenant.{t}
//	POST  /quotes/{id}/approve       quote.approved             tenant.{t}, service-request.{id}
//
// Quote approval and work order assignment also queue in-app notifications.
//
// Status rules: work orders move open -> in_progress|on_hold|cancelled,
// in_progress -> on_hold|completed|cancelled and on_hold ->
// in_progress|cancelled. Invoices move draft -> issued|void and issued ->
// paid|void. Quotes are decided once, from draft or sent.
package fleet
