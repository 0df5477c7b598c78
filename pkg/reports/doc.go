// Package reports aggregates a tenant's fleet data into the dashboard, fleet
// and maintenance reports. Every figure is a grouped count scoped to the
// caller's tenant.
package reports
