// Package jobs schedules background maintenance with robfig/cron: purging
// stale sessions and sampling the notification queue depth and database
// pool into Prometheus gauges.
package jobs
