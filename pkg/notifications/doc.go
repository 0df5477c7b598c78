// Package notifications records per-user notifications and delivers them.
//
// Dispatcher.Send is the delivery path. It stores a pending notification,
// moves it to sent for the in_app and email channels (publishing
// notification.sent on the recipient's user channel) or to failed for any
// other channel. A recipient outside the tenant is ignored.
//
// The API never calls Send directly: POST /notifications enqueues a Job and
// returns 202. MemoryQueue runs jobs on an async.WorkerPool; RedisQueue keeps
// them in a Redis list so they survive restarts.
package notifications
