// Package async provides the goroutine primitives used for background work:
// SafeGo for fire-and-forget tasks and WorkerPool for a bounded queue drained
// by a fixed number of workers. Both recover panics and log failures instead
// of propagating them.
package async
