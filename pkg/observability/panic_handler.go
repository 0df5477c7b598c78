package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack trace.
// It must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "notification worker")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverToError converts a recovered panic value into an error, logging it
// first. It returns nil when r is nil.
func RecoverToError(logger *Logger, where string, r interface{}) error {
	if r == nil {
		return nil
	}
	logPanic(logger, where, r)
	return fmt.Errorf("panic in %s: %v", where, r)
}

func logPanic(logger *Logger, where string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
