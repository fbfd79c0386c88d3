package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
// Uses Go 1.21+ context.WithoutCancel for clean implementation.
//
// Decision log writes use it so a record still lands when the request that
// produced it has already timed out.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
// This ensures logging operations have their own deadline independent of
// the parent context's cancellation status.
//
// Example usage:
//
//	logCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := store.Record(logCtx, entry)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(parent)
	return context.WithTimeout(detached, timeout)
}
