// Package util provides small helpers shared by chatdesk packages.
package util

import (
	"context"
	"time"
)

// NewTimeoutContext derives a context with the given timeout from parent.
// A nil parent means context.Background().
func NewTimeoutContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}

// Detach returns a context that keeps parent's values but is never cancelled.
// Fire-and-forget work started from a request uses it so it outlives the request.
func Detach(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}
