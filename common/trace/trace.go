// Package trace provides request ID generation and context propagation so
// that log lines emitted while handling one inbound tool call can be
// correlated across the analyze → store → outbox boundaries.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// traceKey is the unexported context key holding the request ID.
type traceKey struct{}

// GenerateID returns a fresh random request ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Random read failing is effectively impossible; fall back to a
		// timestamp so callers always get a usable ID.
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(bytes)
}

// WithID returns a child context carrying the given request ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the request ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
