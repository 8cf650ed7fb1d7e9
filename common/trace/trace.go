// Package trace provides request ID generation and context propagation so
// that log lines emitted across handler → lifecycle-operation boundaries can
// be correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// traceKey is the unexported context key used to store the request ID.
type traceKey struct{}

// GenerateID returns a fresh random request ID.
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails (should never happen)
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "r_" + hex.EncodeToString(bytes)
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
