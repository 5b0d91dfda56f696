// Package ctxutil provides context utilities that can be safely imported anywhere.
// This package has no internal dependencies to avoid import cycles.
package ctxutil

import (
	"context"
	"os"
)

// ActorKey is the context key for the acting identity.
// Exported so it can be used consistently across packages.
type ActorKey struct{}

// WithActor returns a context with the actor embedded. The actor is
// recorded on every transition the request commits.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey{}, actor)
}

// ActorFromContext returns the actor from context, or empty string if not set.
func ActorFromContext(ctx context.Context) string {
	if v := ctx.Value(ActorKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// DefaultActor resolves the ambient actor identity: PIPECTL_ACTOR wins,
// then the OS user. Empty when neither is set.
func DefaultActor() string {
	if actor := os.Getenv("PIPECTL_ACTOR"); actor != "" {
		return actor
	}
	return os.Getenv("USER")
}
