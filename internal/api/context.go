package api

import (
	"context"
)

// userIDContextKey is the context key for the authenticated user id.
type userIDContextKey struct{}

// WithUserID returns a new context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the authenticated user id. The second result
// is false when the request did not pass through AuthMiddleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDContextKey{}).(string)
	return id, ok && id != ""
}

// MustUserID extracts the user id or panics.
// Use only on routes behind AuthMiddleware.
func MustUserID(ctx context.Context) string {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		panic("user id not in context: middleware misconfiguration")
	}
	return id
}
