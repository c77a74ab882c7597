package storage

import "context"

// ownerKey is a private type for the owner context key.
type ownerKey struct{}

// SetOwner injects the authenticated owner into the context. Stores scope
// every operation to that owner's sessions.
func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// GetOwner extracts the owner from the context.
// Returns an empty string if no owner is set (single-user mode).
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok {
		return v
	}
	return ""
}
