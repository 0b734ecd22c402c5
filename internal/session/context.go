package session

import (
	"context"

	"chatrelay/pkg/types"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the authenticated identity to ctx.
func WithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity attached by the gate middleware.
func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok && id.UserID != ""
}
