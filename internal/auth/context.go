// ABOUTME: Request identity propagated through admin handlers
// ABOUTME: Provides WithIdentity/FromContext for the verified token subject

package auth

import "context"

// RoleAdmin is the only role the admin API accepts.
const RoleAdmin = "admin"

// Identity is the verified subject of an admin token.
type Identity struct {
	Subject string
	Role    string
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by RequireAdmin, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
