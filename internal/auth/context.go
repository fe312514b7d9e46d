// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID string
	Role        string
}

// Anonymous is installed when authentication is disabled.
var Anonymous = &AuthContext{PrincipalID: "anonymous", Role: RoleOperator}

// HasRole reports whether the principal holds one of roles.
func (a *AuthContext) HasRole(roles ...string) bool {
	return a != nil && slices.Contains(roles, a.Role)
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
