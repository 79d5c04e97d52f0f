package auth

import (
	"context"
	"strings"
)

// Principal is the authenticated caller. OrganizationID comes from the
// verified token, never from request fields, and scopes every tenant
// check downstream.
type Principal struct {
	UserID         string
	OrganizationID string
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil || strings.TrimSpace(v.UserID) == "" {
		return Principal{}, false
	}
	return *v, true
}
