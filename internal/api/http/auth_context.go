package httpapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesalock/pesalock/internal/domain/user"
)

type authContextKey string

const authUserKey authContextKey = "authUser"

// AuthUser represents the authenticated caller in context. The full domain
// user rides along so guard checks downstream see the same identity the
// session resolved to.
type AuthUser struct {
	User      *user.User
	SessionID uuid.UUID
}

func withAuthUser(ctx context.Context, u *AuthUser) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, authUserKey, u)
}

func authUserFromContext(ctx context.Context) *AuthUser {
	if v, ok := ctx.Value(authUserKey).(*AuthUser); ok {
		return v
	}
	return nil
}
