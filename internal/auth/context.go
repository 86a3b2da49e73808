package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

type userIDKey struct{}

type roleKey struct{}

func ContextWithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey{}).(uuid.UUID)
	return id, ok
}

func ContextWithRole(ctx context.Context, role domain.UserRole) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the caller's role, or customer when none was set.
func RoleFromContext(ctx context.Context) domain.UserRole {
	if r, ok := ctx.Value(roleKey{}).(domain.UserRole); ok {
		return r
	}
	return domain.UserRoleCustomer
}
