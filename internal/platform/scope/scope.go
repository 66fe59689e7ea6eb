package scope

import (
	"context"

	"github.com/google/uuid"
)

type scopeKey struct{}

// Scope is the tenant identity established by the auth middleware for the
// lifetime of one request. Admin is only ever set by background loops.
type Scope struct {
	ProjectID uuid.UUID
	APIKeyID  uuid.UUID
	Admin     bool
}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func GetScope(ctx context.Context) *Scope {
	val := ctx.Value(scopeKey{})
	if s, ok := val.(*Scope); ok {
		return s
	}
	return nil
}

// ProjectID returns the scoped project or uuid.Nil when the context carries
// no scope (background/admin paths).
func ProjectID(ctx context.Context) uuid.UUID {
	if s := GetScope(ctx); s != nil {
		return s.ProjectID
	}
	return uuid.Nil
}

func IsAdmin(ctx context.Context) bool {
	if s := GetScope(ctx); s != nil {
		return s.Admin
	}
	return false
}

// Admin returns a context elevated for cross-tenant reconciler work.
func Admin(ctx context.Context) context.Context {
	return WithScope(ctx, &Scope{Admin: true})
}
