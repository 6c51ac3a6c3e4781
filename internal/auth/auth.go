package auth

import (
	"context"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleCustomer   = "customer"
	RoleStaff      = "staff"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleService    = "service"
)

// WebhookServiceID is the identity every gateway webhook write runs under.
const WebhookServiceID = "system:webhook"

type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

func (p *Principal) IsElevated() bool {
	switch p.Role {
	case RoleAdmin, RoleSuperAdmin, RoleService:
		return true
	default:
		return false
	}
}

func (p *Principal) IsService() bool {
	return p.Role == RoleService
}

func ServicePrincipal(id string) *Principal {
	return &Principal{ID: id, Role: RoleService}
}

// Claims represents JWT token claims
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// WithPrincipal attaches p and records its id as the acting actor.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, p)
	return internal.ContextWithActor(ctx, p.ID)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// RequireElevatedPrivilege returns the acting principal when it may perform
// admin actions.
func RequireElevatedPrivilege(ctx context.Context) (*Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, internal.NewUnauthorizedError("Authentication required", internal.ErrCodeInvalidToken)
	}
	if !p.IsElevated() {
		return nil, internal.ErrInsufficientRole
	}
	return p, nil
}
