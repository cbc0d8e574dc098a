// Package identity resolves the caller Principal used for access checks and
// audit attribution. Authentication is out of scope; deployments front the
// API with their own auth layer and pass the resolved identity through
// X-Principal-* headers.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/moduleplane/moduleplane/internal/models"
)

type contextKey string

const principalKey contextKey = "principal"

// Anonymous is the principal attached when the caller provides none.
var Anonymous = &models.Principal{Type: models.PrincipalUser, ID: "anonymous"}

// System is the principal used for controller-initiated operations such as
// rollbacks and cascading updates.
var System = &models.Principal{
	Type:  models.PrincipalUser,
	ID:    "system",
	Roles: []string{"admin"},
}

// Provider resolves the caller identity for a request context.
type Provider interface {
	Resolve(ctx context.Context) (*models.Principal, error)
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal attached to ctx, or Anonymous.
func FromContext(ctx context.Context) *models.Principal {
	if p, ok := ctx.Value(principalKey).(*models.Principal); ok && p != nil {
		return p
	}
	return Anonymous
}

// ContextProvider resolves whatever WithPrincipal attached. It is the
// default provider; API middleware fills the context from headers.
type ContextProvider struct{}

func (ContextProvider) Resolve(ctx context.Context) (*models.Principal, error) {
	return FromContext(ctx), nil
}

// StaticProvider always resolves the same principal. Used by tests and by
// background workers acting as System.
type StaticProvider struct {
	Principal *models.Principal
}

func (s StaticProvider) Resolve(ctx context.Context) (*models.Principal, error) {
	if s.Principal == nil {
		return Anonymous, nil
	}
	return s.Principal, nil
}

// FromHeaders builds a principal from X-Principal-* request headers:
// X-Principal-Type, X-Principal-Id, X-Principal-Roles (comma-separated).
// Missing or malformed headers yield Anonymous.
func FromHeaders(h http.Header) *models.Principal {
	id := strings.TrimSpace(h.Get("X-Principal-Id"))
	if id == "" {
		return Anonymous
	}

	ptype := models.PrincipalType(strings.ToLower(strings.TrimSpace(h.Get("X-Principal-Type"))))
	switch ptype {
	case models.PrincipalUser, models.PrincipalRole, models.PrincipalModule, models.PrincipalTenant:
	default:
		ptype = models.PrincipalUser
	}

	var roles []string
	if raw := h.Get("X-Principal-Roles"); raw != "" {
		for _, r := range strings.Split(raw, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
	}

	return &models.Principal{Type: ptype, ID: id, Roles: roles}
}
