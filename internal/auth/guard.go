package auth

import (
	"net/http"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/server"
)

// Guard resolves the principal and enforces the route's required roles.
type Guard struct {
	resolver *Resolver
}

func NewGuard(resolver *Resolver) *Guard {
	return &Guard{resolver: resolver}
}

func (g *Guard) Name() string { return "credentials" }

func (g *Guard) Order() ports.StageOrder { return ports.OrderCredentials }

// Check skips public routes. A principal memoised by an earlier stage is
// reused without re-verification.
func (g *Guard) Check(r *http.Request, rc *domain.RequestContext) error {
	if rc.Route.Public {
		return nil
	}

	if rc.Principal == nil {
		p, err := g.resolver.Resolve(r)
		if err != nil {
			return err
		}
		rc.Principal = p
	}

	server.AddLogField(r.Context(), "principal_id", rc.Principal.ID)
	server.AddLogField(r.Context(), "auth_source", string(rc.Principal.Source))

	if !rc.Principal.HasAnyRole(rc.Route.RequiredRoles...) {
		return domain.ErrForbidden("insufficient role for this route")
	}
	return nil
}
