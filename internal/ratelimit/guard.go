package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/server"
)

// Guard applies the global sliding-window limit to rate-limited routes.
type Guard struct {
	limiter    *SlidingWindow
	identifier ports.Identifier
	scope      string
	window     time.Duration
	max        int
}

// NewGuard creates the global limiter guard. identifier may be nil, in which
// case every request is keyed by client IP.
func NewGuard(limiter *SlidingWindow, identifier ports.Identifier, window time.Duration, max int) *Guard {
	return &Guard{
		limiter:    limiter,
		identifier: identifier,
		scope:      "global",
		window:     window,
		max:        max,
	}
}

func (g *Guard) Name() string { return "rate_limit" }

func (g *Guard) Order() ports.StageOrder { return ports.OrderRateLimit }

// Check counts the request and rejects it once the window is full.
func (g *Guard) Check(r *http.Request, rc *domain.RequestContext) error {
	if !rc.Route.RateLimited {
		return nil
	}

	// Only identities that verify without I/O can key the limiter; anything
	// else is bound to the client IP.
	if rc.Principal == nil && g.identifier != nil {
		if p, ok := g.identifier.Peek(r); ok {
			rc.Principal = p
		}
	}

	key := Key(g.scope, rc)
	d := g.limiter.Hit(r.Context(), key, g.window, g.max)
	rc.RateLimit = &domain.RateLimitInfo{
		Limit:     d.Limit,
		Remaining: d.Remaining,
		Reset:     d.ResetAt,
	}

	server.AddLogField(r.Context(), "rate_limit_key", key)
	if !d.Allowed {
		return domain.ErrRateLimited()
	}
	return nil
}

// Key builds scope:principal-or-ip:workspace-or-global:route.
func Key(scope string, rc *domain.RequestContext) string {
	route := rc.Route.Name
	if route == "" {
		route = "default"
	}
	return fmt.Sprintf("%s:%s:%s:%s", scope, rc.IdentityKey(), rc.WorkspaceKey(), route)
}
