package domain

import (
	"context"
	"net/http"
	"slices"
	"time"
)

// Role is an account-level role recomputed server-side for every request.
type Role string

const (
	RoleUser    Role = "user"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
	RoleFounder Role = "founder"
)

// Privileged reports whether the role may only be granted by the trusted
// email/role mapping and never taken from a client-asserted claim.
func (r Role) Privileged() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleFounder:
		return true
	}
	return false
}

// CredentialSource records which credential produced a Principal.
type CredentialSource string

const (
	SourceJWT    CredentialSource = "jwt"
	SourceAPIKey CredentialSource = "api_key"
	SourceBypass CredentialSource = "bypass"
)

// Principal is the resolved identity of one request. It lives on the request
// context and is never persisted by the gateway.
type Principal struct {
	ID                string
	Email             string
	Role              Role
	APIKeyID          string
	WorkspaceID       string
	IsDeveloperBypass bool
	Source            CredentialSource
}

// HasAnyRole reports whether the principal holds one of the required roles.
// An empty requirement always passes.
func (p *Principal) HasAnyRole(required ...Role) bool {
	if len(required) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	return slices.Contains(required, p.Role)
}

// RouteConfig is the explicit per-route policy consulted by the guards.
type RouteConfig struct {
	// Name identifies the route in rate-limit keys and logs.
	Name string

	// Public routes skip credential resolution entirely.
	Public bool

	// RequiredRoles restricts the route to principals holding one of the roles.
	RequiredRoles []Role

	// RateLimited enables the global sliding-window limiter.
	RateLimited bool
}

// RateLimitInfo is the outcome of a limiter check, rendered as
// x-rate-limit-* response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// RequestContext is the strongly-typed per-request state threaded through the
// guard chain. Guards read and fill it; nothing is attached to the raw request.
type RequestContext struct {
	RequestID string
	ClientIP  string
	StartedAt time.Time
	Route     RouteConfig

	// Principal is nil until credentials resolve (or for public routes).
	Principal *Principal

	// RateLimit is set by the global limiter.
	RateLimit *RateLimitInfo

	// Marketplace is set by the marketplace key authenticator.
	Marketplace *MarketplaceKey
}

// IdentityKey returns the principal binding used for per-caller state:
// mkt:<key-id> for an authenticated subscriber key, user:<id> for a
// principal, ip:<client-ip> otherwise.
func (rc *RequestContext) IdentityKey() string {
	if rc.Marketplace != nil && rc.Marketplace.ID != "" {
		return "mkt:" + rc.Marketplace.ID
	}
	if rc.Principal != nil && rc.Principal.ID != "" {
		return "user:" + rc.Principal.ID
	}
	return "ip:" + rc.ClientIP
}

// WorkspaceKey returns the principal's workspace or "global". Client-supplied
// workspace headers are deliberately never consulted.
func (rc *RequestContext) WorkspaceKey() string {
	if rc.Principal != nil && rc.Principal.WorkspaceID != "" {
		return rc.Principal.WorkspaceID
	}
	return "global"
}

type requestContextKey struct{}

// WithRequestContext stores rc on ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the request context, or nil if none is attached.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// IsMutating reports whether the method is state-changing.
func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
