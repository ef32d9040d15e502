package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/reqforge/gateway/internal/core/domain"
)

var errNoCredentials = errors.New("no credentials presented")

// Bypass is the developer identity injected when the bypass is active.
type Bypass struct {
	Enabled     bool
	UserID      string
	Email       string
	Role        domain.Role
	WorkspaceID string
}

// Resolver turns request credentials into a principal. Priority: developer
// bypass, then API key, then bearer JWT.
type Resolver struct {
	bypass    Bypass
	safeEnv   bool
	keys      *KeyVerifier
	jwt       *JWTVerifier
	roles     *RoleMapper
	logger    *slog.Logger
	bypassLog sync.Once
}

// ResolverConfig groups the Resolver dependencies.
type ResolverConfig struct {
	Bypass Bypass

	// SafeEnvironment is true only for development and test. An enabled
	// bypass outside a safe environment is ignored.
	SafeEnvironment bool

	Keys   *KeyVerifier
	JWT    *JWTVerifier
	Roles  *RoleMapper
	Logger *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		bypass:  cfg.Bypass,
		safeEnv: cfg.SafeEnvironment,
		keys:    cfg.Keys,
		jwt:     cfg.JWT,
		roles:   cfg.Roles,
		logger:  logger,
	}
}

// Resolve authenticates the request. Every failure is a uniform AUTH_401;
// the cause is kept for logs only.
func (res *Resolver) Resolve(r *http.Request) (*domain.Principal, error) {
	if p, ok := res.bypassPrincipal(); ok {
		return p, nil
	}

	if key := ExtractAPIKey(r); key != "" {
		if res.keys == nil {
			return nil, domain.ErrUnauthorized(errors.New("api keys not accepted"))
		}
		rec, err := res.keys.Verify(r.Context(), key)
		if err != nil {
			return nil, domain.ErrUnauthorized(err)
		}
		return &domain.Principal{
			ID:          rec.UserID,
			Email:       rec.Email,
			Role:        res.roles.Resolve(rec.Email, rec.Role),
			APIKeyID:    rec.ID,
			WorkspaceID: rec.WorkspaceID,
			Source:      domain.SourceAPIKey,
		}, nil
	}

	if r.Header.Get("Authorization") == "" {
		return nil, domain.ErrUnauthorized(errNoCredentials)
	}
	p, err := res.verifyBearer(r)
	if err != nil {
		return nil, domain.ErrUnauthorized(err)
	}
	return p, nil
}

// Peek returns the principal when it can be established without I/O: the
// developer bypass, or a valid bearer JWT with no API key presented.
func (res *Resolver) Peek(r *http.Request) (*domain.Principal, bool) {
	if p, ok := res.bypassPrincipal(); ok {
		return p, true
	}
	if ExtractAPIKey(r) != "" || r.Header.Get("Authorization") == "" {
		return nil, false
	}
	p, err := res.verifyBearer(r)
	if err != nil {
		return nil, false
	}
	return p, true
}

func (res *Resolver) verifyBearer(r *http.Request) (*domain.Principal, error) {
	if res.jwt == nil {
		return nil, errors.New("bearer tokens not accepted")
	}
	token, err := ExtractBearer(r)
	if err != nil {
		return nil, err
	}
	claims, err := res.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	return &domain.Principal{
		ID:          claims.Subject,
		Email:       claims.Email,
		Role:        res.roles.Resolve(claims.Email, domain.Role(claims.Role)),
		WorkspaceID: claims.WorkspaceID,
		Source:      domain.SourceJWT,
	}, nil
}

func (res *Resolver) bypassPrincipal() (*domain.Principal, bool) {
	if !res.bypass.Enabled {
		return nil, false
	}
	if !res.safeEnv {
		res.bypassLog.Do(func() {
			res.logger.Warn("developer auth bypass is enabled outside development/test and is ignored")
		})
		return nil, false
	}

	id := res.bypass.UserID
	if id == "" {
		id = "dev-user"
	}
	role := res.bypass.Role
	if role == "" {
		role = domain.RoleUser
	}
	return &domain.Principal{
		ID:                id,
		Email:             res.bypass.Email,
		Role:              role,
		WorkspaceID:       res.bypass.WorkspaceID,
		IsDeveloperBypass: true,
		Source:            domain.SourceBypass,
	}, true
}
