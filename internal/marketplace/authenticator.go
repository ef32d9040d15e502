// Package marketplace proxies subscriber calls to published third-party APIs
// under per-key plan quotas, metering every call.
package marketplace

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/reqforge/gateway/internal/auth"
	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/ratelimit"
	"github.com/reqforge/gateway/internal/server"
)

// Authenticator checks subscriber keys and their plan quota.
type Authenticator struct {
	store ports.MarketplaceStore
	quota *ratelimit.Quota
}

func NewAuthenticator(store ports.MarketplaceStore, quota *ratelimit.Quota) *Authenticator {
	return &Authenticator{store: store, quota: quota}
}

// Authenticate resolves the presented key for apiID. The key must be active,
// not revoked, issued for apiID and within its plan quota. The raw key is
// only ever hashed, never sent to storage.
func (a *Authenticator) Authenticate(r *http.Request, apiID string) (*domain.MarketplaceKey, error) {
	raw := auth.ExtractAPIKey(r)
	if raw == "" {
		return nil, domain.NewError(domain.ErrorCodeAPIKeyRequired, "an API key is required")
	}

	ctx := r.Context()
	key, err := a.store.FindMarketplaceKey(ctx, auth.HashAPIKey(raw))
	if errors.Is(err, ports.ErrNotFound) {
		return nil, domain.NewError(domain.ErrorCodeAPIKeyInvalid, "invalid API key")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup marketplace key: %w", err)
	}

	server.AddLogField(ctx, "marketplace_key_id", key.ID)
	if key.Revoked || key.Status != domain.KeyStatusActive || key.APIID != apiID {
		return nil, domain.NewError(domain.ErrorCodeAPIKeyInvalid, "API key is not active for this API").
			WithStatus(http.StatusForbidden)
	}

	if d := a.quota.Hit(ctx, key.ID, key.Plan); !d.Allowed {
		return nil, domain.NewError(domain.ErrorCodeAPIRateLimited, "plan rate limit exceeded ("+d.Tier+")")
	}
	return key, nil
}
