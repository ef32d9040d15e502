package ports

import (
	"context"
	"errors"
	"time"

	"github.com/reqforge/gateway/internal/core/domain"
)

// ErrNotFound is returned by stores when no record matches.
var ErrNotFound = errors.New("record not found")

// APIKeyStore is the read side of user API keys needed for authentication.
type APIKeyStore interface {
	// FindAPIKeyByHash looks up a key by the hex SHA-256 of the raw key.
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKeyRecord, error)

	// ListLegacyCandidates returns the most recent non-revoked, non-expired
	// keys that carry a legacy hash, newest first, at most limit entries.
	ListLegacyCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.APIKeyRecord, error)

	// BackfillKeyHash stores the SHA-256 hash for a legacy key.
	BackfillKeyHash(ctx context.Context, id, keyHash string) error

	// TouchAPIKey records the last use of a key.
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// MarketplaceStore serves subscriber keys and records metered usage.
type MarketplaceStore interface {
	// FindMarketplaceKey looks up a subscriber key by hash, joined with its
	// plan and published API.
	FindMarketplaceKey(ctx context.Context, keyHash string) (*domain.MarketplaceKey, error)

	// RecordUsage appends the usage row and bumps the key's usage counter
	// and last-used timestamp in one transaction.
	RecordUsage(ctx context.Context, entry *domain.UsageLog) error
}

// Store is the full storage surface of the gateway.
type Store interface {
	APIKeyStore
	MarketplaceStore

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close closes the storage connection.
	Close() error
}
