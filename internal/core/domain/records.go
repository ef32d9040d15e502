package domain

import "time"

// APIKeyRecord is a user API key as stored by the account service. Only
// hashes are ever stored; the raw key never reaches storage.
type APIKeyRecord struct {
	ID          string
	UserID      string
	Email       string
	Role        Role
	WorkspaceID string

	// KeyHash is the hex SHA-256 of the raw key. Empty for legacy keys that
	// have not been backfilled yet.
	KeyHash string

	// LegacyHash is the bcrypt hash used by the first key-generation era.
	LegacyHash string

	Revoked    bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Usable reports whether the key is neither revoked nor expired at now.
func (k *APIKeyRecord) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// MarketplaceKeyStatus is the lifecycle state of a subscriber key.
type MarketplaceKeyStatus string

const (
	KeyStatusActive    MarketplaceKeyStatus = "active"
	KeyStatusSuspended MarketplaceKeyStatus = "suspended"
)

// Plan holds the per-key quota of a marketplace subscription. Zero means unlimited.
type Plan struct {
	ID                 string
	RateLimitPerMinute int
	BurstLimit         int
}

// PublishedAPI is a third-party API listed on the marketplace.
type PublishedAPI struct {
	ID      string
	BaseURL string
}

// MarketplaceKey is a subscriber key joined with its plan and target API.
type MarketplaceKey struct {
	ID               string
	APIID            string
	SubscriberUserID string
	PlanID           string
	KeyHash          string
	Status           MarketplaceKeyStatus
	Revoked          bool
	UsageCount       int64
	LastUsedAt       *time.Time

	Plan Plan
	API  PublishedAPI
}

// UsageLog is one append-only row per proxied marketplace call.
type UsageLog struct {
	ID         string
	APIKeyID   string
	APIID      string
	Method     string
	URL        string
	Status     *int
	DurationMs int64
	Error      *string
	CreatedAt  time.Time
}
