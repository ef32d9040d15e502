package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reqforge/gateway/internal/core/domain"
)

// PutAPIKey inserts or replaces a user API key.
func (s *Store) PutAPIKey(ctx context.Context, rec *domain.APIKeyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	revoked := 0
	if rec.Revoked {
		revoked = 1
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO api_keys
		(`+apiKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, nullString(rec.Email), nullString(string(rec.Role)), nullString(rec.WorkspaceID),
		nullString(rec.KeyHash), nullString(rec.LegacyHash), revoked,
		nullMillis(rec.ExpiresAt), rec.CreatedAt.UnixMilli(), nullMillis(rec.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put api key: %w", err)
	}
	return nil
}

// PutMarketplaceKey inserts or replaces a subscriber key along with its plan
// and published API.
func (s *Store) PutMarketplaceKey(ctx context.Context, key *domain.MarketplaceKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.Status == "" {
		key.Status = domain.KeyStatusActive
	}
	if key.APIID == "" {
		key.APIID = key.API.ID
	}
	if key.PlanID == "" {
		key.PlanID = key.Plan.ID
	}
	revoked := 0
	if key.Revoked {
		revoked = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO marketplace_apis (id, base_url) VALUES (?, ?)`,
		key.APIID, key.API.BaseURL); err != nil {
		return fmt.Errorf("failed to put published api: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO marketplace_plans (id, rate_limit_per_minute, burst_limit) VALUES (?, ?, ?)`,
		key.PlanID, key.Plan.RateLimitPerMinute, key.Plan.BurstLimit); err != nil {
		return fmt.Errorf("failed to put plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO marketplace_api_keys
		(id, api_id, subscriber_user_id, plan_id, key_hash, status, revoked, usage_count, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.APIID, key.SubscriberUserID, key.PlanID, key.KeyHash, string(key.Status), revoked,
		key.UsageCount, nullMillis(key.LastUsedAt)); err != nil {
		return fmt.Errorf("failed to put marketplace key: %w", err)
	}
	return tx.Commit()
}

// CountUsageLogs returns the number of usage rows recorded for a key.
func (s *Store) CountUsageLogs(ctx context.Context, apiKeyID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM marketplace_usage_logs WHERE api_key_id = ?`, apiKeyID).Scan(&n)
	return n, err
}
