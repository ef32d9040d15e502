package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
)

var memdbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// In-memory SQLite with a shared cache so every pooled connection sees
	// the same database.
	store, err := New(fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memdbSeq.Add(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_APIKeyLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expires := time.UnixMilli(1800000000000)
	rec := &domain.APIKeyRecord{
		ID:          "key-1",
		UserID:      "user-1",
		Email:       "a@example.com",
		Role:        domain.RoleMember,
		WorkspaceID: "ws-1",
		KeyHash:     "hash-1",
		ExpiresAt:   &expires,
	}
	if err := store.PutAPIKey(ctx, rec); err != nil {
		t.Fatalf("PutAPIKey() error = %v", err)
	}

	got, err := store.FindAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("FindAPIKeyByHash() error = %v", err)
	}
	if got.UserID != "user-1" || got.Role != domain.RoleMember || got.WorkspaceID != "ws-1" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}

	if _, err := store.FindAPIKeyByHash(ctx, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_LegacyCandidatesAndBackfill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)
	past := now.Add(-time.Minute)

	seed := []*domain.APIKeyRecord{
		{ID: "l1", UserID: "u", LegacyHash: "b1", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "l2", UserID: "u", LegacyHash: "b2", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "l3", UserID: "u", LegacyHash: "b3", CreatedAt: now.Add(-1 * time.Hour)},
		{ID: "revoked", UserID: "u", LegacyHash: "b4", Revoked: true, CreatedAt: now},
		{ID: "expired", UserID: "u", LegacyHash: "b5", ExpiresAt: &past, CreatedAt: now},
		{ID: "modern", UserID: "u", KeyHash: "h", CreatedAt: now},
	}
	for _, rec := range seed {
		if err := store.PutAPIKey(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListLegacyCandidates(ctx, now, 2)
	if err != nil {
		t.Fatalf("ListLegacyCandidates() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "l3" || got[1].ID != "l2" {
		t.Fatalf("unexpected candidates %+v", got)
	}

	if err := store.BackfillKeyHash(ctx, "l3", "new-hash"); err != nil {
		t.Fatalf("BackfillKeyHash() error = %v", err)
	}
	back, err := store.FindAPIKeyByHash(ctx, "new-hash")
	if err != nil || back.ID != "l3" {
		t.Fatalf("backfilled lookup: %v %+v", err, back)
	}

	if err := store.TouchAPIKey(ctx, "missing", now); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("TouchAPIKey(missing) = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_MarketplaceKeyAndUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := &domain.MarketplaceKey{
		ID:               "mk-1",
		SubscriberUserID: "sub-1",
		KeyHash:          "mhash",
		Plan:             domain.Plan{ID: "plan-1", RateLimitPerMinute: 60, BurstLimit: 5},
		API:              domain.PublishedAPI{ID: "api-1", BaseURL: "https://api.example.com/v2"},
	}
	if err := store.PutMarketplaceKey(ctx, key); err != nil {
		t.Fatalf("PutMarketplaceKey() error = %v", err)
	}

	got, err := store.FindMarketplaceKey(ctx, "mhash")
	if err != nil {
		t.Fatalf("FindMarketplaceKey() error = %v", err)
	}
	if got.APIID != "api-1" || got.API.BaseURL != "https://api.example.com/v2" {
		t.Errorf("unexpected api join %+v", got)
	}
	if got.Plan.RateLimitPerMinute != 60 || got.Plan.BurstLimit != 5 || got.Status != domain.KeyStatusActive {
		t.Errorf("unexpected plan join %+v", got)
	}

	status := 201
	errText := "upstream reset"
	entries := []*domain.UsageLog{
		{APIKeyID: "mk-1", APIID: "api-1", Method: "GET", URL: "https://api.example.com/v2/x", Status: &status, DurationMs: 12},
		{APIKeyID: "mk-1", APIID: "api-1", Method: "POST", URL: "https://api.example.com/v2/y", Error: &errText, DurationMs: 30},
	}
	for _, e := range entries {
		if err := store.RecordUsage(ctx, e); err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
	}

	n, err := store.CountUsageLogs(ctx, "mk-1")
	if err != nil || n != 2 {
		t.Fatalf("CountUsageLogs() = %d, %v; want 2", n, err)
	}
	got, _ = store.FindMarketplaceKey(ctx, "mhash")
	if got.UsageCount != 2 || got.LastUsedAt == nil {
		t.Errorf("usage count = %d, last used = %v", got.UsageCount, got.LastUsedAt)
	}

	if err := store.RecordUsage(ctx, &domain.UsageLog{APIKeyID: "missing", Method: "GET", URL: "u"}); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("RecordUsage(missing) = %v, want ErrNotFound", err)
	}
	if n, _ := store.CountUsageLogs(ctx, "missing"); n != 0 {
		t.Errorf("failed RecordUsage must not leave a row, got %d", n)
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
