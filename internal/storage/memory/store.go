// Package memory is an in-process implementation of the gateway store, used
// by tests and by single-node development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
)

var _ ports.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one lock. Returned records are
// copies.
type Store struct {
	mu          sync.RWMutex
	apiKeys     map[string]*domain.APIKeyRecord
	marketplace map[string]*domain.MarketplaceKey
	usage       []domain.UsageLog
}

// New creates an empty store.
func New() *Store {
	return &Store{
		apiKeys:     make(map[string]*domain.APIKeyRecord),
		marketplace: make(map[string]*domain.MarketplaceKey),
	}
}

// PutAPIKey inserts or replaces a user API key.
func (s *Store) PutAPIKey(ctx context.Context, rec *domain.APIKeyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[rec.ID] = &cp
	return nil
}

// PutMarketplaceKey inserts or replaces a subscriber key together with its
// plan and published API.
func (s *Store) PutMarketplaceKey(ctx context.Context, key *domain.MarketplaceKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.Status == "" {
		key.Status = domain.KeyStatusActive
	}
	cp := *key

	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketplace[key.ID] = &cp
	return nil
}

func (s *Store) FindAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.apiKeys {
		if rec.KeyHash != "" && rec.KeyHash == keyHash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (s *Store) ListLegacyCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.APIKeyRecord
	for _, rec := range s.apiKeys {
		if rec.LegacyHash == "" || !rec.Usable(now) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) BackfillKeyHash(ctx context.Context, id, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.apiKeys[id]
	if !ok {
		return fmt.Errorf("api key %s: %w", id, ports.ErrNotFound)
	}
	rec.KeyHash = keyHash
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.apiKeys[id]
	if !ok {
		return fmt.Errorf("api key %s: %w", id, ports.ErrNotFound)
	}
	rec.LastUsedAt = &at
	return nil
}

func (s *Store) FindMarketplaceKey(ctx context.Context, keyHash string) (*domain.MarketplaceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.marketplace {
		if key.KeyHash == keyHash {
			cp := *key
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (s *Store) RecordUsage(ctx context.Context, entry *domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.marketplace[entry.APIKeyID]
	if !ok {
		return fmt.Errorf("marketplace key %s: %w", entry.APIKeyID, ports.ErrNotFound)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.usage = append(s.usage, *entry)
	key.UsageCount++
	at := entry.CreatedAt
	key.LastUsedAt = &at
	return nil
}

// UsageLogs returns a copy of every recorded usage row in insertion order.
func (s *Store) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageLog(nil), s.usage...)
}

// APIKey returns a copy of the stored key.
func (s *Store) APIKey(id string) (*domain.APIKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.apiKeys[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// MarketplaceKey returns a copy of the stored subscriber key.
func (s *Store) MarketplaceKey(id string) (*domain.MarketplaceKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.marketplace[id]
	if !ok {
		return nil, false
	}
	cp := *key
	return &cp, true
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }
