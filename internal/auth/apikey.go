package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
)

var errInvalidAPIKey = errors.New("invalid API key")

// KeyVerifier resolves user API keys against the key store.
type KeyVerifier struct {
	store     ports.APIKeyStore
	scanLimit int
	logger    *slog.Logger
	now       func() time.Time
	compare   func(hash, raw []byte) error
}

// NewKeyVerifier creates a verifier. scanLimit bounds the legacy bcrypt scan;
// zero disables it.
func NewKeyVerifier(store ports.APIKeyStore, scanLimit int, logger *slog.Logger) *KeyVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyVerifier{
		store:     store,
		scanLimit: scanLimit,
		logger:    logger,
		now:       time.Now,
		compare:   bcrypt.CompareHashAndPassword,
	}
}

// Verify looks the key up by SHA-256 hash first. Keys from the legacy era
// carry only a bcrypt hash and are found by scanning the most recent usable
// legacy keys; a match backfills the SHA-256 hash so the next lookup is exact.
func (v *KeyVerifier) Verify(ctx context.Context, raw string) (*domain.APIKeyRecord, error) {
	now := v.now()
	keyHash := HashAPIKey(raw)

	rec, err := v.store.FindAPIKeyByHash(ctx, keyHash)
	switch {
	case err == nil:
		if !rec.Usable(now) {
			return nil, errInvalidAPIKey
		}
	case errors.Is(err, ports.ErrNotFound):
		rec, err = v.scanLegacy(ctx, raw, keyHash, now)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	if err := v.store.TouchAPIKey(ctx, rec.ID, now); err != nil {
		v.logger.Warn("failed to record api key use", "api_key_id", rec.ID, "error", err)
	}
	return rec, nil
}

func (v *KeyVerifier) scanLegacy(ctx context.Context, raw, keyHash string, now time.Time) (*domain.APIKeyRecord, error) {
	if v.scanLimit <= 0 {
		return nil, errInvalidAPIKey
	}

	candidates, err := v.store.ListLegacyCandidates(ctx, now, v.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list legacy keys: %w", err)
	}

	// Every candidate costs one full bcrypt comparison, match or not, so the
	// scan time does not depend on where the key sits. The newest match wins.
	var match *domain.APIKeyRecord
	for _, c := range candidates {
		if c.LegacyHash == "" {
			continue
		}
		if v.compare([]byte(c.LegacyHash), []byte(raw)) == nil && match == nil {
			match = c
		}
	}
	if match == nil {
		return nil, errInvalidAPIKey
	}

	if err := v.store.BackfillKeyHash(ctx, match.ID, keyHash); err != nil {
		v.logger.Warn("failed to backfill api key hash", "api_key_id", match.ID, "error", err)
	} else {
		match.KeyHash = keyHash
	}
	return match, nil
}
