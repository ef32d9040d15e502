// Package sqlite is the SQLite-backed gateway store for API keys, marketplace
// subscriptions and usage logs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
)

var _ ports.Store = (*Store)(nil)

// Store is a SQLite implementation of ports.Store. Timestamps are stored as
// unix milliseconds so range predicates compare numerically.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			email TEXT,
			role TEXT,
			workspace_id TEXT,
			key_hash TEXT UNIQUE,
			legacy_hash TEXT,
			revoked INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_apis (
			id TEXT PRIMARY KEY,
			base_url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_plans (
			id TEXT PRIMARY KEY,
			rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
			burst_limit INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_api_keys (
			id TEXT PRIMARY KEY,
			api_id TEXT NOT NULL,
			subscriber_user_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'active',
			revoked INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER,
			FOREIGN KEY (api_id) REFERENCES marketplace_apis(id),
			FOREIGN KEY (plan_id) REFERENCES marketplace_plans(id)
		)`,
		`CREATE TABLE IF NOT EXISTS marketplace_usage_logs (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL,
			api_id TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER,
			duration_ms INTEGER NOT NULL,
			error TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_legacy ON api_keys(created_at) WHERE legacy_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_key ON marketplace_usage_logs(api_key_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const apiKeyColumns = `id, user_id, email, role, workspace_id, key_hash, legacy_hash, revoked, expires_at, created_at, last_used_at`

func (s *Store) FindAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash)
	rec, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find api key: %w", err)
	}
	return rec, nil
}

func (s *Store) ListLegacyCandidates(ctx context.Context, now time.Time, limit int) ([]*domain.APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
		WHERE legacy_hash IS NOT NULL AND legacy_hash != ''
		  AND revoked = 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy keys: %w", err)
	}
	defer rows.Close()

	var out []*domain.APIKeyRecord
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) BackfillKeyHash(ctx context.Context, id, keyHash string) error {
	return s.execOne(ctx, `UPDATE api_keys SET key_hash = ? WHERE id = ?`, keyHash, id)
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UnixMilli(), id)
}

func (s *Store) FindMarketplaceKey(ctx context.Context, keyHash string) (*domain.MarketplaceKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
			k.id, k.api_id, k.subscriber_user_id, k.plan_id, k.key_hash, k.status, k.revoked,
			k.usage_count, k.last_used_at,
			p.id, p.rate_limit_per_minute, p.burst_limit,
			a.id, a.base_url
		FROM marketplace_api_keys k
		JOIN marketplace_plans p ON p.id = k.plan_id
		JOIN marketplace_apis a ON a.id = k.api_id
		WHERE k.key_hash = ?`, keyHash)

	var (
		key      domain.MarketplaceKey
		status   string
		revoked  int
		lastUsed sql.NullInt64
	)
	err := row.Scan(
		&key.ID, &key.APIID, &key.SubscriberUserID, &key.PlanID, &key.KeyHash, &status, &revoked,
		&key.UsageCount, &lastUsed,
		&key.Plan.ID, &key.Plan.RateLimitPerMinute, &key.Plan.BurstLimit,
		&key.API.ID, &key.API.BaseURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find marketplace key: %w", err)
	}
	key.Status = domain.MarketplaceKeyStatus(status)
	key.Revoked = revoked != 0
	key.LastUsedAt = fromMillis(lastUsed)
	return &key, nil
}

// RecordUsage appends the usage row and bumps the key counters in one
// transaction.
func (s *Store) RecordUsage(ctx context.Context, entry *domain.UsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE marketplace_api_keys
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?`, entry.CreatedAt.UnixMilli(), entry.APIKeyID)
	if err != nil {
		return fmt.Errorf("failed to update usage count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("marketplace key %s: %w", entry.APIKeyID, ports.ErrNotFound)
	}

	var status sql.NullInt64
	if entry.Status != nil {
		status = sql.NullInt64{Int64: int64(*entry.Status), Valid: true}
	}
	var errText sql.NullString
	if entry.Error != nil {
		errText = sql.NullString{String: *entry.Error, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO marketplace_usage_logs
		(id, api_key_id, api_id, method, url, status, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.APIKeyID, entry.APIID, entry.Method, entry.URL,
		status, entry.DurationMs, errText, entry.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row scanner) (*domain.APIKeyRecord, error) {
	var (
		rec                                     domain.APIKeyRecord
		email, role, workspace, keyHash, legacy sql.NullString
		revoked                                 int
		expiresAt, lastUsed                     sql.NullInt64
		createdAt                               int64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &email, &role, &workspace, &keyHash, &legacy,
		&revoked, &expiresAt, &createdAt, &lastUsed); err != nil {
		return nil, err
	}
	rec.Email = email.String
	rec.Role = domain.Role(role.String)
	rec.WorkspaceID = workspace.String
	rec.KeyHash = keyHash.String
	rec.LegacyHash = legacy.String
	rec.Revoked = revoked != 0
	rec.ExpiresAt = fromMillis(expiresAt)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastUsedAt = fromMillis(lastUsed)
	return &rec, nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
