// Package l3 implements the durable KV tier (C3) backed by a
// single table in the relational store, used for survivability across
// Redis restarts.
package l3

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jewgo-app/core-platform/internal/cache/codec"
)

const tableName = "durable_cache_entries"

// schemaDDL mirrors migrations/0006_durable_cache_entries.up.sql. Store
// executes it on first use ("ensures the backing table and
// its indexes exist") so the tier is self-sufficient even if the caller's
// migration runner has not yet applied 0006.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS durable_cache_entries (
    key           TEXT PRIMARY KEY,
    value         BYTEA NOT NULL,
    expires_at    TIMESTAMPTZ,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    access_count  INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_accessed TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_durable_cache_expires ON durable_cache_entries (expires_at);
CREATE INDEX IF NOT EXISTS idx_durable_cache_tags ON durable_cache_entries USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_durable_cache_last_accessed ON durable_cache_entries (last_accessed);
`

// Store is the durable KV tier.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store and ensures the backing schema exists.
func New(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	s := &Store{pool: pool, logger: logger}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, err
	}
	return s, nil
}

// Get decodes the value stored under key, selecting only non-expired rows,
// and best-effort bumps access_count/last_accessed.
func (s *Store) Get(ctx context.Context, key string) (any, bool) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM durable_cache_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&raw)
	if err != nil {
		return nil, false
	}

	v, err := codec.UnmarshalAny(raw)
	if err != nil {
		s.logger.Warn("l3: decode failed", "key", key, "error", err)
		return nil, false
	}

	// Best-effort; failing this never turns a hit into a miss.
	_, _ = s.pool.Exec(ctx,
		`UPDATE durable_cache_entries SET access_count = access_count + 1, last_accessed = now() WHERE key = $1`,
		key,
	)

	return v, true
}

// GetInto decodes the value stored under key into dst, selecting only
// non-expired rows. Unlike Get, it preserves dst's concrete struct type
// instead of returning codec.UnmarshalAny's generic map decode; callers
// caching a struct must pass a pointer of the same type they passed to Set.
func (s *Store) GetInto(ctx context.Context, key string, dst any) bool {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM durable_cache_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&raw)
	if err != nil {
		return false
	}

	if err := codec.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("l3: decode failed", "key", key, "error", err)
		return false
	}

	// Best-effort; failing this never turns a hit into a miss.
	_, _ = s.pool.Exec(ctx,
		`UPDATE durable_cache_entries SET access_count = access_count + 1, last_accessed = now() WHERE key = $1`,
		key,
	)

	return true
}

// Set upserts key with value, ttl (0 = no expiry), and tags.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) bool {
	payload, err := codec.Marshal(value)
	if err != nil {
		s.logger.Warn("l3: encode failed", "key", key, "error", err)
		return false
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO durable_cache_entries (key, value, expires_at, tags, size_bytes, access_count, created_at, last_accessed)
		VALUES ($1, $2, $3, $4, $5, 0, now(), now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			tags = EXCLUDED.tags,
			size_bytes = EXCLUDED.size_bytes,
			last_accessed = now()
	`, key, payload, expiresAt, tags, len(payload))
	if err != nil {
		s.logger.Warn("l3: set failed", "key", key, "error", err)
		return false
	}
	return true
}

// Delete removes key, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	tag, err := s.pool.Exec(ctx, `DELETE FROM durable_cache_entries WHERE key = $1`, key)
	if err != nil {
		s.logger.Warn("l3: delete failed", "key", key, "error", err)
		return false
	}
	return tag.RowsAffected() > 0
}

// InvalidateByTags deletes rows whose tags overlap the given set, using the
// array-overlap operator.
func (s *Store) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM durable_cache_entries WHERE tags && $1`, tags)
	if err != nil {
		s.logger.Warn("l3: tag invalidation failed", "error", err)
		return 0
	}
	return int(tag.RowsAffected())
}

// CleanupExpired deletes rows whose expires_at has passed and returns the
// count removed. Reached through cache.Manager.CleanupExpired, which the
// application's cleanup loop calls on CACHE_CLEANUP_INTERVAL (default 1h).
func (s *Store) CleanupExpired(ctx context.Context) int {
	tag, err := s.pool.Exec(ctx, `DELETE FROM durable_cache_entries WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		s.logger.Warn("l3: cleanup failed", "error", err)
		return 0
	}
	return int(tag.RowsAffected())
}

// Clear truncates the table. Intended for tests.
func (s *Store) Clear(ctx context.Context) {
	_, _ = s.pool.Exec(ctx, `TRUNCATE durable_cache_entries`)
}
