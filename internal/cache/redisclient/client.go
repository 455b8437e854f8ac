// Package redisclient is the typed Redis facade (C1): prefixed
// get/set/delete/scan/pattern-delete with TTL and optional compression.
// Errors are never propagated to callers — they are counted and surfaced as
// a miss for reads or false for writes, so an unreachable Redis degrades the
// cache manager's L2 tier to a miss rather than aborting the read-through.
package redisclient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jewgo-app/core-platform/internal/cache/codec"
)

// metaSuffix names the companion key written alongside every tagged value
//: "<key>:meta = {tags, created_at}".
const metaSuffix = ":meta"

// Meta is the companion record stored at "<key>:meta" for tag invalidation.
type Meta struct {
	Tags      []string  `msgpack:"tags"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// Client is a namespaced, typed facade over a *redis.Client.
type Client struct {
	rdb        *redis.Client
	prefix     string
	compressAt int
	logger     *slog.Logger

	errors int64
}

// New creates a Client namespacing all keys with prefix. compressAt is the
// byte threshold above which values are zstd-compressed before storage; 0
// disables compression.
func New(rdb *redis.Client, prefix string, compressAt int, logger *slog.Logger) *Client {
	return &Client{rdb: rdb, prefix: prefix, compressAt: compressAt, logger: logger}
}

func (c *Client) namespaced(key string) string {
	return c.prefix + key
}

// Get decodes the value stored under key into dst-free form (any), returning
// ok=false on miss or any Redis error.
func (c *Client) Get(ctx context.Context, key string) (any, bool) {
	raw, err := c.rdb.Get(ctx, c.namespaced(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errors++
			c.logger.Warn("redisclient: get failed", "key", key, "error", err)
		}
		return nil, false
	}

	decoded, compressed := decodeEnvelope(raw)
	if compressed {
		decoded, err = codec.Decompress(decoded)
		if err != nil {
			c.errors++
			c.logger.Warn("redisclient: decompress failed", "key", key, "error", err)
			return nil, false
		}
	}

	v, err := codec.UnmarshalAny(decoded)
	if err != nil {
		c.errors++
		c.logger.Warn("redisclient: decode failed", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

// GetInto decodes the value stored under key into dst, preserving dst's
// concrete type across the Redis round-trip. Get cannot do this: msgpack's
// generic decode turns any encoded struct into a map[string]any, so callers
// that cached a struct must come back through GetInto with a pointer of the
// same type they passed to Set.
func (c *Client) GetInto(ctx context.Context, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, c.namespaced(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errors++
			c.logger.Warn("redisclient: get failed", "key", key, "error", err)
		}
		return false
	}

	decoded, compressed := decodeEnvelope(raw)
	if compressed {
		decoded, err = codec.Decompress(decoded)
		if err != nil {
			c.errors++
			c.logger.Warn("redisclient: decompress failed", "key", key, "error", err)
			return false
		}
	}

	if err := codec.Unmarshal(decoded, dst); err != nil {
		c.errors++
		c.logger.Warn("redisclient: decode failed", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores value under key with ttl (0 = no expiry) and tags. It writes a
// companion meta key with the same TTL when tags are non-empty.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration, tags []string) bool {
	payload, err := codec.Marshal(value)
	if err != nil {
		c.errors++
		c.logger.Warn("redisclient: encode failed", "key", key, "error", err)
		return false
	}

	compressed := false
	if c.compressAt > 0 && len(payload) >= c.compressAt {
		payload = codec.Compress(payload)
		compressed = true
	}
	envelope := encodeEnvelope(payload, compressed)

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.namespaced(key), envelope, ttl)
	if len(tags) > 0 {
		metaPayload, err := codec.Marshal(Meta{Tags: tags, CreatedAt: time.Now()})
		if err == nil {
			pipe.Set(ctx, c.namespaced(key)+metaSuffix, metaPayload, ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.errors++
		c.logger.Warn("redisclient: set failed", "key", key, "error", err)
		return false
	}
	return true
}

// Delete removes key and its meta companion, returning whether the main key
// existed.
func (c *Client) Delete(ctx context.Context, key string) bool {
	n, err := c.rdb.Del(ctx, c.namespaced(key)).Result()
	if err != nil {
		c.errors++
		c.logger.Warn("redisclient: delete failed", "key", key, "error", err)
		return false
	}
	c.rdb.Del(ctx, c.namespaced(key)+metaSuffix)
	return n > 0
}

// ScanPattern returns all namespaced-stripped keys matching a glob pattern
// (e.g. "query:*"), used by query-result cache pattern invalidation.
func (c *Client) ScanPattern(ctx context.Context, pattern string) []string {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, c.namespaced(pattern), 200).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		keys = append(keys, full[len(c.prefix):])
	}
	if err := iter.Err(); err != nil {
		c.errors++
		c.logger.Warn("redisclient: scan failed", "pattern", pattern, "error", err)
	}
	return keys
}

// InvalidateByTags scans meta keys for the given tags and deletes matching
// main keys plus their meta companions. This is an O(N) scan; a reverse
// tag->key index would avoid it under heavy invalidation load, but the pack
// offers no off-the-shelf reverse-index library so it is left as documented
// future work rather than hand-rolled here.
func (c *Client) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	var deleted int
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*"+metaSuffix, 200).Iterator()
	for iter.Next(ctx) {
		metaKey := iter.Val()
		raw, err := c.rdb.Get(ctx, metaKey).Bytes()
		if err != nil {
			continue
		}
		var meta Meta
		if err := codec.Unmarshal(raw, &meta); err != nil {
			continue
		}
		matches := false
		for _, t := range meta.Tags {
			if _, ok := tagSet[t]; ok {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		mainKey := metaKey[:len(metaKey)-len(metaSuffix)]
		if n, err := c.rdb.Del(ctx, mainKey, metaKey).Result(); err == nil && n > 0 {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		c.errors++
		c.logger.Warn("redisclient: tag scan failed", "error", err)
	}
	return deleted
}

// Clear removes every key under this client's namespace. Intended for tests.
func (c *Client) Clear(ctx context.Context) {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.rdb.Del(ctx, keys...)
	}
}

// ErrorCount returns the number of Redis errors observed so far.
func (c *Client) ErrorCount() int64 { return c.errors }

// envelope format: 1 byte flag (1 = compressed) + payload.
func encodeEnvelope(payload []byte, compressed bool) []byte {
	flag := byte(0)
	if compressed {
		flag = 1
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, flag)
	out = append(out, payload...)
	return out
}

func decodeEnvelope(raw []byte) ([]byte, bool) {
	if len(raw) == 0 {
		return raw, false
	}
	return raw[1:], raw[0] == 1
}
