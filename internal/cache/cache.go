package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pressroom/internal/core"
	"pressroom/internal/logger"
)

// Cache is the Redis-backed result cache shared by the similarity and
// personalization engines. Every cached payload travels with a sidecar
// holding the pre-pagination total so clients can paginate without
// recomputing the full result set.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, log: logger.Get()}
}

// Client exposes the underlying connection for callers that need raw
// commands (metrics counters, read history).
func (c *Cache) Client() *redis.Client {
	return c.rdb
}

// Probe fetches a payload and its sidecar in a single round trip.
// Returns (nil, nil, nil) on a clean miss.
func (c *Cache) Probe(ctx context.Context, payloadKey, sidecarKey string) (*core.CacheEnvelope, *core.CacheSidecar, error) {
	pipe := c.rdb.Pipeline()
	payloadCmd := pipe.Get(ctx, payloadKey)
	sidecarCmd := pipe.Get(ctx, sidecarKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, err
	}

	raw, err := payloadCmd.Result()
	if err == redis.Nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var env core.CacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Corrupt entry: drop it and report a miss so the caller recomputes.
		c.rdb.Del(ctx, payloadKey, sidecarKey)
		return nil, nil, nil
	}

	var side *core.CacheSidecar
	if rawSide, err := sidecarCmd.Result(); err == nil {
		var s core.CacheSidecar
		if json.Unmarshal([]byte(rawSide), &s) == nil {
			side = &s
		}
	}
	return &env, side, nil
}

// Write stores a payload and sidecar with a shared TTL.
func (c *Cache) Write(ctx context.Context, payloadKey, sidecarKey string, env *core.CacheEnvelope, side *core.CacheSidecar, ttl time.Duration) error {
	rawEnv, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, payloadKey, rawEnv, ttl)
	if side != nil {
		rawSide, err := json.Marshal(side)
		if err != nil {
			return err
		}
		pipe.Set(ctx, sidecarKey, rawSide, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// BumpHit and BumpMiss maintain per-subject hit/miss counters in a hash.
// Counter failures never block the request path.

func (c *Cache) BumpHit(ctx context.Context, statsKey string) {
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, statsKey, "cache_hits", 1)
	pipe.HIncrBy(ctx, statsKey, "total_requests", 1)
	pipe.Expire(ctx, statsKey, TTLSimilarStats)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("cache stats bump failed", "key", statsKey, "error", err)
	}
}

func (c *Cache) BumpMiss(ctx context.Context, statsKey string) {
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, statsKey, "cache_misses", 1)
	pipe.HIncrBy(ctx, statsKey, "total_requests", 1)
	pipe.Expire(ctx, statsKey, TTLSimilarStats)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("cache stats bump failed", "key", statsKey, "error", err)
	}
}

// Stats reads a hit/miss counter hash. Missing keys yield zeroes.
func (c *Cache) Stats(ctx context.Context, statsKey string) (core.CacheStats, error) {
	fields, err := c.rdb.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return core.CacheStats{}, err
	}
	var stats core.CacheStats
	stats.Hits = parseInt64(fields["cache_hits"])
	stats.Misses = parseInt64(fields["cache_misses"])
	stats.TotalRequests = parseInt64(fields["total_requests"])
	if stats.TotalRequests > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// TouchLRU records recent use of a cache key and evicts the oldest
// entries beyond the cap. Evicted members are deleted as payload keys.
// The tracker outlives the payloads it tracks, so callers pass a ttl
// derived from their payload TTL (non-positive falls back to the
// default).
func (c *Cache) TouchLRU(ctx context.Context, lruKey, member string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = TTLSimilarLRU
	}
	now := float64(time.Now().UnixMilli())
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, lruKey, redis.Z{Score: now, Member: member})
	pipe.Expire(ctx, lruKey, ttl)
	cardCmd := pipe.ZCard(ctx, lruKey)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("cache lru touch failed", "key", lruKey, "error", err)
		return
	}
	excess := cardCmd.Val() - MaxLRUEntries
	if excess <= 0 {
		return
	}
	oldest, err := c.rdb.ZRange(ctx, lruKey, 0, excess-1).Result()
	if err != nil || len(oldest) == 0 {
		return
	}
	pipe = c.rdb.Pipeline()
	pipe.ZRemRangeByRank(ctx, lruKey, 0, excess-1)
	pipe.Del(ctx, oldest...)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("cache lru eviction failed", "key", lruKey, "error", err)
	}
}

// BloomMark notes that a result set was computed for the subject. Bloom
// commands require the RedisBloom module; without it the hint silently
// degrades to "unknown".
func (c *Cache) BloomMark(ctx context.Context, bloomKey, member string) {
	pipe := c.rdb.Pipeline()
	pipe.BFAdd(ctx, bloomKey, member)
	pipe.Expire(ctx, bloomKey, TTLSimilarBloom)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("bloom mark skipped", "key", bloomKey, "error", err)
	}
}

// BloomCheck reports whether the subject was probably computed before.
// False on any error, which only costs an extra recompute.
func (c *Cache) BloomCheck(ctx context.Context, bloomKey, member string) bool {
	ok, err := c.rdb.BFExists(ctx, bloomKey, member).Result()
	if err != nil {
		return false
	}
	return ok
}

// AddDailyUnique adds a member to a HyperLogLog daily-cardinality key.
func (c *Cache) AddDailyUnique(ctx context.Context, hllKey, member string) {
	pipe := c.rdb.Pipeline()
	pipe.PFAdd(ctx, hllKey, member)
	pipe.Expire(ctx, hllKey, TTLDailyViews)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Debug("daily unique add failed", "key", hllKey, "error", err)
	}
}

// PurgePattern deletes every key matching the glob pattern via SCAN.
// Returns the number of keys removed.
func (c *Cache) PurgePattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
