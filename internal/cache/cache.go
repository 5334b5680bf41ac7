// Package cache provides the Redis-backed prediction cache.
//
// Every cached value lives under ml:pred:<service>:<endpoint>:<user_id>,
// with an optional trailing digest segment when the request body shapes
// the response. The cache degrades gracefully: a dead Redis turns every
// Get into a miss and every write into a warning, never an error on the
// inference path.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/fluentloop/synapse/internal/metrics"
)

const (
	keyPrefix = "ml:pred"

	purgeScanCount = 100
	flushScanCount = 500
)

// Status reports cache connectivity for health endpoints.
type Status struct {
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Cache wraps a shared Redis client with the prediction key scheme.
type Cache struct {
	rdb        *redis.Client
	defaultTTL time.Duration
	log        zerolog.Logger
}

// New wraps rdb. ttl is the default expiry applied by Set.
func New(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{rdb: rdb, defaultTTL: ttl, log: log}
}

// Key builds a cache key. extra values are request-shaped inputs that
// alter the response; they are folded into a fixed-width digest so keys
// stay bounded regardless of body size.
func Key(service, endpoint, userID string, extra ...string) string {
	key := fmt.Sprintf("%s:%s:%s:%s", keyPrefix, service, endpoint, userID)
	if len(extra) == 0 {
		return key
	}
	sum := blake2b.Sum256([]byte(strings.Join(extra, "\x1f")))
	return key + ":" + hex.EncodeToString(sum[:16])
}

// serviceFromKey extracts the service segment for metric labels.
func serviceFromKey(key string) string {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) < 3 {
		return "unknown"
	}
	return parts[2]
}

// Get returns the cached value and whether it was present. Any Redis
// failure is reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	service := serviceFromKey(key)

	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues(service).Inc()
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		metrics.CacheMisses.WithLabelValues(service).Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues(service).Inc()
	return val, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	c.SetTTL(ctx, key, value, c.defaultTTL)
}

// SetTTL stores value with an explicit expiry. Failures are logged,
// never returned.
func (c *Cache) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// GetJSON unmarshals a cached value into dst. Corrupt entries count as
// misses and are deleted.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("corrupt cache entry, evicting")
		c.rdb.Del(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals v and stores it with the default TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) {
	c.SetJSONTTL(ctx, key, v, c.defaultTTL)
}

// SetJSONTTL marshals v and stores it with an explicit expiry.
func (c *Cache) SetJSONTTL(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache marshal failed")
		return
	}
	c.SetTTL(ctx, key, raw, ttl)
}

// PurgeUser deletes every prediction cached for a user across all
// services. Used by the erasure flow and after writes that invalidate
// a user's predictions.
func (c *Cache) PurgeUser(ctx context.Context, userID string) (int, error) {
	pattern := fmt.Sprintf("%s:*:*:%s*", keyPrefix, userID)
	return c.deleteByPattern(ctx, pattern, purgeScanCount)
}

// FlushService deletes every cached prediction for one service. Called
// after an artifact swap so stale model output never outlives the model.
func (c *Cache) FlushService(ctx context.Context, service string) (int, error) {
	pattern := fmt.Sprintf("%s:%s:*", keyPrefix, service)
	return c.deleteByPattern(ctx, pattern, flushScanCount)
}

func (c *Cache) deleteByPattern(ctx context.Context, pattern string, scanCount int64) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			c.log.Warn().Err(err).Str("pattern", pattern).Msg("cache scan failed")
			return deleted, nil
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.log.Warn().Err(err).Str("pattern", pattern).Msg("cache delete failed")
				return deleted, nil
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Health reports connectivity and, when reachable, the server version.
func (c *Cache) Health(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return Status{Connected: false, Error: err.Error()}
	}

	status := Status{Connected: true}
	if info, err := c.rdb.Info(ctx, "server").Result(); err == nil {
		for _, line := range strings.Split(info, "\n") {
			if v, ok := strings.CutPrefix(strings.TrimSpace(line), "redis_version:"); ok {
				status.Version = v
				break
			}
		}
	}
	return status
}
