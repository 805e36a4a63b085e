// Package cache wraps the redis client used for speed samples, reliability
// counters, plan results, push dedupe and driver heartbeats. The cache is
// always the slow path: every call is bounded by a short timeout and every
// failure is logged and swallowed, so callers degrade instead of erroring.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/transit/internal/config"
	"github.com/wudi/transit/internal/logging"
)

const (
	readTimeout  = 100 * time.Millisecond
	writeTimeout = 250 * time.Millisecond
)

// Client is a thin redis wrapper. A nil inner client (no addr configured, or
// redis unreachable at boot) makes every read a miss and every write a no-op.
type Client struct {
	rdb *redis.Client
}

// New creates a cache client. An empty addr disables redis entirely.
func New(cfg config.RedisConfig) *Client {
	if cfg.Addr == "" {
		return &Client{}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb}
}

// NewFromRedis wraps an existing redis client (used by tests with miniature
// servers and by the server glue).
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Enabled reports whether a redis backend is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

// Get returns a string value, treating every failure as a miss.
func (c *Client) Get(key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return val, true
}

// Set writes a string value with a TTL, best effort.
func (c *Client) Set(key, val string, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		logging.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// SetNX performs set-if-absent. Unlike the other helpers the error surfaces,
// so the notification sink can fall back to its in-memory dedupe map.
func (c *Client) SetNX(key, val string, ttl time.Duration) (bool, error) {
	if !c.Enabled() {
		return false, redis.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	return c.rdb.SetNX(ctx, key, val, ttl).Result()
}

// GetJSON reads and decodes a JSON value.
func (c *Client) GetJSON(key string, v interface{}) bool {
	raw, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		logging.Warn("cache decode failed, treating as miss", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// SetJSON encodes and writes a JSON value with a TTL, best effort.
func (c *Client) SetJSON(key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.Set(key, string(data), ttl)
}

// Del removes a key, best effort.
func (c *Client) Del(key string) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		logging.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Expire renews a key's TTL, best effort.
func (c *Client) Expire(key string, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		logging.Warn("cache expire failed", zap.String("key", key), zap.Error(err))
	}
}

// HGetAll reads a hash, treating failures and empty hashes as a miss.
func (c *Client) HGetAll(key string) (map[string]string, bool) {
	if !c.Enabled() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		logging.Warn("cache hgetall failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	return m, true
}

// HIncrByFloat increments a hash field and renews the key TTL, best effort.
func (c *Client) HIncrByFloat(key, field string, delta float64, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.HIncrByFloat(ctx, key, field, delta)
	pipe.HSet(ctx, key, "lastUpdated", time.Now().UnixMilli())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn("cache hincrbyfloat failed", zap.String("key", key), zap.Error(err))
	}
}

// ZAdd adds a scored member and renews the key TTL, best effort.
func (c *Client) ZAdd(key string, score float64, member string, ttl time.Duration) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn("cache zadd failed", zap.String("key", key), zap.Error(err))
	}
}

// ZRangeByScore returns members with scores in [min, max].
func (c *Client) ZRangeByScore(key string, min, max float64) ([]string, bool) {
	if !c.Enabled() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	vals, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		logging.Warn("cache zrangebyscore failed, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vals, true
}

// ZTrim drops members with scores below cutoff and caps the set at maxLen by
// removing the oldest members, best effort.
func (c *Client) ZTrim(key string, cutoff float64, maxLen int64) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", formatScore(cutoff))
	if maxLen > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn("cache ztrim failed", zap.String("key", key), zap.Error(err))
	}
}

func formatScore(f float64) string {
	// redis accepts plain decimal scores
	return formatFloat(f)
}
