package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/internal/logger"
)

const keyPrefix = "cloak:reply:"

// ReplyCache is a Redis-backed cache for upstream model replies. Both keys
// and values are derived from masked conversations only; raw PII never
// reaches Redis in any form.
type ReplyCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
}

// Stats reports cache performance counters.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Stores      int64   `json:"stores"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// NewReplyCache connects to Redis and verifies the connection.
func NewReplyCache(cfg config.CacheConfig, log *logger.Logger) (*ReplyCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	cache := &ReplyCache{
		client: client,
		ttl:    cfg.TTL,
		logger: log.WithComponent("reply-cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	cache.logger.Info("Reply cache initialized",
		zap.String("redis_url", maskRedisURL(cfg.URL)),
		zap.Duration("ttl", cfg.TTL))

	return cache, nil
}

// GetReply fetches a cached reply. A missing key is a miss, not an error.
func (c *ReplyCache) GetReply(ctx context.Context, key string) (string, bool, error) {
	reply, err := c.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache lookup failed: %w", err)
	}

	c.hits.Add(1)
	c.logger.Debug("Cache hit", zap.String("key", key))
	return reply, true, nil
}

// SetReply stores a masked reply under the given key for the configured TTL.
func (c *ReplyCache) SetReply(ctx context.Context, key, reply string) error {
	if err := c.client.Set(ctx, keyPrefix+key, reply, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}
	c.stores.Add(1)
	return nil
}

// GetStats returns cache counters plus key count and memory use from Redis.
func (c *ReplyCache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stores: c.stores.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "used_memory:") {
			if mem, err := strconv.ParseInt(strings.TrimPrefix(line, "used_memory:"), 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every cached reply. Other keys in the same database are left
// alone.
func (c *ReplyCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Reply cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Ping verifies the Redis connection, for health checks.
func (c *ReplyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *ReplyCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// maskRedisURL masks the password portion of a Redis URL for logging.
func maskRedisURL(url string) string {
	if !strings.Contains(url, "@") {
		return url
	}
	parts := strings.Split(url, "@")
	if len(parts) < 2 {
		return url
	}
	userPart := parts[0]
	if strings.Contains(userPart, ":") {
		userParts := strings.Split(userPart, ":")
		if len(userParts) >= 3 {
			userParts[len(userParts)-1] = "***"
			parts[0] = strings.Join(userParts, ":")
		}
	}
	return strings.Join(parts, "@")
}
