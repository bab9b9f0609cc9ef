package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cuecraft/api/internal/services"
)

const (
	defaultUnreadTTL = 5 * time.Minute
	unreadKeyPrefix  = "notifications:unread:"
)

// Options configures the Redis connection shared by the unread counter cache and the rate limiter.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// RedisUnreadCache stores unread notification counters in Redis with a bounded TTL so a missed
// invalidation heals itself.
type RedisUnreadCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ services.UnreadCountCache = (*RedisUnreadCache)(nil)

// NewRedisUnreadCache dials Redis and verifies the connection with a ping.
func NewRedisUnreadCache(ctx context.Context, opts Options) (*RedisUnreadCache, error) {
	client, err := Dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("unread cache: %w", err)
	}
	return NewRedisUnreadCacheWithClient(client, opts.TTL), nil
}

// NewRedisUnreadCacheWithClient wraps an existing client.
func NewRedisUnreadCacheWithClient(client *redis.Client, ttl time.Duration) *RedisUnreadCache {
	if ttl <= 0 {
		ttl = defaultUnreadTTL
	}
	return &RedisUnreadCache{client: client, ttl: ttl}
}

func unreadKey(userID string) string {
	return unreadKeyPrefix + strings.TrimSpace(userID)
}

// Get returns the cached counter. A miss is reported with ok=false and a nil error.
func (c *RedisUnreadCache) Get(ctx context.Context, userID string) (int, bool, error) {
	raw, err := c.client.Get(ctx, unreadKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("unread cache: get: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		// corrupt entry; drop it and let the caller recount
		_ = c.client.Del(ctx, unreadKey(userID)).Err()
		return 0, false, nil
	}
	return count, true, nil
}

// Set stores the counter with the configured TTL.
func (c *RedisUnreadCache) Set(ctx context.Context, userID string, count int) error {
	if count < 0 {
		count = 0
	}
	if err := c.client.Set(ctx, unreadKey(userID), count, c.ttl).Err(); err != nil {
		return fmt.Errorf("unread cache: set: %w", err)
	}
	return nil
}

// Invalidate removes the counters for the given users.
func (c *RedisUnreadCache) Invalidate(ctx context.Context, userIDs ...string) error {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		keys = append(keys, unreadKey(id))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("unread cache: invalidate: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable. It backs the cache dependency health check.
func (c *RedisUnreadCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisUnreadCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
