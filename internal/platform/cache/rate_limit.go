package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const rateKeyPrefix = "ratelimit:"

// RedisRateLimiter is a fixed window counter shared by every API instance. Each key gets limit
// hits per window; the window starts with the first hit.
type RedisRateLimiter struct {
	client *redis.Client
	scope  string
	limit  int64
	window time.Duration
}

// NewRedisRateLimiter builds a limiter namespaced by scope, e.g. "chat-messages".
func NewRedisRateLimiter(client *redis.Client, scope string, limit int, window time.Duration) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter: redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter: limit and window must be positive")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	return &RedisRateLimiter{client: client, scope: scope, limit: int64(limit), window: window}, nil
}

// Allow records one hit for key and reports whether it fits in the current window.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	redisKey := rateKeyPrefix + l.scope + ":" + key

	hits, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	if hits == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limiter: set window: %w", err)
		}
	}
	return hits <= l.limit, nil
}
