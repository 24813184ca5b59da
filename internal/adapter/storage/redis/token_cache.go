package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// TokenCache implements ports.TokenCache: one meter platform session token
// shared by every instance.
type TokenCache struct {
	client *goredis.Client
	key    string
}

// NewTokenCache creates a new Redis-backed token cache.
func NewTokenCache(client *goredis.Client) *TokenCache {
	return &TokenCache{
		client: client,
		key:    "meter:session-token",
	}
}

// Get returns the cached token, or "" on a miss.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	token, err := c.client.Get(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis token get: %w", err)
	}
	return token, nil
}

// Set stores the token; it expires before the platform session does.
func (c *TokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("redis token set: %w", err)
	}
	return nil
}

// Delete drops the token.
func (c *TokenCache) Delete(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis token delete: %w", err)
	}
	return nil
}
