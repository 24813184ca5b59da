package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meter-recharge/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// StatusCache implements ports.StatusCache using Redis.
type StatusCache struct {
	client *goredis.Client
	prefix string
}

// NewStatusCache creates a new Redis-backed payment status cache.
func NewStatusCache(client *goredis.Client) *StatusCache {
	return &StatusCache{
		client: client,
		prefix: "payment-status:",
	}
}

// Get returns the cached status for reference, or nil, nil on a miss.
func (c *StatusCache) Get(ctx context.Context, reference string) (*domain.PaymentStatus, error) {
	val, err := c.client.Get(ctx, c.prefix+reference).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis status get: %w", err)
	}

	var status domain.PaymentStatus
	if err := json.Unmarshal(val, &status); err != nil {
		return nil, fmt.Errorf("redis status decode: %w", err)
	}
	return &status, nil
}

// Set stores status with TTL.
func (c *StatusCache) Set(ctx context.Context, status *domain.PaymentStatus, ttl time.Duration) error {
	val, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis status encode: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+status.Reference, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis status set: %w", err)
	}
	return nil
}
