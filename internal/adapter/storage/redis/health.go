package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	healthProbeKey = "health:probe"
	healthProbeTTL = 30 * time.Second
)

// HealthCheck implements ports.HealthChecker for Redis. A PING is not enough:
// a read-only replica answers it but cannot hold status or token entries, so
// the probe writes a short-lived key.
type HealthCheck struct {
	client *goredis.Client
	now    func() time.Time
}

func NewHealthCheck(client *goredis.Client) *HealthCheck {
	return &HealthCheck{client: client, now: time.Now}
}

func (h *HealthCheck) Ping(ctx context.Context) error {
	stamp := h.now().UTC().Format(time.RFC3339Nano)
	if err := h.client.Set(ctx, healthProbeKey, stamp, healthProbeTTL).Err(); err != nil {
		return fmt.Errorf("redis write probe: %w", err)
	}
	return nil
}

func (h *HealthCheck) Name() string {
	return "redis"
}
