package ports

import "context"

// HealthChecker is implemented by every backing dependency probed by GET /health.
type HealthChecker interface {
	// Ping returns nil when the dependency answers.
	Ping(ctx context.Context) error
	// Name is the key used in the health report ("postgresql", "redis", "ledger").
	Name() string
}
