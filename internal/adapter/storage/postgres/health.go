package postgres

import (
	"context"
	"errors"
)

// ledgerTables must exist for the service to do anything useful; a reachable
// database without the migrations applied is reported unhealthy.
var ledgerTables = []string{"transactions", "webhook_logs", "sweep_runs"}

// HealthCheck implements ports.HealthChecker for the PostgreSQL ledger.
type HealthCheck struct {
	pool Pool
}

func NewHealthCheck(pool Pool) *HealthCheck {
	return &HealthCheck{pool: pool}
}

// Ping verifies connectivity and that the ledger schema is in place.
func (h *HealthCheck) Ping(ctx context.Context) error {
	var missing int
	err := h.pool.QueryRow(ctx,
		`SELECT count(*) FROM unnest($1::text[]) AS t(name) WHERE to_regclass(t.name) IS NULL`,
		ledgerTables,
	).Scan(&missing)
	if err != nil {
		return err
	}
	if missing > 0 {
		return errors.New("ledger schema not migrated")
	}
	return nil
}

func (h *HealthCheck) Name() string {
	return "postgresql"
}
