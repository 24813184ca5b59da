package postgres

import (
	"context"
	"fmt"

	"meter-recharge/internal/core/domain"

	"github.com/google/uuid"
)

// WebhookLogRepo implements ports.WebhookLogRepository.
type WebhookLogRepo struct {
	pool Pool
}

// NewWebhookLogRepo creates a new WebhookLogRepo.
func NewWebhookLogRepo(pool Pool) *WebhookLogRepo {
	return &WebhookLogRepo{pool: pool}
}

// Create appends an inbound event.
func (r *WebhookLogRepo) Create(ctx context.Context, log *domain.WebhookLog) error {
	query := `INSERT INTO webhook_logs (id, gateway, event_type, reference, payload, processed, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		log.ID, log.Gateway, log.EventType, log.Reference,
		[]byte(log.Payload), log.Processed, log.Error, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// MarkProcessed records the reconcile result for an event.
func (r *WebhookLogRepo) MarkProcessed(ctx context.Context, id uuid.UUID, processed bool, errMsg *string) error {
	query := `UPDATE webhook_logs SET processed = $1, error = $2 WHERE id = $3`

	if _, err := r.pool.Exec(ctx, query, processed, errMsg, id); err != nil {
		return fmt.Errorf("update webhook log: %w", err)
	}
	return nil
}
