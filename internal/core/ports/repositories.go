package ports

import (
	"context"
	"time"

	"meter-recharge/internal/core/domain"

	"github.com/google/uuid"
)

// TransactionRepository is the ledger. Every state transition is a single
// conditional write; a false return means the guard did not match.
type TransactionRepository interface {
	Create(ctx context.Context, transaction *domain.Transaction) error
	// GetByReference returns (nil, nil) when the reference is unknown.
	GetByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	// Claim takes the credit lease on an uncredited, non-failed row. A row with
	// an unconfirmed attempt is only claimable when claim.FollowUp is set.
	Claim(ctx context.Context, reference string, claim CreditClaim) (bool, error)
	// CompleteCredit sets sale_id and success, only if the caller still owns the claim.
	CompleteCredit(ctx context.Context, reference string, saleID string, attempt domain.CreditAttempt, patch map[string]interface{}) (bool, error)
	// ReleaseClaim records a rejected or unconfirmed attempt and frees the lease.
	// An attempt with outcome credit_ambiguous also sets unconfirmed_at.
	ReleaseClaim(ctx context.Context, reference string, saleID string, attempt domain.CreditAttempt, keepPendingSaleID bool) error
	// MarkFailed moves pending -> failed for an uncredited row.
	MarkFailed(ctx context.Context, reference string, patch map[string]interface{}) (bool, error)
	// Reopen moves failed -> pending. Manual override only.
	Reopen(ctx context.Context, reference string, override map[string]interface{}) (bool, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]domain.Transaction, error)
}

// CreditClaim is the compare-and-set payload for Claim.
type CreditClaim struct {
	SaleID      string
	AmountMinor int64 // gateway-confirmed amount
	Now         time.Time
	Lease       time.Duration
	FollowUp    bool // recovery sweep or operator reconcile
}

// PendingFilter selects recovery sweep candidates, oldest first.
type PendingFilter struct {
	ReferencePrefix string
	BuyTypes        []domain.BuyType
	Since           *time.Time
	Until           *time.Time
	Limit           int
}

// WebhookLogRepository persists the inbound event audit trail.
type WebhookLogRepository interface {
	Create(ctx context.Context, log *domain.WebhookLog) error
	MarkProcessed(ctx context.Context, id uuid.UUID, processed bool, errMsg *string) error
}

// SweepRunRepository persists recovery sweep bookkeeping shared across instances.
type SweepRunRepository interface {
	Create(ctx context.Context, run *domain.SweepRun) error
	Finish(ctx context.Context, run *domain.SweepRun) error
	// Latest returns (nil, nil) when no sweep has run yet.
	Latest(ctx context.Context) (*domain.SweepRun, error)
}
