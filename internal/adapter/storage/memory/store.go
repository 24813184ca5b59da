// Package memory is a process-local ledger with the same conditional-write
// semantics as the Postgres store. Used with database.driver=memory and in tests.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"

	"github.com/google/uuid"
)

// Store implements the ledger repositories under a single mutex.
type Store struct {
	mu       sync.Mutex
	txs      map[string]*domain.Transaction
	saleIDs  map[string]string // sale_id -> reference, mirrors the UNIQUE constraint
	webhooks map[uuid.UUID]*domain.WebhookLog
	sweeps   []*domain.SweepRun
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		txs:      make(map[string]*domain.Transaction),
		saleIDs:  make(map[string]string),
		webhooks: make(map[uuid.UUID]*domain.WebhookLog),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Transactions returns the ledger view of the store.
func (s *Store) Transactions() *TransactionRepo { return &TransactionRepo{s} }

// WebhookLogs returns the webhook audit view of the store.
func (s *Store) WebhookLogs() *WebhookLogRepo { return &WebhookLogRepo{s} }

// SweepRuns returns the sweep bookkeeping view of the store.
func (s *Store) SweepRuns() *SweepRunRepo { return &SweepRunRepo{s} }

func (s *Store) Ping(_ context.Context) error { return nil }
func (s *Store) Name() string                 { return "ledger" }

// ---- transactions ----

type TransactionRepo struct{ s *Store }

func (r *TransactionRepo) Create(_ context.Context, t *domain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.txs[t.Reference]; exists {
		return ports.ErrDuplicateReference
	}
	c := clone(t)
	now := r.s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.s.txs[t.Reference] = c
	return nil
}

func (r *TransactionRepo) GetByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[reference]
	if !ok {
		return nil, nil
	}
	return clone(t), nil
}

func (r *TransactionRepo) Claim(_ context.Context, reference string, claim ports.CreditClaim) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[reference]
	if !ok || t.SaleID != nil || t.GatewayStatus == domain.GatewayStatusFailed {
		return false, nil
	}
	if t.ClaimActive(claim.Now, claim.Lease) || (t.UnconfirmedAt != nil && !claim.FollowUp) {
		return false, nil
	}
	saleID := claim.SaleID
	amount := claim.AmountMinor
	claimedAt := claim.Now
	t.PendingSaleID = &saleID
	t.ClaimedAt = &claimedAt
	t.ConfirmedAmountMinor = &amount
	t.UpdatedAt = r.s.now()
	return true, nil
}

func (r *TransactionRepo) CompleteCredit(_ context.Context, reference, saleID string, attempt domain.CreditAttempt, patch map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[reference]
	if !ok || t.SaleID != nil || t.PendingSaleID == nil || *t.PendingSaleID != saleID {
		return false, nil
	}
	if _, taken := r.s.saleIDs[saleID]; taken {
		return false, nil
	}
	id := saleID
	t.SaleID = &id
	t.GatewayStatus = domain.GatewayStatusSuccess
	t.PendingSaleID = nil
	t.ClaimedAt = nil
	t.UnconfirmedAt = nil
	appendAttempt(t, attempt)
	delete(t.Metadata, domain.MetaLastError)
	merge(t, patch)
	t.UpdatedAt = r.s.now()
	r.s.saleIDs[saleID] = reference
	return true, nil
}

func (r *TransactionRepo) ReleaseClaim(_ context.Context, reference, saleID string, attempt domain.CreditAttempt, keepPendingSaleID bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[reference]
	if !ok || t.SaleID != nil || t.PendingSaleID == nil || *t.PendingSaleID != saleID {
		return nil
	}
	if !keepPendingSaleID {
		t.PendingSaleID = nil
	}
	if attempt.Outcome == string(domain.ResultCreditAmbiguous) && t.UnconfirmedAt == nil {
		at := r.s.now()
		t.UnconfirmedAt = &at
	}
	t.ClaimedAt = nil
	appendAttempt(t, attempt)
	merge(t, map[string]interface{}{domain.MetaLastError: attempt.Message})
	t.UpdatedAt = r.s.now()
	return nil
}

func (r *TransactionRepo) MarkFailed(_ context.Context, reference string, patch map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[reference]
	if !ok || t.GatewayStatus != domain.GatewayStatusPending || t.SaleID != nil {
		return false, nil
	}
	t.GatewayStatus = domain.GatewayStatusFailed
	t.PendingSaleID = nil
	t.ClaimedAt = nil
	merge(t, patch)
	t.UpdatedAt = r.s.now()
	return true, nil
}

func (r *TransactionRepo) Reopen(_ context.Context, reference string, override map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[reference]
	if !ok || t.GatewayStatus != domain.GatewayStatusFailed || t.SaleID != nil {
		return false, nil
	}
	t.GatewayStatus = domain.GatewayStatusPending
	appendTo(t, domain.MetaOverrides, override)
	t.UpdatedAt = r.s.now()
	return true, nil
}

func (r *TransactionRepo) ListPending(_ context.Context, f ports.PendingFilter) ([]domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.Transaction, 0)
	for _, t := range r.s.txs {
		if t.GatewayStatus != domain.GatewayStatusPending {
			continue
		}
		if f.ReferencePrefix != "" && !strings.HasPrefix(t.Reference, f.ReferencePrefix) {
			continue
		}
		if len(f.BuyTypes) > 0 && !slices.Contains(f.BuyTypes, t.BuyType) {
			continue
		}
		if f.Since != nil && t.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !t.CreatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, *clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Reference < out[j].Reference
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ---- webhook logs ----

type WebhookLogRepo struct{ s *Store }

func (r *WebhookLogRepo) Create(_ context.Context, log *domain.WebhookLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *log
	r.s.webhooks[log.ID] = &c
	return nil
}

func (r *WebhookLogRepo) MarkProcessed(_ context.Context, id uuid.UUID, processed bool, errMsg *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l, ok := r.s.webhooks[id]; ok {
		l.Processed = processed
		l.Error = errMsg
	}
	return nil
}

// All returns every webhook log, oldest first.
func (r *WebhookLogRepo) All() []domain.WebhookLog {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.WebhookLog, 0, len(r.s.webhooks))
	for _, l := range r.s.webhooks {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ---- sweep runs ----

type SweepRunRepo struct{ s *Store }

func (r *SweepRunRepo) Create(_ context.Context, run *domain.SweepRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *run
	r.s.sweeps = append(r.s.sweeps, &c)
	return nil
}

func (r *SweepRunRepo) Finish(_ context.Context, run *domain.SweepRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, existing := range r.s.sweeps {
		if existing.ID == run.ID {
			c := *run
			r.s.sweeps[i] = &c
			return nil
		}
	}
	c := *run
	r.s.sweeps = append(r.s.sweeps, &c)
	return nil
}

func (r *SweepRunRepo) Latest(_ context.Context) (*domain.SweepRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *domain.SweepRun
	for _, run := range r.s.sweeps {
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

// ---- helpers ----

func clone(t *domain.Transaction) *domain.Transaction {
	c := *t
	if t.Metadata != nil {
		// JSON round-trip so readers see the same shapes Postgres JSONB returns.
		raw, err := json.Marshal(t.Metadata)
		if err == nil {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) == nil {
				c.Metadata = m
			}
		}
	}
	return &c
}

func merge(t *domain.Transaction, patch map[string]interface{}) {
	if len(patch) == 0 {
		return
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	for k, v := range patch {
		t.Metadata[k] = v
	}
}

func appendAttempt(t *domain.Transaction, a domain.CreditAttempt) {
	appendTo(t, domain.MetaAttempts, a)
}

func appendTo(t *domain.Transaction, key string, v interface{}) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	list, _ := t.Metadata[key].([]interface{})
	t.Metadata[key] = append(list, v)
}
