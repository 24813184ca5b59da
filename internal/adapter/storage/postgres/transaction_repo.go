package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const txColumns = `reference, meter_id, amount_minor, gateway_status, sale_id, pending_sale_id,
	claimed_at, confirmed_amount_minor, unconfirmed_at, buy_type, customer_email, customer_phone,
	metadata, created_at, updated_at`

// TransactionRepo implements ports.TransactionRepository. Every state change
// is one conditional UPDATE; RowsAffected tells the caller whether it won.
type TransactionRepo struct {
	pool Pool
	now  func() time.Time
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new pending transaction.
func (r *TransactionRepo) Create(ctx context.Context, t *domain.Transaction) error {
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return err
	}
	query := `INSERT INTO transactions (reference, meter_id, amount_minor, gateway_status, buy_type,
		customer_email, customer_phone, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.pool.Exec(ctx, query,
		t.Reference, t.MeterID, t.AmountMinor, t.GatewayStatus, t.BuyType,
		t.CustomerEmail, t.CustomerPhone, meta, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert transaction %s: %w", t.Reference, ports.ErrDuplicateReference)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByReference fetches a transaction; (nil, nil) when absent.
func (r *TransactionRepo) GetByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE reference = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, reference))
}

// Claim takes the credit lease if no credit exists and no live lease is held.
// Rows with an unconfirmed attempt are left to follow-up claims.
func (r *TransactionRepo) Claim(ctx context.Context, reference string, claim ports.CreditClaim) (bool, error) {
	query := `UPDATE transactions
		SET pending_sale_id = $2, claimed_at = $3, confirmed_amount_minor = $4, updated_at = $3
		WHERE reference = $1
		  AND sale_id IS NULL
		  AND gateway_status <> 'failed'
		  AND (claimed_at IS NULL OR claimed_at <= $5)
		  AND ($6 OR unconfirmed_at IS NULL)`

	tag, err := r.pool.Exec(ctx, query,
		reference, claim.SaleID, claim.Now, claim.AmountMinor, claim.Now.Add(-claim.Lease), claim.FollowUp,
	)
	if err != nil {
		return false, fmt.Errorf("claim transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteCredit records the confirmed sale. sale_id and status change in one write.
func (r *TransactionRepo) CompleteCredit(ctx context.Context, reference, saleID string, attempt domain.CreditAttempt, patch map[string]interface{}) (bool, error) {
	attemptJSON, err := encodeJSON(attempt)
	if err != nil {
		return false, err
	}
	patchJSON, err := encodeJSON(patch)
	if err != nil {
		return false, err
	}
	query := `UPDATE transactions
		SET sale_id = $2,
		    gateway_status = 'success',
		    pending_sale_id = NULL,
		    claimed_at = NULL,
		    unconfirmed_at = NULL,
		    metadata = (jsonb_set(COALESCE(metadata, '{}'::jsonb), '{attempts}',
		        COALESCE(metadata->'attempts', '[]'::jsonb) || jsonb_build_array($3::jsonb)) - 'last_error')
		        || $4::jsonb,
		    updated_at = $5
		WHERE reference = $1 AND sale_id IS NULL AND pending_sale_id = $2`

	tag, err := r.pool.Exec(ctx, query, reference, saleID, attemptJSON, patchJSON, r.now())
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("sale id %s already recorded: %w", saleID, err)
		}
		return false, fmt.Errorf("complete credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim frees the lease after a rejected or unconfirmed attempt. An
// unconfirmed attempt stamps unconfirmed_at once; later attempts keep the first stamp.
func (r *TransactionRepo) ReleaseClaim(ctx context.Context, reference, saleID string, attempt domain.CreditAttempt, keepPendingSaleID bool) error {
	attemptJSON, err := encodeJSON(attempt)
	if err != nil {
		return err
	}
	query := `UPDATE transactions
		SET pending_sale_id = CASE WHEN $3 THEN pending_sale_id ELSE NULL END,
		    claimed_at = NULL,
		    unconfirmed_at = CASE WHEN $7 THEN COALESCE(unconfirmed_at, $6) ELSE unconfirmed_at END,
		    metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{attempts}',
		        COALESCE(metadata->'attempts', '[]'::jsonb) || jsonb_build_array($4::jsonb))
		        || jsonb_build_object('last_error', $5::text),
		    updated_at = $6
		WHERE reference = $1 AND sale_id IS NULL AND pending_sale_id = $2`

	unconfirmed := attempt.Outcome == string(domain.ResultCreditAmbiguous)
	if _, err := r.pool.Exec(ctx, query, reference, saleID, keepPendingSaleID, attemptJSON, attempt.Message, r.now(), unconfirmed); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// MarkFailed moves an uncredited pending row to failed.
func (r *TransactionRepo) MarkFailed(ctx context.Context, reference string, patch map[string]interface{}) (bool, error) {
	patchJSON, err := encodeJSON(patch)
	if err != nil {
		return false, err
	}
	query := `UPDATE transactions
		SET gateway_status = 'failed',
		    pending_sale_id = NULL,
		    claimed_at = NULL,
		    metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    updated_at = $3
		WHERE reference = $1 AND gateway_status = 'pending' AND sale_id IS NULL`

	tag, err := r.pool.Exec(ctx, query, reference, patchJSON, r.now())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reopen moves failed back to pending and records the override.
func (r *TransactionRepo) Reopen(ctx context.Context, reference string, override map[string]interface{}) (bool, error) {
	overrideJSON, err := encodeJSON(override)
	if err != nil {
		return false, err
	}
	query := `UPDATE transactions
		SET gateway_status = 'pending',
		    metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{overrides}',
		        COALESCE(metadata->'overrides', '[]'::jsonb) || jsonb_build_array($2::jsonb)),
		    updated_at = $3
		WHERE reference = $1 AND gateway_status = 'failed' AND sale_id IS NULL`

	tag, err := r.pool.Exec(ctx, query, reference, overrideJSON, r.now())
	if err != nil {
		return false, fmt.Errorf("reopen transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPending returns sweep candidates, oldest first. Since is inclusive, Until exclusive.
func (r *TransactionRepo) ListPending(ctx context.Context, f ports.PendingFilter) ([]domain.Transaction, error) {
	conditions := []string{"gateway_status = 'pending'", "sale_id IS NULL"}
	var args []any
	argIdx := 1

	if f.ReferencePrefix != "" {
		conditions = append(conditions, fmt.Sprintf("starts_with(reference, $%d)", argIdx))
		args = append(args, f.ReferencePrefix)
		argIdx++
	}
	if len(f.BuyTypes) > 0 {
		types := make([]string, len(f.BuyTypes))
		for i, b := range f.BuyTypes {
			types[i] = string(b)
		}
		conditions = append(conditions, fmt.Sprintf("buy_type = ANY($%d)", argIdx))
		args = append(args, types)
		argIdx++
	}
	if f.Since != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *f.Until)
		argIdx++
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at ASC, reference ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// scanTransaction is a helper to scan a single row into a Transaction.
func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var status, buyType string
	var meta []byte
	err := row.Scan(
		&t.Reference, &t.MeterID, &t.AmountMinor, &status, &t.SaleID, &t.PendingSaleID,
		&t.ClaimedAt, &t.ConfirmedAmountMinor, &t.UnconfirmedAt, &buyType, &t.CustomerEmail, &t.CustomerPhone,
		&meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.GatewayStatus = domain.GatewayStatus(status)
	t.BuyType = domain.BuyType(buyType)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return t, nil
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	if string(raw) == "null" {
		return []byte("{}"), nil
	}
	return raw, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
