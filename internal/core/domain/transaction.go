package domain

import "time"

// GatewayStatus is the payment state recorded in the ledger.
type GatewayStatus string

const (
	GatewayStatusPending GatewayStatus = "pending"
	GatewayStatusSuccess GatewayStatus = "success"
	GatewayStatusFailed  GatewayStatus = "failed"
)

// BuyType tags where a transaction originated.
type BuyType string

const (
	BuyTypeCard     BuyType = "card"
	BuyTypeTransfer BuyType = "transfer"
	BuyTypeCash     BuyType = "cash" // manual admin credit, never reconciled against a gateway
)

// IsGateway reports whether the buy type is backed by a payment gateway.
func (b BuyType) IsGateway() bool {
	return b == BuyTypeCard || b == BuyTypeTransfer
}

// GatewayBuyTypes lists every buy type the recovery sweep considers.
func GatewayBuyTypes() []BuyType {
	return []BuyType{BuyTypeCard, BuyTypeTransfer}
}

// Metadata keys written by the reconciliation engine.
const (
	MetaAttempts        = "attempts"
	MetaLastError       = "last_error"
	MetaGatewayResponse = "gateway_response"
	MetaRecoveredAt     = "recovered_at"
	MetaOverrides       = "overrides"
	MetaFailureReason   = "failure_reason"
)

// Transaction is one payment reference in the ledger.
// SaleID is only ever set together with GatewayStatusSuccess; a non-nil SaleID
// is proof that the meter was credited.
type Transaction struct {
	Reference            string                 `json:"reference"`
	MeterID              string                 `json:"meter_id"`
	AmountMinor          int64                  `json:"amount_minor"` // requested amount, smallest currency unit
	GatewayStatus        GatewayStatus          `json:"gateway_status"`
	SaleID               *string                `json:"sale_id,omitempty"`
	PendingSaleID        *string                `json:"pending_sale_id,omitempty"`
	ClaimedAt            *time.Time             `json:"claimed_at,omitempty"`
	ConfirmedAmountMinor *int64                 `json:"confirmed_amount_minor,omitempty"`
	UnconfirmedAt        *time.Time             `json:"unconfirmed_at,omitempty"` // first credit attempt with unknown outcome
	BuyType              BuyType                `json:"buy_type"`
	CustomerEmail        string                 `json:"customer_email,omitempty"`
	CustomerPhone        string                 `json:"customer_phone,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// IsCredited returns true once the meter credit has been durably recorded.
func (t *Transaction) IsCredited() bool {
	return t.GatewayStatus == GatewayStatusSuccess && t.SaleID != nil
}

// IsTerminal returns true if no further reconciliation will change the transaction.
func (t *Transaction) IsTerminal() bool {
	return t.IsCredited() || t.GatewayStatus == GatewayStatusFailed
}

// NeedsAttention is true for a pending transaction whose last credit attempt
// was rejected or never confirmed.
func (t *Transaction) NeedsAttention() bool {
	if t.GatewayStatus != GatewayStatusPending || t.Metadata == nil {
		return false
	}
	_, ok := t.Metadata[MetaLastError]
	return ok
}

// ClaimActive reports whether another attempt currently holds the credit claim.
func (t *Transaction) ClaimActive(now time.Time, lease time.Duration) bool {
	return t.ClaimedAt != nil && t.ClaimedAt.After(now.Add(-lease))
}

// AwaitingFollowUp is true while an earlier meter credit may or may not have
// landed. Only a recovery follow-up may send another credit for it.
func (t *Transaction) AwaitingFollowUp() bool {
	return t.UnconfirmedAt != nil && !t.IsCredited()
}

// CreditAttempt is appended to metadata["attempts"] for every meter credit call.
type CreditAttempt struct {
	SaleID      string    `json:"sale_id"`
	AmountMinor int64     `json:"amount_minor"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}
