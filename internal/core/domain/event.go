package domain

import "time"

// EventType names a notification published for the SMS/WhatsApp collaborator.
type EventType string

const (
	EventMeterCredited        EventType = "meter.credited"
	EventPaymentFailed        EventType = "payment.failed"
	EventCreditNeedsAttention EventType = "credit.needs_attention"
)

// Event is published after the ledger records a reconcile outcome.
type Event struct {
	Type          EventType `json:"type"`
	Reference     string    `json:"reference"`
	MeterID       string    `json:"meter_id"`
	AmountMinor   int64     `json:"amount_minor"`
	SaleID        string    `json:"sale_id,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PaymentStatus is the customer-facing view returned by the verify poll.
type PaymentStatus struct {
	Reference   string        `json:"reference"`
	Status      GatewayStatus `json:"status"`
	MeterID     string        `json:"meter_id"`
	AmountMinor int64         `json:"amount_minor"`
	SaleID      string        `json:"sale_id,omitempty"`
	Message     string        `json:"message"`
}

// StatusOf builds the customer view of a ledger row.
func StatusOf(tx *Transaction) *PaymentStatus {
	s := &PaymentStatus{
		Reference:   tx.Reference,
		Status:      tx.GatewayStatus,
		MeterID:     tx.MeterID,
		AmountMinor: tx.AmountMinor,
	}
	if tx.ConfirmedAmountMinor != nil {
		s.AmountMinor = *tx.ConfirmedAmountMinor
	}
	if tx.SaleID != nil {
		s.SaleID = *tx.SaleID
	}
	return s
}
