package domain

import "encoding/json"

// VerificationStatus is the gateway's authoritative view of a payment.
type VerificationStatus string

const (
	VerificationSuccess   VerificationStatus = "success"
	VerificationFailed    VerificationStatus = "failed"
	VerificationAbandoned VerificationStatus = "abandoned"
	VerificationPending   VerificationStatus = "pending"
)

// GatewayVerification is the normalized result of a gateway verify call.
type GatewayVerification struct {
	Reference       string             `json:"reference"`
	Status          VerificationStatus `json:"status"`
	AmountMinor     int64              `json:"amount_minor"` // confirmed paid amount
	Currency        string             `json:"currency,omitempty"`
	GatewayResponse string             `json:"gateway_response,omitempty"`
	Raw             json.RawMessage    `json:"raw,omitempty"`
}

// IsTerminalFailure reports whether the gateway considers the payment dead.
func (v *GatewayVerification) IsTerminalFailure() bool {
	return v.Status == VerificationFailed || v.Status == VerificationAbandoned
}

// CreditResult is the normalized meter platform reply.
type CreditResult struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}
