package dto

import (
	"fmt"
	"time"
)

// InitializePaymentRequest is the request body for starting a meter recharge.
type InitializePaymentRequest struct {
	MeterID     string  `json:"meter_id" binding:"required,max=64,safe_id"`
	AmountMinor int64   `json:"amount_minor" binding:"required,gt=0"`
	BuyType     string  `json:"buy_type" binding:"required,oneof=card transfer"`
	Email       string  `json:"email" binding:"required,email,max=254"`
	Phone       *string `json:"phone,omitempty" binding:"omitempty,msisdn"`
}

// InitializePaymentResponse carries the checkout redirect.
type InitializePaymentResponse struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code,omitempty"`
}

// LoginRequest is the request body for operator login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse is the response body for successful login.
type LoginResponse struct {
	Token  string `json:"token"`
	Expiry int64  `json:"expiry"` // Unix timestamp
}

// RecoverPendingRequest bounds a recovery sweep. Both bounds accept RFC3339
// or a bare YYYY-MM-DD date.
type RecoverPendingRequest struct {
	Since  string `json:"since,omitempty"`
	Until  string `json:"until,omitempty"`
	DryRun bool   `json:"dryRun"`
}

// Window parses the request bounds. Since is inclusive, Until exclusive; a
// date-only Until covers that whole day.
func (r RecoverPendingRequest) Window() (since, until *time.Time, err error) {
	if r.Since != "" {
		t, _, err := parseBound(r.Since)
		if err != nil {
			return nil, nil, fmt.Errorf("since: %w", err)
		}
		since = &t
	}
	if r.Until != "" {
		t, dateOnly, err := parseBound(r.Until)
		if err != nil {
			return nil, nil, fmt.Errorf("until: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		until = &t
	}
	return since, until, nil
}

func parseBound(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t, true, nil
}

// ReopenRequest is the request body for the failed -> pending override.
type ReopenRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// TransactionResponse is the admin view of a ledger row.
type TransactionResponse struct {
	Reference     string                 `json:"reference"`
	MeterID       string                 `json:"meter_id"`
	AmountMinor   int64                  `json:"amount_minor"`
	GatewayStatus string                 `json:"gateway_status"`
	SaleID        *string                `json:"sale_id,omitempty"`
	BuyType       string                 `json:"buy_type"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     string                 `json:"created_at"`
	UpdatedAt     string                 `json:"updated_at"`
}
