// Package meter talks to the IoT meter platform.
package meter

import (
	"context"
	"fmt"
	"net/http"

	"meter-recharge/config"
	"meter-recharge/internal/adapter/upstream"
	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/money"

	"github.com/rs/zerolog"
)

const salePath = "/api/v1/sale"

// Client implements ports.MeterCreditClient.
// The platform is not assumed to deduplicate saleId, so Credit is sent once
// and an unreadable outcome is reported as ambiguous, never retried.
type Client struct {
	api *upstream.Client
	log zerolog.Logger
}

// NewClient creates a Client. Request deadlines come from the caller's context.
func NewClient(cfg config.MeterConfig, log zerolog.Logger) *Client {
	return &Client{
		api: upstream.New(upstream.Settings{
			Name:            "meter",
			BaseURL:         cfg.BaseURL,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		}, log),
		log: log,
	}
}

type saleRequest struct {
	MeterID string `json:"meterId"`
	Amount  string `json:"amount"`
	SaleID  string `json:"saleId"`
}

// Credit posts one sale.
func (c *Client) Credit(ctx context.Context, meterID string, amountMinor int64, saleID string, authToken string) (*domain.CreditResult, error) {
	rep, err := c.api.Do(ctx, http.MethodPost, salePath, upstream.Bearer(authToken), saleRequest{
		MeterID: meterID,
		Amount:  money.ToMajorUnits(amountMinor),
		SaleID:  saleID,
	})
	if err != nil {
		if upstream.IsOpen(err) {
			return nil, fmt.Errorf("%w: %v", ports.ErrMeterUnavailable, err)
		}
		return nil, fmt.Errorf("%w: sale %s: %v", ports.ErrMeterCreditAmbiguous, saleID, err)
	}
	if rep.StatusCode == http.StatusUnauthorized {
		return nil, ports.ErrMeterTokenExpired
	}

	ok, message, code, err := parseCreditReply(rep.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: sale %s: HTTP %d: %v", ports.ErrMeterCreditAmbiguous, saleID, rep.StatusCode, err)
	}
	if isTokenExpiredReply(ok, message, code) {
		return nil, ports.ErrMeterTokenExpired
	}
	if ok && !rep.OK() {
		return nil, fmt.Errorf("%w: sale %s: success body with HTTP %d", ports.ErrMeterCreditAmbiguous, saleID, rep.StatusCode)
	}

	c.log.Debug().Str("sale_id", saleID).Str("meter_id", meterID).Bool("ok", ok).Msg("meter sale reply")
	return &domain.CreditResult{OK: ok, Message: message, Raw: rep.Body}, nil
}
