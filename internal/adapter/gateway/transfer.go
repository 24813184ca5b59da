package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"meter-recharge/config"
	"meter-recharge/internal/adapter/upstream"
	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"
	"meter-recharge/pkg/money"

	"github.com/rs/zerolog"
)

const (
	TransferName            = "transfer"
	TransferSignatureHeader = "X-Transfer-Signature"
	transferSuccessEvent    = "payment.success"
)

// TransferGateway verifies bank/crypto transfer payments. It reports amounts
// as decimal strings in major units.
type TransferGateway struct {
	api         *upstream.Client
	apiKey      string
	signingKey  string
	callbackURL string
	currency    string
	signer      ports.SignatureService
}

// NewTransferGateway creates a TransferGateway. signer must be HMAC-SHA256.
func NewTransferGateway(cfg config.GatewayConfig, signer ports.SignatureService, log zerolog.Logger) *TransferGateway {
	return &TransferGateway{
		api: upstream.New(upstream.Settings{
			Name:            TransferName,
			BaseURL:         cfg.BaseURL,
			Timeout:         cfg.Timeout,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		}, log),
		apiKey:      cfg.SecretKey,
		signingKey:  cfg.SigningSecret(),
		callbackURL: cfg.CallbackURL,
		currency:    cfg.LedgerCurrency(),
		signer:      signer,
	}
}

func (g *TransferGateway) Name() string                 { return TransferName }
func (g *TransferGateway) BuyType() domain.BuyType      { return domain.BuyTypeTransfer }
func (g *TransferGateway) SignatureHeader() string      { return TransferSignatureHeader }
func (g *TransferGateway) IsSuccessEvent(e string) bool { return e == transferSuccessEvent }

func (g *TransferGateway) VerifySignature(body []byte, signature string) bool {
	return g.signer.Verify(g.signingKey, body, signature)
}

func (g *TransferGateway) header() http.Header {
	h := http.Header{}
	h.Set("X-API-Key", g.apiKey)
	return h
}

type transferEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type transferPayment struct {
	Reference  string `json:"reference"`
	State      string `json:"state"`
	AmountPaid string `json:"amount_paid"`
	Currency   string `json:"currency"`
}

// Verify asks the gateway for the authoritative state of reference.
func (g *TransferGateway) Verify(ctx context.Context, reference string) (*domain.GatewayVerification, error) {
	rep, err := g.api.Do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(reference), g.header(), nil)
	if err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer verify %s: %w", reference, err))
	}
	if rep.StatusCode == http.StatusNotFound {
		return &domain.GatewayVerification{
			Reference:       reference,
			Status:          domain.VerificationFailed,
			GatewayResponse: "reference not found",
			Raw:             rawJSON(rep.Body),
		}, nil
	}

	var env transferEnvelope
	if err := json.Unmarshal(rep.Body, &env); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer verify %s: decode: %w", reference, err))
	}
	if !rep.OK() || !env.Success {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer verify %s: HTTP %d: %s", reference, rep.StatusCode, env.Message))
	}

	var data transferPayment
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer verify %s: decode data: %w", reference, err))
	}

	v := &domain.GatewayVerification{
		Reference:       reference,
		Status:          transferStatus(data.State),
		Currency:        data.Currency,
		GatewayResponse: data.State,
		Raw:             rawJSON(rep.Body),
	}
	if err := checkCurrency(v, g.currency); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer verify %s: %w", reference, err))
	}
	if v.Status == domain.VerificationSuccess {
		amount, err := money.ToMinorUnits(data.AmountPaid)
		if err != nil {
			return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer verify %s: %w", reference, err))
		}
		v.AmountMinor = amount
	}
	return v, nil
}

func transferStatus(s string) domain.VerificationStatus {
	switch strings.ToLower(s) {
	case "paid", "overpaid", "completed":
		return domain.VerificationSuccess
	case "expired", "cancelled", "canceled", "failed":
		return domain.VerificationFailed
	default:
		return domain.VerificationPending
	}
}

type transferInitRequest struct {
	Reference   string            `json:"reference"`
	Amount      string            `json:"amount"`
	Email       string            `json:"customer_email,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type transferInitData struct {
	CheckoutURL string `json:"checkout_url"`
	ID          string `json:"id"`
}

// Initialize creates a payment request the customer completes by transfer.
func (g *TransferGateway) Initialize(ctx context.Context, req ports.GatewayInitRequest) (*ports.GatewayInitResult, error) {
	rep, err := g.api.Do(ctx, http.MethodPost, "/v1/payments", g.header(), transferInitRequest{
		Reference:   req.Reference,
		Amount:      money.ToMajorUnits(req.AmountMinor),
		Email:       req.Email,
		CallbackURL: g.callbackURL,
		Metadata:    map[string]string{"meter_id": req.MeterID},
	})
	if err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer initialize %s: %w", req.Reference, err))
	}

	var env transferEnvelope
	if err := json.Unmarshal(rep.Body, &env); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer initialize %s: decode: %w", req.Reference, err))
	}
	if !rep.OK() || !env.Success {
		return nil, apperror.Validation(fmt.Sprintf("transfer gateway refused payment: %s", env.Message))
	}

	var data transferInitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("transfer initialize %s: decode data: %w", req.Reference, err))
	}
	return &ports.GatewayInitResult{AuthorizationURL: data.CheckoutURL, AccessCode: data.ID}, nil
}
