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

	"github.com/rs/zerolog"
)

const (
	CardName            = "card"
	CardSignatureHeader = "X-Paystack-Signature"
	cardSuccessEvent    = "charge.success"
)

// CardGateway verifies card payments. Amounts are integers in minor units.
type CardGateway struct {
	api         *upstream.Client
	secretKey   string
	signingKey  string
	callbackURL string
	currency    string
	signer      ports.SignatureService
}

// NewCardGateway creates a CardGateway. signer must be HMAC-SHA512.
func NewCardGateway(cfg config.GatewayConfig, signer ports.SignatureService, log zerolog.Logger) *CardGateway {
	return &CardGateway{
		api: upstream.New(upstream.Settings{
			Name:            CardName,
			BaseURL:         cfg.BaseURL,
			Timeout:         cfg.Timeout,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		}, log),
		secretKey:   cfg.SecretKey,
		signingKey:  cfg.SigningSecret(),
		callbackURL: cfg.CallbackURL,
		currency:    cfg.LedgerCurrency(),
		signer:      signer,
	}
}

func (g *CardGateway) Name() string                 { return CardName }
func (g *CardGateway) BuyType() domain.BuyType      { return domain.BuyTypeCard }
func (g *CardGateway) SignatureHeader() string      { return CardSignatureHeader }
func (g *CardGateway) IsSuccessEvent(e string) bool { return e == cardSuccessEvent }

func (g *CardGateway) VerifySignature(body []byte, signature string) bool {
	return g.signer.Verify(g.signingKey, body, signature)
}

type cardEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type cardTransaction struct {
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
}

// Verify asks the gateway for the authoritative state of reference.
func (g *CardGateway) Verify(ctx context.Context, reference string) (*domain.GatewayVerification, error) {
	rep, err := g.api.Do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), upstream.Bearer(g.secretKey), nil)
	if err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card verify %s: %w", reference, err))
	}

	var env cardEnvelope
	if jerr := json.Unmarshal(rep.Body, &env); jerr != nil && rep.StatusCode != http.StatusNotFound {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card verify %s: decode: %w", reference, jerr))
	}

	// An unknown reference is terminal: the customer never reached checkout.
	if rep.StatusCode == http.StatusNotFound || (!env.Status && isNotFound(env.Message)) {
		return &domain.GatewayVerification{
			Reference:       reference,
			Status:          domain.VerificationFailed,
			GatewayResponse: "reference not found",
			Raw:             rawJSON(rep.Body),
		}, nil
	}
	if !rep.OK() || !env.Status {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card verify %s: HTTP %d: %s", reference, rep.StatusCode, env.Message))
	}

	var data cardTransaction
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card verify %s: decode data: %w", reference, err))
	}

	v := &domain.GatewayVerification{
		Reference:       reference,
		Status:          cardStatus(data.Status),
		AmountMinor:     data.Amount,
		Currency:        data.Currency,
		GatewayResponse: data.GatewayResponse,
		Raw:             rawJSON(rep.Body),
	}
	if err := checkCurrency(v, g.currency); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card verify %s: %w", reference, err))
	}
	return v, nil
}

func cardStatus(s string) domain.VerificationStatus {
	switch strings.ToLower(s) {
	case "success":
		return domain.VerificationSuccess
	case "abandoned":
		return domain.VerificationAbandoned
	case "failed", "reversed":
		return domain.VerificationFailed
	default:
		return domain.VerificationPending
	}
}

type cardInitRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type cardInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
}

// Initialize opens a hosted checkout for the reference.
func (g *CardGateway) Initialize(ctx context.Context, req ports.GatewayInitRequest) (*ports.GatewayInitResult, error) {
	rep, err := g.api.Do(ctx, http.MethodPost, "/transaction/initialize", upstream.Bearer(g.secretKey), cardInitRequest{
		Email:       req.Email,
		Amount:      req.AmountMinor,
		Reference:   req.Reference,
		CallbackURL: g.callbackURL,
		Metadata:    map[string]string{"meter_id": req.MeterID},
	})
	if err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card initialize %s: %w", req.Reference, err))
	}

	var env cardEnvelope
	if err := json.Unmarshal(rep.Body, &env); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card initialize %s: decode: %w", req.Reference, err))
	}
	if !rep.OK() || !env.Status {
		return nil, apperror.Validation(fmt.Sprintf("card gateway refused checkout: %s", env.Message))
	}

	var data cardInitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, apperror.ErrVerificationUnavailable(fmt.Errorf("card initialize %s: decode data: %w", req.Reference, err))
	}
	return &ports.GatewayInitResult{AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode}, nil
}

func isNotFound(message string) bool {
	return strings.Contains(strings.ToLower(message), "not found")
}

func rawJSON(b []byte) json.RawMessage {
	if !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

// checkCurrency refuses a success settled in anything but the ledger currency;
// its amount is not comparable to the requested minor units.
func checkCurrency(v *domain.GatewayVerification, want string) error {
	if v.Status != domain.VerificationSuccess || strings.EqualFold(v.Currency, want) {
		return nil
	}
	return fmt.Errorf("settled in %q, ledger currency is %s", v.Currency, want)
}
