package ports

import (
	"context"
	"time"

	"meter-recharge/internal/core/domain"
)

// --- Outbound ports (adapters) ---

// PaymentGateway verifies references against one gateway's authoritative record.
type PaymentGateway interface {
	Name() string
	BuyType() domain.BuyType
	// Verify returns an apperror VerificationUnavailable when the gateway cannot answer.
	Verify(ctx context.Context, reference string) (*domain.GatewayVerification, error)
	Initialize(ctx context.Context, req GatewayInitRequest) (*GatewayInitResult, error)
	VerifySignature(body []byte, signature string) bool
	SignatureHeader() string
	IsSuccessEvent(event string) bool
}

// GatewayInitRequest opens a checkout session at the gateway.
type GatewayInitRequest struct {
	Reference   string
	Email       string
	AmountMinor int64
	MeterID     string
}

// GatewayInitResult is the redirect handed back to the customer.
type GatewayInitResult struct {
	AuthorizationURL string
	AccessCode       string
}

// GatewayRegistry resolves configured gateways.
type GatewayRegistry interface {
	ByName(name string) (PaymentGateway, bool)
	ByBuyType(buyType domain.BuyType) (PaymentGateway, bool)
}

// MeterCreditClient issues a sale on the IoT meter platform.
// It never retries and never assumes the platform deduplicates saleID.
type MeterCreditClient interface {
	Credit(ctx context.Context, meterID string, amountMinor int64, saleID string, authToken string) (*domain.CreditResult, error)
}

// MeterAuthenticator supplies the platform session token.
type MeterAuthenticator interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// TokenCache stores the meter platform session token shared across instances.
type TokenCache interface {
	Get(ctx context.Context) (string, error) // "" on miss
	Set(ctx context.Context, token string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

// SaleIDStrategy mints the idempotency key for one credit attempt.
type SaleIDStrategy interface {
	NewSaleID(reference string) string
}

// StatusCache is the Redis fast path for resolved payment statuses.
type StatusCache interface {
	Get(ctx context.Context, reference string) (*domain.PaymentStatus, error) // nil on miss
	Set(ctx context.Context, status *domain.PaymentStatus, ttl time.Duration) error
}

// EventPublisher hands outcome events to the notification collaborator.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
	Close() error
}

// SignatureService handles HMAC signing and verification over raw bytes.
type SignatureService interface {
	Sign(secretKey string, payload []byte) string
	Verify(secretKey string, payload []byte, signature string) bool
}

// HashService handles password hashing (Argon2id).
type HashService interface {
	Hash(password string) (string, error)
	Verify(password string, hash string) (bool, error)
}

// TokenService handles JWT token operations.
type TokenService interface {
	Generate(subject string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject string
	Role    string
}

// --- Service Ports (Business Logic) ---

// ReconciliationService turns verified payments into exactly one meter credit.
type ReconciliationService interface {
	Reconcile(ctx context.Context, reference string) (*domain.ReconcileOutcome, error)
	// ReconcileAsOperator may also follow up an unconfirmed credit.
	ReconcileAsOperator(ctx context.Context, reference, actor string) (*domain.ReconcileOutcome, error)
	RecoverPending(ctx context.Context, req RecoverRequest) (*domain.RecoveryReport, error)
	Reopen(ctx context.Context, reference, reason, actor string) (*domain.Transaction, error)
	LastSweep(ctx context.Context) (*domain.SweepRun, error)
}

// RecoverRequest bounds a recovery sweep.
type RecoverRequest struct {
	Since   *time.Time
	Until   *time.Time
	DryRun  bool
	Trigger string
}

// WebhookIntakeService authenticates gateway pushes and drives reconciliation.
type WebhookIntakeService interface {
	HandleWebhook(ctx context.Context, gateway string, body []byte, signature string) error
	SignatureHeader(gateway string) (string, error)
}

// PaymentService covers the customer-facing payment flow.
type PaymentService interface {
	Initialize(ctx context.Context, req InitializePaymentRequest) (*InitializePaymentResult, error)
	GetStatus(ctx context.Context, reference string) (*domain.PaymentStatus, error)
}

// InitializePaymentRequest holds validated input for a new recharge.
type InitializePaymentRequest struct {
	MeterID       string
	AmountMinor   int64
	BuyType       domain.BuyType
	CustomerEmail string
	CustomerPhone string
}

// InitializePaymentResult is returned to the customer before checkout.
type InitializePaymentResult struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string
}

// AdminAuthService authenticates operators for the admin API.
type AdminAuthService interface {
	Login(ctx context.Context, username, password string) (string, time.Time, error) // token, expiry, error
}
