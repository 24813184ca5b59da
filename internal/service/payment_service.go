package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Customer-facing status messages.
const (
	msgCredited        = "Meter credited"
	msgAwaitingPayment = "Awaiting payment confirmation"
	msgCreditPending   = "Payment confirmed, meter credit in progress"
	msgCreditDelayed   = "Payment confirmed, meter credit delayed; it will be retried"
)

// PaymentServiceImpl implements ports.PaymentService.
type PaymentServiceImpl struct {
	txRepo    ports.TransactionRepository
	gateways  ports.GatewayRegistry
	engine    ports.ReconciliationService
	cache     ports.StatusCache
	prefix    string
	statusTTL time.Duration
	log       zerolog.Logger
}

// NewPaymentService creates a new PaymentServiceImpl.
func NewPaymentService(
	txRepo ports.TransactionRepository,
	gateways ports.GatewayRegistry,
	engine ports.ReconciliationService,
	cache ports.StatusCache,
	referencePrefix string,
	statusTTL time.Duration,
	log zerolog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		txRepo:    txRepo,
		gateways:  gateways,
		engine:    engine,
		cache:     cache,
		prefix:    referencePrefix,
		statusTTL: statusTTL,
		log:       log,
	}
}

// Initialize records a pending transaction and opens a checkout at the gateway.
// The row is written first so a webhook can never arrive for an unknown reference.
func (s *PaymentServiceImpl) Initialize(ctx context.Context, req ports.InitializePaymentRequest) (*ports.InitializePaymentResult, error) {
	if req.AmountMinor <= 0 {
		return nil, apperror.Validation("amount must be positive")
	}
	if strings.TrimSpace(req.MeterID) == "" {
		return nil, apperror.Validation("meter_id is required")
	}
	if !req.BuyType.IsGateway() {
		return nil, apperror.Validation(fmt.Sprintf("buy type %q cannot be paid online", req.BuyType))
	}
	gw, ok := s.gateways.ByBuyType(req.BuyType)
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("buy type %q is not enabled", req.BuyType))
	}

	now := time.Now().UTC()
	tx := &domain.Transaction{
		Reference:     s.newReference(),
		MeterID:       strings.TrimSpace(req.MeterID),
		AmountMinor:   req.AmountMinor,
		GatewayStatus: domain.GatewayStatusPending,
		BuyType:       req.BuyType,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		Metadata:      map[string]interface{}{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		if errors.Is(err, ports.ErrDuplicateReference) {
			return nil, apperror.InternalError(fmt.Errorf("reference collision: %w", err))
		}
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create transaction: %w", err))
	}

	checkout, err := gw.Initialize(ctx, ports.GatewayInitRequest{
		Reference:   tx.Reference,
		Email:       tx.CustomerEmail,
		AmountMinor: tx.AmountMinor,
		MeterID:     tx.MeterID,
	})
	if err != nil {
		// The orphaned pending row is resolved to failed by the next sweep.
		s.log.Warn().Err(err).Str("reference", tx.Reference).Str("gateway", gw.Name()).Msg("checkout initialization failed")
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperror.ErrVerificationUnavailable(err)
	}

	s.log.Info().
		Str("reference", tx.Reference).
		Str("meter_id", tx.MeterID).
		Int64("amount_minor", tx.AmountMinor).
		Str("gateway", gw.Name()).
		Msg("payment initialized")

	return &ports.InitializePaymentResult{
		Reference:        tx.Reference,
		AuthorizationURL: checkout.AuthorizationURL,
		AccessCode:       checkout.AccessCode,
	}, nil
}

// GetStatus answers the customer poll. Pending rows are reconciled inline; any
// reconcile failure degrades to the best-known ledger state instead of an error.
func (s *PaymentServiceImpl) GetStatus(ctx context.Context, reference string) (*domain.PaymentStatus, error) {
	log := s.log.With().Str("reference", reference).Logger()

	cached, err := s.cache.Get(ctx, reference)
	if err != nil {
		log.Warn().Err(err).Msg("status cache read failed, falling through to ledger")
	}
	if cached != nil {
		return cached, nil
	}

	tx, err := s.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get transaction: %w", err))
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("Transaction")
	}
	if tx.IsTerminal() {
		return s.respond(ctx, tx, nil, log), nil
	}

	outcome, err := s.engine.Reconcile(ctx, reference)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile during status poll failed")
	}

	if fresh, rerr := s.txRepo.GetByReference(ctx, reference); rerr != nil {
		log.Warn().Err(rerr).Msg("reload after reconcile failed")
	} else if fresh != nil {
		tx = fresh
	}
	return s.respond(ctx, tx, outcome, log), nil
}

func (s *PaymentServiceImpl) respond(ctx context.Context, tx *domain.Transaction, outcome *domain.ReconcileOutcome, log zerolog.Logger) *domain.PaymentStatus {
	status := domain.StatusOf(tx)
	status.Message = statusMessage(tx, outcome)

	// Only credited rows are cached: failed rows can still be reopened.
	if tx.IsCredited() {
		if err := s.cache.Set(ctx, status, s.statusTTL); err != nil {
			log.Warn().Err(err).Msg("status cache write failed")
		}
	}
	return status
}

func statusMessage(tx *domain.Transaction, outcome *domain.ReconcileOutcome) string {
	switch {
	case tx.IsCredited():
		return msgCredited
	case tx.GatewayStatus == domain.GatewayStatusFailed:
		if reason, ok := tx.Metadata[domain.MetaFailureReason].(string); ok && reason != "" {
			return "Payment failed: " + reason
		}
		return "Payment failed"
	case outcome == nil:
		if tx.NeedsAttention() {
			return msgCreditDelayed
		}
		return msgAwaitingPayment
	}

	switch outcome.Result {
	case domain.ResultInProgress:
		return msgCreditPending
	case domain.ResultCreditRejected, domain.ResultCreditAmbiguous:
		return msgCreditDelayed
	default:
		return msgAwaitingPayment
	}
}

func (s *PaymentServiceImpl) newReference() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s.prefix + strings.ToUpper(id[:20])
}
