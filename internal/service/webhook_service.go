package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const eventMalformed = "malformed"

// WebhookIntakeServiceImpl implements ports.WebhookIntakeService.
// After authentication it never returns an error: the recovery sweep, not
// gateway redelivery, is the remediation path.
type WebhookIntakeServiceImpl struct {
	gateways ports.GatewayRegistry
	logs     ports.WebhookLogRepository
	engine   ports.ReconciliationService
	log      zerolog.Logger
}

// NewWebhookIntakeService creates a new WebhookIntakeServiceImpl.
func NewWebhookIntakeService(
	gateways ports.GatewayRegistry,
	logs ports.WebhookLogRepository,
	engine ports.ReconciliationService,
	log zerolog.Logger,
) *WebhookIntakeServiceImpl {
	return &WebhookIntakeServiceImpl{
		gateways: gateways,
		logs:     logs,
		engine:   engine,
		log:      log,
	}
}

// SignatureHeader names the header carrying the gateway's HMAC.
func (s *WebhookIntakeServiceImpl) SignatureHeader(gateway string) (string, error) {
	gw, ok := s.gateways.ByName(gateway)
	if !ok {
		return "", apperror.ErrNotFound("Gateway")
	}
	return gw.SignatureHeader(), nil
}

// HandleWebhook authenticates the raw body, records it and drives reconciliation.
func (s *WebhookIntakeServiceImpl) HandleWebhook(ctx context.Context, gateway string, body []byte, signature string) error {
	gw, ok := s.gateways.ByName(gateway)
	if !ok {
		return apperror.ErrNotFound("Gateway")
	}
	log := s.log.With().Str("gateway", gw.Name()).Logger()

	// Verify over the exact bytes received; re-serialized JSON would not match.
	if !gw.VerifySignature(body, signature) {
		log.Warn().Int("body_bytes", len(body)).Msg("webhook signature rejected")
		return apperror.ErrInvalidSignature()
	}

	entry := &domain.WebhookLog{
		ID:        uuid.New(),
		Gateway:   gw.Name(),
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}

	var event domain.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		entry.EventType = eventMalformed
		entry.Payload, _ = json.Marshal(string(body))
		msg := fmt.Sprintf("malformed payload: %v", err)
		entry.Error = &msg
		s.append(ctx, entry, log)
		log.Warn().Err(err).Msg("authenticated webhook with malformed body acknowledged")
		return nil
	}

	entry.EventType = event.Event
	entry.Reference = event.Data.Reference
	s.append(ctx, entry, log)

	log = log.With().Str("event", event.Event).Str("reference", event.Data.Reference).Logger()

	if !gw.IsSuccessEvent(event.Event) {
		log.Info().Msg("webhook event ignored")
		return nil
	}
	if event.Data.Reference == "" {
		s.finish(ctx, entry.ID, false, "missing reference", log)
		return nil
	}

	outcome, err := s.engine.Reconcile(ctx, event.Data.Reference)
	if err != nil {
		log.Warn().Err(err).Msg("webhook reconcile failed; left for recovery sweep")
		s.finish(ctx, entry.ID, false, err.Error(), log)
		return nil
	}

	log.Info().Str("outcome", string(outcome.Result)).Msg("webhook reconciled")
	if outcome.Resolved() {
		s.finish(ctx, entry.ID, true, "", log)
		return nil
	}

	detail := string(outcome.Result)
	if outcome.Reason != "" {
		detail += ": " + outcome.Reason
	}
	s.finish(ctx, entry.ID, false, detail, log)
	return nil
}

func (s *WebhookIntakeServiceImpl) append(ctx context.Context, entry *domain.WebhookLog, log zerolog.Logger) {
	if err := s.logs.Create(ctx, entry); err != nil {
		log.Error().Err(err).Msg("append webhook log")
	}
}

func (s *WebhookIntakeServiceImpl) finish(ctx context.Context, id uuid.UUID, processed bool, errMsg string, log zerolog.Logger) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := s.logs.MarkProcessed(context.WithoutCancel(ctx), id, processed, msg); err != nil {
		log.Error().Err(err).Msg("update webhook log")
	}
}
