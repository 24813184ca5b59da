package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ReconcileSettings carries the engine's tunables from config.
type ReconcileSettings struct {
	ClaimLease      time.Duration // must exceed CreditTimeout
	CreditTimeout   time.Duration
	ReuseSaleID     bool
	ReferencePrefix string
	Concurrency     int
	BatchLimit      int
}

const (
	reasonMeterUnavailable = "meter platform unavailable"
	reasonAwaitingFollowUp = "earlier meter credit unconfirmed; awaiting recovery follow-up"
)

// Bounded retry for recording a credit the meter already confirmed.
var (
	completeCreditAttempts = 4
	completeCreditBackoff  = 250 * time.Millisecond
)

// ReconciliationServiceImpl implements ports.ReconciliationService.
// The ledger's conditional writes are the only synchronization between
// concurrent reconciles of one reference.
type ReconciliationServiceImpl struct {
	txRepo    ports.TransactionRepository
	sweepRepo ports.SweepRunRepository
	gateways  ports.GatewayRegistry
	meter     ports.MeterCreditClient
	auth      ports.MeterAuthenticator
	saleIDs   ports.SaleIDStrategy
	events    ports.EventPublisher
	cfg       ReconcileSettings
	now       func() time.Time
	log       zerolog.Logger
}

// NewReconciliationService creates a new ReconciliationServiceImpl.
func NewReconciliationService(
	txRepo ports.TransactionRepository,
	sweepRepo ports.SweepRunRepository,
	gateways ports.GatewayRegistry,
	meter ports.MeterCreditClient,
	auth ports.MeterAuthenticator,
	saleIDs ports.SaleIDStrategy,
	events ports.EventPublisher,
	cfg ReconcileSettings,
	log zerolog.Logger,
) *ReconciliationServiceImpl {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &ReconciliationServiceImpl{
		txRepo:    txRepo,
		sweepRepo: sweepRepo,
		gateways:  gateways,
		meter:     meter,
		auth:      auth,
		saleIDs:   saleIDs,
		events:    events,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// Reconcile verifies reference with its gateway and credits the meter at most once.
// A reference whose last credit is unconfirmed is left to the recovery sweep.
func (s *ReconciliationServiceImpl) Reconcile(ctx context.Context, reference string) (*domain.ReconcileOutcome, error) {
	return s.reconcile(ctx, reference, "")
}

// ReconcileAsOperator is an explicit operator reconcile. Like a sweep, it may
// follow up an unconfirmed credit with a new attempt.
func (s *ReconciliationServiceImpl) ReconcileAsOperator(ctx context.Context, reference, actor string) (*domain.ReconcileOutcome, error) {
	s.log.Info().Str("reference", reference).Str("actor", actor).Msg("operator reconcile")
	return s.reconcile(ctx, reference, domain.TriggerAdmin)
}

// reconcile runs one pass. An empty trigger is an ordinary webhook or poll;
// any other trigger is a follow-up allowed to retry an unconfirmed credit.
func (s *ReconciliationServiceImpl) reconcile(ctx context.Context, reference, trigger string) (*domain.ReconcileOutcome, error) {
	log := s.log.With().Str("reference", reference).Logger()

	tx, err := s.load(ctx, reference)
	if err != nil {
		return nil, err
	}

	// Idempotency short-circuit: no gateway or meter calls once credited.
	if tx.IsCredited() {
		log.Debug().Str("sale_id", *tx.SaleID).Msg("already credited")
		return alreadyCredited(tx), nil
	}
	if tx.GatewayStatus == domain.GatewayStatusFailed {
		return failedOutcome(tx, ""), nil
	}
	if trigger == "" && tx.AwaitingFollowUp() {
		log.Debug().Msg("unconfirmed credit awaiting follow-up")
		return awaitingFollowUp(tx), nil
	}

	gw, ok := s.gateways.ByBuyType(tx.BuyType)
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("no payment gateway configured for buy type %q", tx.BuyType))
	}

	verification, err := gw.Verify(ctx, reference)
	if err != nil {
		log.Warn().Err(err).Str("gateway", gw.Name()).Msg("gateway verification unavailable")
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperror.ErrVerificationUnavailable(err)
	}

	switch verification.Status {
	case domain.VerificationFailed, domain.VerificationAbandoned:
		return s.markFailed(ctx, tx, verification, log)
	case domain.VerificationSuccess:
	default:
		log.Debug().Msg("payment still pending at gateway")
		return &domain.ReconcileOutcome{
			Reference:     tx.Reference,
			Result:        domain.ResultStillPending,
			GatewayStatus: tx.GatewayStatus,
			Reason:        verification.GatewayResponse,
		}, nil
	}

	amount := verification.AmountMinor
	if amount <= 0 {
		return nil, apperror.ErrVerificationUnavailable(
			fmt.Errorf("gateway confirmed success with non-positive amount %d", amount))
	}
	if amount != tx.AmountMinor {
		log.Warn().
			Int64("requested_minor", tx.AmountMinor).
			Int64("confirmed_minor", amount).
			Msg("confirmed amount differs from requested; crediting confirmed amount")
	}

	saleID := s.saleIDs.NewSaleID(reference)
	if s.cfg.ReuseSaleID && tx.PendingSaleID != nil {
		saleID = *tx.PendingSaleID
	}

	won, err := s.txRepo.Claim(ctx, reference, ports.CreditClaim{
		SaleID:      saleID,
		AmountMinor: amount,
		Now:         s.now(),
		Lease:       s.cfg.ClaimLease,
		FollowUp:    trigger != "",
	})
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("claim %s: %w", reference, err))
	}
	if !won {
		return s.afterLostClaim(ctx, reference, log)
	}

	return s.credit(ctx, tx, saleID, amount, trigger, log)
}

// credit runs the meter call under a held claim and records the result.
func (s *ReconciliationServiceImpl) credit(
	ctx context.Context,
	tx *domain.Transaction,
	saleID string,
	amount int64,
	trigger string,
	log zerolog.Logger,
) (*domain.ReconcileOutcome, error) {
	log = log.With().Str("sale_id", saleID).Str("meter_id", tx.MeterID).Int64("amount_minor", amount).Logger()

	// Once the claim is held the attempt runs to completion: a cancelled meter
	// call or a lost ledger write would leave the credit unconfirmed.
	wctx := context.WithoutCancel(ctx)

	creditCtx, cancel := context.WithTimeout(wctx, s.cfg.CreditTimeout)
	result, err := s.creditWithRefresh(creditCtx, tx.MeterID, amount, saleID, log)
	cancel()
	if err == nil && result == nil {
		err = fmt.Errorf("%w: empty reply", ports.ErrMeterCreditAmbiguous)
	}

	attempt := domain.CreditAttempt{SaleID: saleID, AmountMinor: amount, At: s.now()}

	switch {
	case err == nil && result.OK:
		attempt.Outcome = string(domain.ResultCredited)
		attempt.Message = result.Message
		patch := map[string]interface{}{}
		if trigger != "" {
			patch[domain.MetaRecoveredAt] = attempt.At.Format(time.RFC3339)
			patch["recovered_by"] = trigger
		}
		ok, werr := s.completeCredit(wctx, tx.Reference, saleID, attempt, patch, log)
		if werr != nil || !ok {
			log.Error().Err(werr).Msg("meter credited but ledger write failed; manual reconciliation required")
			s.publish(wctx, tx, domain.EventCreditNeedsAttention, saleID, amount, "meter credited, ledger not updated")
			if werr == nil {
				werr = errors.New("credit claim no longer held")
			}
			return nil, apperror.InternalError(fmt.Errorf("record credit %s for %s: %w", saleID, tx.Reference, werr))
		}
		log.Info().Msg("meter credited")
		s.publish(wctx, tx, domain.EventMeterCredited, saleID, amount, "")
		return &domain.ReconcileOutcome{
			Reference:     tx.Reference,
			Result:        domain.ResultCredited,
			GatewayStatus: domain.GatewayStatusSuccess,
			SaleID:        saleID,
			AmountMinor:   amount,
		}, nil

	case err == nil:
		attempt.Outcome = string(domain.ResultCreditRejected)
		attempt.Message = result.Message
		return s.release(wctx, tx, attempt, domain.ResultCreditRejected, result.Message, false, log)

	case errors.Is(err, ports.ErrMeterUnavailable):
		attempt.Outcome = string(domain.ResultCreditRejected)
		attempt.Message = err.Error()
		return s.release(wctx, tx, attempt, domain.ResultCreditRejected, reasonMeterUnavailable, false, log)

	default:
		attempt.Outcome = string(domain.ResultCreditAmbiguous)
		attempt.Message = err.Error()
		return s.release(wctx, tx, attempt, domain.ResultCreditAmbiguous, err.Error(), s.cfg.ReuseSaleID, log)
	}
}

// completeCredit records a confirmed credit, retrying transient ledger errors
// so the claim is not left to expire into a second credit. A lost claim is final.
func (s *ReconciliationServiceImpl) completeCredit(
	ctx context.Context,
	reference, saleID string,
	attempt domain.CreditAttempt,
	patch map[string]interface{},
	log zerolog.Logger,
) (bool, error) {
	var (
		ok  bool
		err error
	)
	for i := 1; i <= completeCreditAttempts; i++ {
		ok, err = s.txRepo.CompleteCredit(ctx, reference, saleID, attempt, patch)
		if err == nil || i == completeCreditAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", i).Msg("record credit failed, retrying")
		select {
		case <-time.After(time.Duration(i) * completeCreditBackoff):
		case <-ctx.Done():
			return false, err
		}
	}
	return ok, err
}

// creditWithRefresh retries once, with the same sale id, when the platform
// reports an expired session. An expired token is refused before processing.
func (s *ReconciliationServiceImpl) creditWithRefresh(
	ctx context.Context,
	meterID string,
	amount int64,
	saleID string,
	log zerolog.Logger,
) (*domain.CreditResult, error) {
	token, err := s.auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", ports.ErrMeterUnavailable, err)
	}

	result, err := s.meter.Credit(ctx, meterID, amount, saleID, token)
	if !errors.Is(err, ports.ErrMeterTokenExpired) {
		return result, err
	}

	log.Info().Msg("meter token expired, refreshing")
	if ierr := s.auth.Invalidate(ctx); ierr != nil {
		log.Warn().Err(ierr).Msg("invalidate meter token")
	}
	token, err = s.auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: re-login: %v", ports.ErrMeterUnavailable, err)
	}

	result, err = s.meter.Credit(ctx, meterID, amount, saleID, token)
	if errors.Is(err, ports.ErrMeterTokenExpired) {
		return nil, fmt.Errorf("%w: token rejected after refresh", ports.ErrMeterUnavailable)
	}
	return result, err
}

func (s *ReconciliationServiceImpl) release(
	ctx context.Context,
	tx *domain.Transaction,
	attempt domain.CreditAttempt,
	result domain.ReconcileResult,
	reason string,
	keepSaleID bool,
	log zerolog.Logger,
) (*domain.ReconcileOutcome, error) {
	if err := s.txRepo.ReleaseClaim(ctx, tx.Reference, attempt.SaleID, attempt, keepSaleID); err != nil {
		// the lease expires on its own; the attempt is still visible in the logs
		log.Error().Err(err).Msg("release credit claim")
	}
	log.Warn().Str("outcome", string(result)).Str("reason", reason).Msg("meter credit not confirmed")
	s.publish(ctx, tx, domain.EventCreditNeedsAttention, attempt.SaleID, attempt.AmountMinor, reason)

	return &domain.ReconcileOutcome{
		Reference:     tx.Reference,
		Result:        result,
		GatewayStatus: domain.GatewayStatusPending,
		SaleID:        attempt.SaleID,
		AmountMinor:   attempt.AmountMinor,
		Reason:        reason,
	}, nil
}

func (s *ReconciliationServiceImpl) markFailed(
	ctx context.Context,
	tx *domain.Transaction,
	v *domain.GatewayVerification,
	log zerolog.Logger,
) (*domain.ReconcileOutcome, error) {
	patch := map[string]interface{}{
		domain.MetaFailureReason:   string(v.Status),
		domain.MetaGatewayResponse: v.GatewayResponse,
		"failed_at":                s.now().Format(time.RFC3339),
	}
	ok, err := s.txRepo.MarkFailed(ctx, tx.Reference, patch)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("mark failed %s: %w", tx.Reference, err))
	}
	if !ok {
		return s.afterLostClaim(ctx, tx.Reference, log)
	}

	log.Info().Str("gateway_status", string(v.Status)).Msg("payment marked failed")
	s.publish(ctx, tx, domain.EventPaymentFailed, "", tx.AmountMinor, string(v.Status))
	return failedOutcome(tx, string(v.Status)), nil
}

// afterLostClaim re-reads the row after a conditional write did not match.
func (s *ReconciliationServiceImpl) afterLostClaim(ctx context.Context, reference string, log zerolog.Logger) (*domain.ReconcileOutcome, error) {
	current, err := s.load(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch {
	case current.IsCredited():
		return alreadyCredited(current), nil
	case current.GatewayStatus == domain.GatewayStatusFailed:
		return failedOutcome(current, ""), nil
	case current.AwaitingFollowUp() && !current.ClaimActive(s.now(), s.cfg.ClaimLease):
		return awaitingFollowUp(current), nil
	}
	log.Info().Msg("credit in progress elsewhere")
	out := &domain.ReconcileOutcome{
		Reference:     reference,
		Result:        domain.ResultInProgress,
		GatewayStatus: current.GatewayStatus,
	}
	if current.PendingSaleID != nil {
		out.SaleID = *current.PendingSaleID
	}
	return out, nil
}

func (s *ReconciliationServiceImpl) load(ctx context.Context, reference string) (*domain.Transaction, error) {
	tx, err := s.txRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load %s: %w", reference, err))
	}
	if tx == nil {
		return nil, apperror.ErrNotFound("Transaction")
	}
	return tx, nil
}

func (s *ReconciliationServiceImpl) publish(ctx context.Context, tx *domain.Transaction, typ domain.EventType, saleID string, amount int64, reason string) {
	err := s.events.Publish(ctx, domain.Event{
		Type:          typ,
		Reference:     tx.Reference,
		MeterID:       tx.MeterID,
		AmountMinor:   amount,
		SaleID:        saleID,
		CustomerEmail: tx.CustomerEmail,
		CustomerPhone: tx.CustomerPhone,
		Reason:        reason,
		OccurredAt:    s.now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("reference", tx.Reference).Str("event", string(typ)).Msg("publish event")
	}
}

// RecoverPending reconciles every pending gateway transaction in the window.
// Each candidate is isolated: errors and panics become per-item results.
func (s *ReconciliationServiceImpl) RecoverPending(ctx context.Context, req ports.RecoverRequest) (*domain.RecoveryReport, error) {
	if req.Since != nil && req.Until != nil && req.Until.Before(*req.Since) {
		return nil, apperror.Validation("until must not be before since")
	}

	candidates, err := s.txRepo.ListPending(ctx, ports.PendingFilter{
		ReferencePrefix: s.cfg.ReferencePrefix,
		BuyTypes:        domain.GatewayBuyTypes(),
		Since:           req.Since,
		Until:           req.Until,
		Limit:           s.cfg.BatchLimit,
	})
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list pending: %w", err))
	}

	report := &domain.RecoveryReport{DryRun: req.DryRun, Results: make([]domain.RecoveryItem, 0, len(candidates))}

	if req.DryRun {
		for _, c := range candidates {
			report.Add(domain.RecoveryItem{
				Reference: c.Reference,
				Category:  domain.CategoryCandidate,
				Detail:    fmt.Sprintf("meter %s, %d minor units, created %s", c.MeterID, c.AmountMinor, c.CreatedAt.Format(time.RFC3339)),
			})
		}
		report.Message = fmt.Sprintf("dry run: %d pending transactions would be reconciled", len(candidates))
		return report, nil
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = domain.TriggerAdmin
	}
	run := &domain.SweepRun{
		ID:         uuid.New(),
		Trigger:    trigger,
		Since:      req.Since,
		Until:      req.Until,
		Candidates: len(candidates),
		StartedAt:  s.now(),
	}
	if err := s.sweepRepo.Create(ctx, run); err != nil {
		s.log.Warn().Err(err).Msg("record sweep start")
	}

	s.log.Info().Str("sweep_id", run.ID.String()).Str("trigger", trigger).Int("candidates", len(candidates)).Msg("recovery sweep started")

	items := make([]domain.RecoveryItem, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range candidates {
		g.Go(func() error {
			items[i] = s.recoverOne(ctx, candidates[i].Reference, trigger)
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range items {
		report.Add(item)
	}
	report.Message = fmt.Sprintf("recovery sweep processed %d pending transactions", len(candidates))

	run.Finish(report, s.now())
	if err := s.sweepRepo.Finish(context.WithoutCancel(ctx), run); err != nil {
		s.log.Warn().Err(err).Msg("record sweep finish")
	}

	s.log.Info().
		Str("sweep_id", run.ID.String()).
		Int("credited", report.Credited).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("errors", report.Errors).
		Msg("recovery sweep finished")

	return report, nil
}

func (s *ReconciliationServiceImpl) recoverOne(ctx context.Context, reference, trigger string) (item domain.RecoveryItem) {
	item.Reference = reference
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("reference", reference).Interface("panic", r).Msg("reconcile panicked during sweep")
			item = domain.RecoveryItem{Reference: reference, Category: domain.CategoryError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		item.Category = domain.CategoryError
		item.Detail = err.Error()
		return item
	}

	outcome, err := s.reconcile(ctx, reference, trigger)
	if err != nil {
		item.Category = domain.CategoryError
		item.Detail = err.Error()
		return item
	}

	item.Category = domain.CategoryFor(outcome.Result)
	item.Result = outcome.Result
	item.SaleID = outcome.SaleID
	item.Detail = outcome.Reason
	return item
}

// Reopen is the manual override moving a failed transaction back to pending.
func (s *ReconciliationServiceImpl) Reopen(ctx context.Context, reference, reason, actor string) (*domain.Transaction, error) {
	if reason == "" {
		return nil, apperror.Validation("reason is required")
	}

	tx, err := s.load(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.GatewayStatus != domain.GatewayStatusFailed {
		return nil, apperror.ErrInvalidTransition(fmt.Sprintf("cannot reopen a %s transaction", tx.GatewayStatus))
	}

	ok, err := s.txRepo.Reopen(ctx, reference, map[string]interface{}{
		"from":   string(domain.GatewayStatusFailed),
		"to":     string(domain.GatewayStatusPending),
		"reason": reason,
		"actor":  actor,
		"at":     s.now().Format(time.RFC3339),
	})
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("reopen %s: %w", reference, err))
	}
	if !ok {
		return nil, apperror.ErrInvalidTransition("transaction changed state concurrently")
	}

	s.log.Warn().Str("reference", reference).Str("actor", actor).Str("reason", reason).Msg("transaction reopened by operator")
	return s.load(ctx, reference)
}

// LastSweep returns the most recent persisted sweep run.
func (s *ReconciliationServiceImpl) LastSweep(ctx context.Context) (*domain.SweepRun, error) {
	run, err := s.sweepRepo.Latest(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("latest sweep: %w", err))
	}
	if run == nil {
		return nil, apperror.ErrNotFound("Sweep run")
	}
	return run, nil
}

// OutcomeError maps a non-credited outcome onto the error taxonomy.
func OutcomeError(o *domain.ReconcileOutcome) error {
	switch o.Result {
	case domain.ResultMarkedFailed:
		if o.Reason == string(domain.VerificationAbandoned) {
			return apperror.ErrPaymentAbandoned()
		}
		return apperror.ErrPaymentFailed()
	case domain.ResultStillPending:
		return apperror.ErrPaymentStillPending()
	case domain.ResultCreditRejected:
		return apperror.ErrMeterCreditRejected(o.Reason)
	case domain.ResultCreditAmbiguous:
		return apperror.ErrMeterCreditAmbiguous(errors.New(o.Reason))
	case domain.ResultInProgress:
		return apperror.ErrCreditInProgress()
	}
	return nil
}

func alreadyCredited(tx *domain.Transaction) *domain.ReconcileOutcome {
	out := &domain.ReconcileOutcome{
		Reference:     tx.Reference,
		Result:        domain.ResultAlreadyCredited,
		GatewayStatus: tx.GatewayStatus,
		SaleID:        *tx.SaleID,
		AmountMinor:   tx.AmountMinor,
	}
	if tx.ConfirmedAmountMinor != nil {
		out.AmountMinor = *tx.ConfirmedAmountMinor
	}
	return out
}

// failedOutcome reports a failed row; an empty reason falls back to the stored one.
func failedOutcome(tx *domain.Transaction, reason string) *domain.ReconcileOutcome {
	if reason == "" {
		reason, _ = tx.Metadata[domain.MetaFailureReason].(string)
	}
	if reason == "" {
		reason = string(domain.VerificationFailed)
	}
	return &domain.ReconcileOutcome{
		Reference:     tx.Reference,
		Result:        domain.ResultMarkedFailed,
		GatewayStatus: domain.GatewayStatusFailed,
		Reason:        reason,
	}
}

// awaitingFollowUp reports a row held back because its last credit may have landed.
func awaitingFollowUp(tx *domain.Transaction) *domain.ReconcileOutcome {
	out := &domain.ReconcileOutcome{
		Reference:     tx.Reference,
		Result:        domain.ResultCreditAmbiguous,
		GatewayStatus: tx.GatewayStatus,
		AmountMinor:   tx.AmountMinor,
		Reason:        reasonAwaitingFollowUp,
	}
	if tx.PendingSaleID != nil {
		out.SaleID = *tx.PendingSaleID
	}
	if tx.ConfirmedAmountMinor != nil {
		out.AmountMinor = *tx.ConfirmedAmountMinor
	}
	return out
}
