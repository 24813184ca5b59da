package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meter-recharge/internal/adapter/storage/memory"
	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/internal/core/ports/mocks"
	"meter-recharge/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// seqSaleIDs mints SALE-1, SALE-2, ... so tests can assert which attempt ran.
type seqSaleIDs struct{ n atomic.Int32 }

func (s *seqSaleIDs) NewSaleID(_ string) string {
	return fmt.Sprintf("SALE-%d", s.n.Add(1))
}

type engineDeps struct {
	svc     *ReconciliationServiceImpl
	store   *memory.Store
	gateway *mocks.MockPaymentGateway
	meter   *mocks.MockMeterCreditClient
	auth    *mocks.MockMeterAuthenticator
	events  *mocks.MockEventPublisher
	ctrl    *gomock.Controller

	mu        sync.Mutex
	published []domain.Event
}

func defaultSettings() ReconcileSettings {
	return ReconcileSettings{
		ClaimLease:      2 * time.Minute,
		CreditTimeout:   time.Second,
		ReferencePrefix: "MTR_",
		Concurrency:     4,
		BatchLimit:      100,
	}
}

func setupEngine(t *testing.T, cfg ReconcileSettings) *engineDeps {
	ctrl := gomock.NewController(t)
	d := &engineDeps{
		store:   memory.NewStore(),
		gateway: mocks.NewMockPaymentGateway(ctrl),
		meter:   mocks.NewMockMeterCreditClient(ctrl),
		auth:    mocks.NewMockMeterAuthenticator(ctrl),
		events:  mocks.NewMockEventPublisher(ctrl),
		ctrl:    ctrl,
	}
	registry := mocks.NewMockGatewayRegistry(ctrl)
	registry.EXPECT().ByBuyType(domain.BuyTypeCard).Return(d.gateway, true).AnyTimes()
	registry.EXPECT().ByBuyType(gomock.Any()).Return(nil, false).AnyTimes()
	d.gateway.EXPECT().Name().Return("card").AnyTimes()
	d.events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e domain.Event) error {
		d.mu.Lock()
		d.published = append(d.published, e)
		d.mu.Unlock()
		return nil
	}).AnyTimes()

	d.svc = NewReconciliationService(
		d.store.Transactions(), d.store.SweepRuns(), registry,
		d.meter, d.auth, &seqSaleIDs{}, d.events, cfg, zerolog.Nop(),
	)
	return d
}

func (d *engineDeps) seed(t *testing.T, ref string, amount int64, created time.Time) {
	t.Helper()
	require.NoError(t, d.store.Transactions().Create(context.Background(), &domain.Transaction{
		Reference:     ref,
		MeterID:       "METER-" + ref,
		AmountMinor:   amount,
		GatewayStatus: domain.GatewayStatusPending,
		BuyType:       domain.BuyTypeCard,
		CustomerPhone: "+2348000000000",
		CreatedAt:     created,
	}))
}

func (d *engineDeps) get(t *testing.T, ref string) *domain.Transaction {
	t.Helper()
	tx, err := d.store.Transactions().GetByReference(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, tx)
	return tx
}

func (d *engineDeps) tokenOK() {
	d.auth.EXPECT().Token(gomock.Any()).Return("tok", nil).AnyTimes()
}

func (d *engineDeps) eventTypes() []domain.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.EventType, 0, len(d.published))
	for _, e := range d.published {
		out = append(out, e.Type)
	}
	return out
}

func paid(ref string, amount int64) *domain.GatewayVerification {
	return &domain.GatewayVerification{Reference: ref, Status: domain.VerificationSuccess, AmountMinor: amount, GatewayResponse: "Approved"}
}

func creditOK() *domain.CreditResult {
	return &domain.CreditResult{OK: true, Message: "success"}
}

// ==================== Reconcile ====================

func TestReconcile_CreditsConfirmedPayment(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "TX_001", 100000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "TX_001").Return(paid("TX_001", 100000), nil)
	d.meter.EXPECT().Credit(gomock.Any(), "METER-TX_001", int64(100000), "SALE-1", "tok").Return(creditOK(), nil)

	out, err := d.svc.Reconcile(ctx, "TX_001")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
	assert.Equal(t, "SALE-1", out.SaleID)
	assert.Equal(t, int64(100000), out.AmountMinor)
	assert.NoError(t, OutcomeError(out))

	tx := d.get(t, "TX_001")
	assert.Equal(t, domain.GatewayStatusSuccess, tx.GatewayStatus)
	require.NotNil(t, tx.SaleID)
	assert.Equal(t, "SALE-1", *tx.SaleID)
	assert.Nil(t, tx.PendingSaleID)
	assert.Equal(t, []domain.EventType{domain.EventMeterCredited}, d.eventTypes())
}

func TestReconcile_DuplicateDeliveryIsNoOp(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "TX_001", 100000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "TX_001").Return(paid("TX_001", 100000), nil).Times(1)
	d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(creditOK(), nil).Times(1)

	first, err := d.svc.Reconcile(ctx, "TX_001")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, first.Result)

	for i := 0; i < 3; i++ {
		again, err := d.svc.Reconcile(ctx, "TX_001")
		require.NoError(t, err)
		assert.Equal(t, domain.ResultAlreadyCredited, again.Result)
		assert.Equal(t, "SALE-1", again.SaleID)
		assert.NoError(t, OutcomeError(again))
	}
}

func TestReconcile_AbandonedMarksFailed(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "TX_002", 100000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "TX_002").Return(&domain.GatewayVerification{
		Reference: "TX_002", Status: domain.VerificationAbandoned, GatewayResponse: "The transaction was not completed",
	}, nil)

	out, err := d.svc.Reconcile(ctx, "TX_002")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultMarkedFailed, out.Result)
	assert.True(t, apperror.HasCode(OutcomeError(out), apperror.CodePaymentAbandoned))

	tx := d.get(t, "TX_002")
	assert.Equal(t, domain.GatewayStatusFailed, tx.GatewayStatus)
	assert.Nil(t, tx.SaleID)
	assert.Equal(t, "abandoned", tx.Metadata[domain.MetaFailureReason])
	assert.Equal(t, []domain.EventType{domain.EventPaymentFailed}, d.eventTypes())

	// Failed rows short-circuit without another gateway call.
	again, err := d.svc.Reconcile(ctx, "TX_002")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultMarkedFailed, again.Result)
	assert.Equal(t, "abandoned", again.Reason)
}

func TestReconcile_GatewayFailedMapsToPaymentFailed(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "TX_F", 5000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "TX_F").Return(&domain.GatewayVerification{Status: domain.VerificationFailed}, nil)

	out, err := d.svc.Reconcile(context.Background(), "TX_F")
	require.NoError(t, err)
	assert.True(t, apperror.HasCode(OutcomeError(out), apperror.CodePaymentFailed))
}

func TestReconcile_MeterTimeoutThenRecoveryUsesFreshSaleID(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "MTR_003", 100000, time.Now().Add(-time.Hour))
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_003").Return(paid("MTR_003", 100000), nil).Times(2)
	gomock.InOrder(
		d.meter.EXPECT().Credit(gomock.Any(), "METER-MTR_003", int64(100000), "SALE-1", "tok").
			Return(nil, fmt.Errorf("%w: context deadline exceeded", ports.ErrMeterCreditAmbiguous)),
		d.meter.EXPECT().Credit(gomock.Any(), "METER-MTR_003", int64(100000), "SALE-2", "tok").
			Return(creditOK(), nil),
	)

	out, err := d.svc.Reconcile(ctx, "MTR_003")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreditAmbiguous, out.Result)
	assert.True(t, apperror.HasCode(OutcomeError(out), apperror.CodeMeterCreditAmbiguous))

	tx := d.get(t, "MTR_003")
	assert.Equal(t, domain.GatewayStatusPending, tx.GatewayStatus)
	assert.Nil(t, tx.SaleID, "ambiguous attempts never set the canonical sale id")
	assert.Nil(t, tx.PendingSaleID)
	attempts := tx.Metadata[domain.MetaAttempts].([]interface{})
	require.Len(t, attempts, 1)
	assert.Equal(t, "SALE-1", attempts[0].(map[string]interface{})["sale_id"])
	assert.True(t, tx.NeedsAttention())
	require.NotNil(t, tx.UnconfirmedAt)

	// a customer poll or webhook redelivery must not send a second credit
	out, err = d.svc.Reconcile(ctx, "MTR_003")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreditAmbiguous, out.Result)

	report, err := d.svc.RecoverPending(ctx, ports.RecoverRequest{Trigger: domain.TriggerCron})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Credited)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "SALE-2", report.Results[0].SaleID)

	tx = d.get(t, "MTR_003")
	assert.True(t, tx.IsCredited())
	assert.Equal(t, "SALE-2", *tx.SaleID)
	assert.Equal(t, "cron", tx.Metadata["recovered_by"])
	assert.NotEmpty(t, tx.Metadata[domain.MetaRecoveredAt])
	assert.False(t, tx.NeedsAttention())
	assert.Nil(t, tx.UnconfirmedAt)
}

func TestReconcile_UnconfirmedCreditNotRetriedByOrdinaryReconcile(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "MTR_003", 100000, time.Now().Add(-time.Hour))
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_003").Return(paid("MTR_003", 100000), nil).Times(1)
	d.meter.EXPECT().Credit(gomock.Any(), "METER-MTR_003", int64(100000), "SALE-1", "tok").
		Return(nil, fmt.Errorf("%w: context deadline exceeded", ports.ErrMeterCreditAmbiguous)).Times(1)

	out, err := d.svc.Reconcile(ctx, "MTR_003")
	require.NoError(t, err)
	require.Equal(t, domain.ResultCreditAmbiguous, out.Result)

	for i := 0; i < 3; i++ {
		out, err = d.svc.Reconcile(ctx, "MTR_003")
		require.NoError(t, err)
		assert.Equal(t, domain.ResultCreditAmbiguous, out.Result)
		assert.Equal(t, reasonAwaitingFollowUp, out.Reason)
		assert.True(t, apperror.HasCode(OutcomeError(out), apperror.CodeMeterCreditAmbiguous))
	}

	tx := d.get(t, "MTR_003")
	assert.Nil(t, tx.PendingSaleID)
	assert.Len(t, tx.Metadata[domain.MetaAttempts], 1)
}

func TestReconcile_OperatorFollowsUpUnconfirmedCredit(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "MTR_OP", 5000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_OP").Return(paid("MTR_OP", 5000), nil).Times(2)
	gomock.InOrder(
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(5000), "SALE-1", "tok").Return(nil, ports.ErrMeterCreditAmbiguous),
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(5000), "SALE-2", "tok").Return(creditOK(), nil),
	)

	_, err := d.svc.Reconcile(ctx, "MTR_OP")
	require.NoError(t, err)

	out, err := d.svc.ReconcileAsOperator(ctx, "MTR_OP", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
	assert.Equal(t, "SALE-2", out.SaleID)

	tx := d.get(t, "MTR_OP")
	assert.Equal(t, domain.TriggerAdmin, tx.Metadata["recovered_by"])
	assert.Nil(t, tx.UnconfirmedAt)
}

func TestReconcile_ReuseSaleIDAfterAmbiguous(t *testing.T) {
	cfg := defaultSettings()
	cfg.ReuseSaleID = true
	d := setupEngine(t, cfg)
	ctx := context.Background()
	d.seed(t, "MTR_R", 2000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_R").Return(paid("MTR_R", 2000), nil).Times(2)
	gomock.InOrder(
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(2000), "SALE-1", "tok").Return(nil, ports.ErrMeterCreditAmbiguous),
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(2000), "SALE-1", "tok").Return(creditOK(), nil),
	)

	_, err := d.svc.Reconcile(ctx, "MTR_R")
	require.NoError(t, err)
	assert.Equal(t, "SALE-1", *d.get(t, "MTR_R").PendingSaleID)

	out, err := d.svc.ReconcileAsOperator(ctx, "MTR_R", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
	assert.Equal(t, "SALE-1", out.SaleID)
}

func TestReconcile_AmountFidelity(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_PART", 100000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_PART").Return(paid("MTR_PART", 50000), nil)
	d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(50000), gomock.Any(), gomock.Any()).Return(creditOK(), nil)

	out, err := d.svc.Reconcile(context.Background(), "MTR_PART")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), out.AmountMinor)

	tx := d.get(t, "MTR_PART")
	assert.Equal(t, int64(100000), tx.AmountMinor)
	require.NotNil(t, tx.ConfirmedAmountMinor)
	assert.Equal(t, int64(50000), *tx.ConfirmedAmountMinor)
}

func TestReconcile_ConcurrentCallsCreditOnce(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_RACE", 7500, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_RACE").Return(paid("MTR_RACE", 7500), nil).AnyTimes()
	d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(7500), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, int64, string, string) (*domain.CreditResult, error) {
			time.Sleep(20 * time.Millisecond)
			return creditOK(), nil
		}).Times(1)

	const n = 20
	results := make([]domain.ReconcileResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := d.svc.Reconcile(context.Background(), "MTR_RACE")
			if assert.NoError(t, err) {
				results[i] = out.Result
			}
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, r := range results {
		switch r {
		case domain.ResultCredited:
			credited++
		case domain.ResultInProgress, domain.ResultAlreadyCredited:
		default:
			t.Errorf("unexpected result %q", r)
		}
	}
	assert.Equal(t, 1, credited)
	assert.True(t, d.get(t, "MTR_RACE").IsCredited())
}

func TestReconcile_VerificationUnavailableLeavesLedgerUntouched(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_U", 1000, time.Now())
	before := d.get(t, "MTR_U")

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_U").Return(nil, errors.New("dial tcp: connection refused"))

	_, err := d.svc.Reconcile(context.Background(), "MTR_U")
	assert.True(t, apperror.HasCode(err, apperror.CodeVerificationUnavailable))
	assert.Equal(t, before, d.get(t, "MTR_U"))
}

func TestReconcile_VerificationUnavailablePassesThroughAppError(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_U", 1000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_U").Return(nil, apperror.ErrVerificationUnavailable(errors.New("503")))

	_, err := d.svc.Reconcile(context.Background(), "MTR_U")
	assert.True(t, apperror.HasCode(err, apperror.CodeVerificationUnavailable))
}

func TestReconcile_NonPositiveConfirmedAmount(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_Z", 1000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_Z").Return(paid("MTR_Z", 0), nil)

	_, err := d.svc.Reconcile(context.Background(), "MTR_Z")
	assert.True(t, apperror.HasCode(err, apperror.CodeVerificationUnavailable))
	assert.Nil(t, d.get(t, "MTR_Z").PendingSaleID)
}

func TestReconcile_StillPending(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_P", 1000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_P").Return(&domain.GatewayVerification{Status: domain.VerificationPending}, nil)

	out, err := d.svc.Reconcile(context.Background(), "MTR_P")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultStillPending, out.Result)
	assert.True(t, apperror.HasCode(OutcomeError(out), apperror.CodePaymentStillPending))
	assert.Equal(t, domain.GatewayStatusPending, d.get(t, "MTR_P").GatewayStatus)
}

func TestReconcile_MeterRejectionKeepsPendingAndRetriesFresh(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "MTR_X", 1000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_X").Return(paid("MTR_X", 1000), nil).Times(2)
	gomock.InOrder(
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), "SALE-1", gomock.Any()).
			Return(&domain.CreditResult{OK: false, Message: "meter not found"}, nil),
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), "SALE-2", gomock.Any()).
			Return(creditOK(), nil),
	)

	out, err := d.svc.Reconcile(ctx, "MTR_X")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreditRejected, out.Result)
	assert.Equal(t, "meter not found", out.Reason)
	rejErr := OutcomeError(out)
	assert.True(t, apperror.HasCode(rejErr, apperror.CodeMeterCreditRejected))
	assert.Contains(t, rejErr.Error(), "meter not found")

	tx := d.get(t, "MTR_X")
	assert.Equal(t, domain.GatewayStatusPending, tx.GatewayStatus, "rejected credits are not payment failures")
	assert.Equal(t, "meter not found", tx.Metadata[domain.MetaLastError])
	assert.Contains(t, d.eventTypes(), domain.EventCreditNeedsAttention)

	out, err = d.svc.Reconcile(ctx, "MTR_X")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
}

func TestReconcile_MeterUnavailableIsRejection(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_B", 1000, time.Now())
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_B").Return(paid("MTR_B", 1000), nil)
	d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: circuit breaker is open", ports.ErrMeterUnavailable))

	out, err := d.svc.Reconcile(context.Background(), "MTR_B")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreditRejected, out.Result)
	assert.Equal(t, "meter platform unavailable", out.Reason)
}

func TestReconcile_LoginFailureIsRejection(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_L", 1000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_L").Return(paid("MTR_L", 1000), nil)
	d.auth.EXPECT().Token(gomock.Any()).Return("", errors.New("bad credentials"))

	out, err := d.svc.Reconcile(context.Background(), "MTR_L")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreditRejected, out.Result)
}

func TestReconcile_TokenExpiredRefreshesOnceWithSameSaleID(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_T", 1000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_T").Return(paid("MTR_T", 1000), nil)
	gomock.InOrder(
		d.auth.EXPECT().Token(gomock.Any()).Return("stale", nil),
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), "SALE-1", "stale").Return(nil, ports.ErrMeterTokenExpired),
		d.auth.EXPECT().Invalidate(gomock.Any()).Return(nil),
		d.auth.EXPECT().Token(gomock.Any()).Return("fresh", nil),
		d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), "SALE-1", "fresh").Return(creditOK(), nil),
	)

	out, err := d.svc.Reconcile(context.Background(), "MTR_T")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
	assert.Equal(t, "SALE-1", out.SaleID)
}

func TestReconcile_TokenExpiredTwiceStops(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_T", 1000, time.Now())

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_T").Return(paid("MTR_T", 1000), nil)
	d.auth.EXPECT().Token(gomock.Any()).Return("tok", nil).Times(2)
	d.auth.EXPECT().Invalidate(gomock.Any()).Return(nil).Times(1)
	d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, ports.ErrMeterTokenExpired).Times(2)

	out, err := d.svc.Reconcile(context.Background(), "MTR_T")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreditRejected, out.Result)
	assert.Equal(t, "meter platform unavailable", out.Reason)
}

func TestReconcile_NotFound(t *testing.T) {
	d := setupEngine(t, defaultSettings())

	_, err := d.svc.Reconcile(context.Background(), "MTR_NOPE")
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}

func TestReconcile_NoGatewayForBuyType(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	require.NoError(t, d.store.Transactions().Create(context.Background(), &domain.Transaction{
		Reference: "CASH_1", GatewayStatus: domain.GatewayStatusPending, BuyType: domain.BuyTypeCash,
	}))

	_, err := d.svc.Reconcile(context.Background(), "CASH_1")
	assert.True(t, apperror.HasCode(err, "VAL_001"))
}

func TestReconcile_ActiveClaimElsewhereIsInProgress(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "MTR_C", 1000, time.Now())

	won, err := d.store.Transactions().Claim(ctx, "MTR_C", ports.CreditClaim{
		SaleID: "OTHER", AmountMinor: 1000, Now: time.Now().UTC(), Lease: 2 * time.Minute,
	})
	require.NoError(t, err)
	require.True(t, won)

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_C").Return(paid("MTR_C", 1000), nil)

	out, err := d.svc.Reconcile(ctx, "MTR_C")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultInProgress, out.Result)
	assert.Equal(t, "OTHER", out.SaleID)
	assert.True(t, apperror.HasCode(OutcomeError(out), apperror.CodeCreditInProgress))
}

func TestReconcile_LedgerWriteLostAfterCredit(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	registry := mocks.NewMockGatewayRegistry(ctrl)
	gateway := mocks.NewMockPaymentGateway(ctrl)
	meter := mocks.NewMockMeterCreditClient(ctrl)
	auth := mocks.NewMockMeterAuthenticator(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)
	sweeps := mocks.NewMockSweepRunRepository(ctrl)

	svc := NewReconciliationService(repo, sweeps, registry, meter, auth, &seqSaleIDs{}, events, defaultSettings(), zerolog.Nop())

	tx := &domain.Transaction{Reference: "MTR_O", MeterID: "M1", AmountMinor: 100, GatewayStatus: domain.GatewayStatusPending, BuyType: domain.BuyTypeCard}
	repo.EXPECT().GetByReference(gomock.Any(), "MTR_O").Return(tx, nil)
	registry.EXPECT().ByBuyType(domain.BuyTypeCard).Return(gateway, true)
	gateway.EXPECT().Verify(gomock.Any(), "MTR_O").Return(paid("MTR_O", 100), nil)
	repo.EXPECT().Claim(gomock.Any(), "MTR_O", gomock.Any()).Return(true, nil)
	auth.EXPECT().Token(gomock.Any()).Return("tok", nil)
	meter.EXPECT().Credit(gomock.Any(), "M1", int64(100), "SALE-1", "tok").Return(creditOK(), nil)
	repo.EXPECT().CompleteCredit(gomock.Any(), "MTR_O", "SALE-1", gomock.Any(), gomock.Any()).Return(false, nil)
	events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e domain.Event) error {
		assert.Equal(t, domain.EventCreditNeedsAttention, e.Type)
		assert.Equal(t, "SALE-1", e.SaleID)
		return nil
	})

	_, err := svc.Reconcile(context.Background(), "MTR_O")
	assert.True(t, apperror.HasCode(err, "SYS_001"))
}

func TestReconcile_LedgerWriteRetriedAfterCredit(t *testing.T) {
	defer func(b time.Duration) { completeCreditBackoff = b }(completeCreditBackoff)
	completeCreditBackoff = time.Millisecond

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	registry := mocks.NewMockGatewayRegistry(ctrl)
	gateway := mocks.NewMockPaymentGateway(ctrl)
	meter := mocks.NewMockMeterCreditClient(ctrl)
	auth := mocks.NewMockMeterAuthenticator(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)

	svc := NewReconciliationService(repo, nil, registry, meter, auth, &seqSaleIDs{}, events, defaultSettings(), zerolog.Nop())

	tx := &domain.Transaction{Reference: "MTR_W", MeterID: "M1", AmountMinor: 100, GatewayStatus: domain.GatewayStatusPending, BuyType: domain.BuyTypeCard}
	repo.EXPECT().GetByReference(gomock.Any(), "MTR_W").Return(tx, nil)
	registry.EXPECT().ByBuyType(domain.BuyTypeCard).Return(gateway, true)
	gateway.EXPECT().Verify(gomock.Any(), "MTR_W").Return(paid("MTR_W", 100), nil)
	repo.EXPECT().Claim(gomock.Any(), "MTR_W", gomock.Any()).Return(true, nil)
	auth.EXPECT().Token(gomock.Any()).Return("tok", nil)
	meter.EXPECT().Credit(gomock.Any(), "M1", int64(100), "SALE-1", "tok").Return(creditOK(), nil).Times(1)
	gomock.InOrder(
		repo.EXPECT().CompleteCredit(gomock.Any(), "MTR_W", "SALE-1", gomock.Any(), gomock.Any()).Return(false, errors.New("conn reset")),
		repo.EXPECT().CompleteCredit(gomock.Any(), "MTR_W", "SALE-1", gomock.Any(), gomock.Any()).Return(true, nil),
	)
	events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e domain.Event) error {
		assert.Equal(t, domain.EventMeterCredited, e.Type)
		return nil
	})

	out, err := svc.Reconcile(context.Background(), "MTR_W")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
	assert.Equal(t, "SALE-1", out.SaleID)
}

func TestReconcile_LedgerWriteRetriesAreBounded(t *testing.T) {
	defer func(b time.Duration) { completeCreditBackoff = b }(completeCreditBackoff)
	completeCreditBackoff = time.Millisecond

	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	registry := mocks.NewMockGatewayRegistry(ctrl)
	gateway := mocks.NewMockPaymentGateway(ctrl)
	meter := mocks.NewMockMeterCreditClient(ctrl)
	auth := mocks.NewMockMeterAuthenticator(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)

	svc := NewReconciliationService(repo, nil, registry, meter, auth, &seqSaleIDs{}, events, defaultSettings(), zerolog.Nop())

	tx := &domain.Transaction{Reference: "MTR_W", MeterID: "M1", AmountMinor: 100, GatewayStatus: domain.GatewayStatusPending, BuyType: domain.BuyTypeCard}
	repo.EXPECT().GetByReference(gomock.Any(), "MTR_W").Return(tx, nil)
	registry.EXPECT().ByBuyType(domain.BuyTypeCard).Return(gateway, true)
	gateway.EXPECT().Verify(gomock.Any(), "MTR_W").Return(paid("MTR_W", 100), nil)
	repo.EXPECT().Claim(gomock.Any(), "MTR_W", gomock.Any()).Return(true, nil)
	auth.EXPECT().Token(gomock.Any()).Return("tok", nil)
	meter.EXPECT().Credit(gomock.Any(), "M1", int64(100), "SALE-1", "tok").Return(creditOK(), nil)
	repo.EXPECT().CompleteCredit(gomock.Any(), "MTR_W", "SALE-1", gomock.Any(), gomock.Any()).
		Return(false, errors.New("conn reset")).Times(completeCreditAttempts)
	events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e domain.Event) error {
		assert.Equal(t, domain.EventCreditNeedsAttention, e.Type)
		return nil
	})

	_, err := svc.Reconcile(context.Background(), "MTR_W")
	assert.True(t, apperror.HasCode(err, "SYS_001"))
}

func TestReconcile_CallerCancellationDoesNotAbortHeldCredit(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_CX", 1000, time.Now())
	d.tokenOK()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.gateway.EXPECT().Verify(gomock.Any(), "MTR_CX").Return(paid("MTR_CX", 1000), nil)
	d.meter.EXPECT().Credit(gomock.Any(), gomock.Any(), int64(1000), "SALE-1", "tok").
		DoAndReturn(func(creditCtx context.Context, _ string, _ int64, _ string, _ string) (*domain.CreditResult, error) {
			cancel()
			assert.NoError(t, creditCtx.Err())
			_, hasDeadline := creditCtx.Deadline()
			assert.True(t, hasDeadline, "credit stays bounded by the credit timeout")
			return creditOK(), nil
		})

	out, err := d.svc.Reconcile(ctx, "MTR_CX")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCredited, out.Result)
	assert.True(t, d.get(t, "MTR_CX").IsCredited())
}

func TestReconcile_DatabaseError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	svc := NewReconciliationService(repo, nil, nil, nil, nil, &seqSaleIDs{}, nil, defaultSettings(), zerolog.Nop())

	repo.EXPECT().GetByReference(gomock.Any(), "MTR_1").Return(nil, errors.New("conn reset"))

	_, err := svc.Reconcile(context.Background(), "MTR_1")
	assert.True(t, apperror.HasCode(err, "SYS_001"))
}

// ==================== RecoverPending ====================

func TestRecoverPending_DryRunIsPure(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 5; i++ {
		d.seed(t, fmt.Sprintf("MTR_%d", i), 1000, base.Add(time.Duration(i)*time.Minute))
	}
	before, _ := d.store.Transactions().ListPending(ctx, ports.PendingFilter{})

	// No gateway, meter or auth expectations: any call fails the test.
	report, err := d.svc.RecoverPending(ctx, ports.RecoverRequest{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Len(t, report.Results, 5)
	assert.Equal(t, 5, report.Candidates)
	assert.Equal(t, 0, report.Skipped, "dry-run candidates are not skipped")
	assert.Equal(t, 0, report.Credited+report.Failed+report.Errors)
	assert.Equal(t, "MTR_0", report.Results[0].Reference)
	assert.Contains(t, report.Message, "5")

	after, _ := d.store.Transactions().ListPending(ctx, ports.PendingFilter{})
	assert.Equal(t, before, after)

	run, err := d.store.SweepRuns().Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, run, "dry runs are not recorded")
	assert.Empty(t, d.eventTypes())
}

func TestRecoverPending_IsolatesFailures(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	d.seed(t, "MTR_OK", 1000, base)
	d.seed(t, "MTR_PANIC", 1000, base.Add(time.Second))
	d.seed(t, "MTR_DOWN", 1000, base.Add(2*time.Second))
	d.seed(t, "MTR_GONE", 1000, base.Add(3*time.Second))
	d.seed(t, "MTR_WAIT", 1000, base.Add(4*time.Second))
	d.seed(t, "MTR_REJ", 1000, base.Add(5*time.Second))
	d.seed(t, "NOTOURS_1", 1000, base)
	d.tokenOK()

	d.gateway.EXPECT().Verify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, ref string) (*domain.GatewayVerification, error) {
			switch ref {
			case "MTR_PANIC":
				panic("decoder exploded")
			case "MTR_DOWN":
				return nil, errors.New("503 service unavailable")
			case "MTR_GONE":
				return &domain.GatewayVerification{Status: domain.VerificationFailed}, nil
			case "MTR_WAIT":
				return &domain.GatewayVerification{Status: domain.VerificationPending}, nil
			}
			return paid(ref, 1000), nil
		}).Times(6)
	d.meter.EXPECT().Credit(gomock.Any(), "METER-MTR_OK", gomock.Any(), gomock.Any(), gomock.Any()).Return(creditOK(), nil)
	d.meter.EXPECT().Credit(gomock.Any(), "METER-MTR_REJ", gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.CreditResult{OK: false, Message: "meter offline"}, nil)

	report, err := d.svc.RecoverPending(ctx, ports.RecoverRequest{Trigger: domain.TriggerAdmin})
	require.NoError(t, err)

	require.Len(t, report.Results, 6)
	assert.Equal(t, 1, report.Credited)
	assert.Equal(t, 2, report.Failed, "marked_failed + credit_failed")
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Errors)
	assert.Equal(t, len(report.Results), report.Credited+report.Failed+report.Skipped+report.Errors)

	byRef := map[string]domain.RecoveryItem{}
	for _, item := range report.Results {
		byRef[item.Reference] = item
	}
	assert.Equal(t, domain.CategoryCredited, byRef["MTR_OK"].Category)
	assert.Equal(t, domain.CategoryError, byRef["MTR_PANIC"].Category)
	assert.Contains(t, byRef["MTR_PANIC"].Detail, "decoder exploded")
	assert.Equal(t, domain.CategoryError, byRef["MTR_DOWN"].Category)
	assert.Equal(t, domain.CategoryMarkedFailed, byRef["MTR_GONE"].Category)
	assert.Equal(t, domain.CategorySkipped, byRef["MTR_WAIT"].Category)
	assert.Equal(t, domain.CategoryCreditFailed, byRef["MTR_REJ"].Category)

	run, err := d.svc.LastSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerAdmin, run.Trigger)
	assert.Equal(t, 6, run.Candidates)
	assert.Equal(t, 1, run.Credited)
	assert.Equal(t, 2, run.Errors)
	assert.NotNil(t, run.FinishedAt)
}

func TestRecoverPending_WindowAndValidation(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d.seed(t, "MTR_OLD", 1000, base.Add(-48*time.Hour))
	d.seed(t, "MTR_IN", 1000, base.Add(time.Hour))

	since := base
	report, err := d.svc.RecoverPending(ctx, ports.RecoverRequest{Since: &since, DryRun: true})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "MTR_IN", report.Results[0].Reference)

	until := base.Add(-time.Hour)
	_, err = d.svc.RecoverPending(ctx, ports.RecoverRequest{Since: &since, Until: &until})
	assert.True(t, apperror.HasCode(err, "VAL_001"))
}

func TestRecoverPending_CancelledContextReportsEveryCandidate(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	d.seed(t, "MTR_1", 1000, time.Now())
	d.seed(t, "MTR_2", 1000, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := d.svc.RecoverPending(ctx, ports.RecoverRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Errors)
	assert.Len(t, report.Results, 2)
}

func TestLastSweep_NoneYet(t *testing.T) {
	d := setupEngine(t, defaultSettings())

	_, err := d.svc.LastSweep(context.Background())
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}

// ==================== Reopen ====================

func TestReopen(t *testing.T) {
	d := setupEngine(t, defaultSettings())
	ctx := context.Background()
	d.seed(t, "MTR_RO", 1000, time.Now())

	_, err := d.svc.Reopen(ctx, "MTR_RO", "gateway reversed decision", "ops")
	assert.True(t, apperror.HasCode(err, "REC_409"), "pending rows cannot be reopened")

	_, err = d.svc.Reopen(ctx, "MTR_RO", "", "ops")
	assert.True(t, apperror.HasCode(err, "VAL_001"))

	_, err = d.store.Transactions().MarkFailed(ctx, "MTR_RO", nil)
	require.NoError(t, err)

	tx, err := d.svc.Reopen(ctx, "MTR_RO", "gateway reversed decision", "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayStatusPending, tx.GatewayStatus)
	overrides := tx.Metadata[domain.MetaOverrides].([]interface{})
	require.Len(t, overrides, 1)
	assert.Equal(t, "ops", overrides[0].(map[string]interface{})["actor"])

	_, err = d.svc.Reopen(ctx, "MTR_MISSING", "x", "ops")
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}

func TestOutcomeError(t *testing.T) {
	tests := []struct {
		result domain.ReconcileResult
		reason string
		code   string
	}{
		{domain.ResultCredited, "", ""},
		{domain.ResultAlreadyCredited, "", ""},
		{domain.ResultMarkedFailed, "failed", apperror.CodePaymentFailed},
		{domain.ResultMarkedFailed, "abandoned", apperror.CodePaymentAbandoned},
		{domain.ResultStillPending, "", apperror.CodePaymentStillPending},
		{domain.ResultCreditRejected, "meter not found", apperror.CodeMeterCreditRejected},
		{domain.ResultCreditAmbiguous, "timeout", apperror.CodeMeterCreditAmbiguous},
		{domain.ResultInProgress, "", apperror.CodeCreditInProgress},
	}

	for _, tt := range tests {
		t.Run(string(tt.result)+"/"+tt.reason, func(t *testing.T) {
			err := OutcomeError(&domain.ReconcileOutcome{Result: tt.result, Reason: tt.reason})
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperror.HasCode(err, tt.code))
		})
	}
}
