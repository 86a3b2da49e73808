package webhook_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/config"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/service/topup"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

var testConfig = config.Config{
	JobsPaymentsConcurrency:      1,
	JobsPaymentsRate:             100,
	JobsWebhooksConcurrency:      1,
	JobsWebhooksRate:             100,
	JobsNotificationsConcurrency: 1,
	JobsNotificationsRate:        100,
	JobsCompensationConcurrency:  1,
	JobsCompensationRate:         100,
}

type pendingGateway struct{ ref string }

func (g pendingGateway) Call(context.Context, string, map[string]any, provider.Mode, string) (*provider.Response, error) {
	return &provider.Response{OK: true, Mode: provider.ModeDirect, Status: provider.Pending{}, RawStatus: "pending", HTTPStatus: 202, ProviderRef: g.ref}, nil
}

// flakySettler fails until healed and counts the calls it sees.
type flakySettler struct {
	mu     sync.Mutex
	broken bool
	calls  int
}

func (f *flakySettler) settle(context.Context, *domain.ExternalPayment, domain.PaymentStatus, *string, *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.broken {
		return errors.New("settle: connection reset")
	}
	return nil
}

type fixture struct {
	rec    *webhook.Reconciler
	topups *topup.Service
	jobs   *jobs.Client
	events *repository.ProviderEventRepository
	user   *domain.User
	flaky  *flakySettler
}

func setupReconciler(t *testing.T, db *sql.DB, secret string) *fixture {
	t.Helper()
	store := ledger.NewStore(repository.NewWalletRepository(db), repository.NewLedgerRepository(db), nil, db)
	engine := billing.NewEngine(
		repository.NewFeeRepository(db),
		repository.NewBillingRepository(db),
		store,
		(*cache.Store)(nil),
		time.Minute,
		db,
	)
	payments := repository.NewExternalPaymentRepository(db)
	topups := topup.NewService(payments, repository.NewWalletTransactionRepository(db), store, pendingGateway{ref: "MP-7"}, engine, db)
	client := jobs.NewClient(repository.NewJobRepository(db), jobs.DefaultQueues(&testConfig))
	events := repository.NewProviderEventRepository(db)
	flaky := &flakySettler{}

	rec := webhook.NewReconciler(
		events,
		payments,
		repository.NewAuditRepository(db),
		client,
		map[domain.ExternalPaymentPurpose]webhook.SettleFunc{
			domain.PurposeTopUp:    topups.Settle,
			domain.PurposeSplitLeg: flaky.settle,
		},
		db,
		webhook.Config{Secret: secret, RedriveAfter: time.Minute, MaxAttempts: 3},
		logging.Discard(),
	)
	return &fixture{
		rec:    rec,
		topups: topups,
		jobs:   client,
		events: events,
		user:   testutil.SeedUser(t, db, "u@test.com", domain.UserRoleCustomer),
		flaky:  flaky,
	}
}

func (f *fixture) startTopUp(t *testing.T, amount int64) *domain.ExternalPayment {
	t.Helper()
	p, err := f.topups.Start(context.Background(), topup.Request{
		UserID:   f.user.ID,
		Currency: domain.CurrencyKES,
		Amount:   amount,
		Phone:    "254700000001",
	})
	require.NoError(t, err)
	return p
}

func body(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestReceive_CreditsTopUpOnceAcrossRedeliveries(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, testSecret)
	ctx := context.Background()
	p := f.startTopUp(t, 1500)

	b := body(t, map[string]any{"id": "e-1", "transaction_id": "MP-7", "status": "SUCCESS", "phone": "254700000001"})
	cred := webhook.Sign(testSecret, b)

	res, err := f.rec.Receive(ctx, webhook.Delivery{Body: b, Credential: cred})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeProcessed, res.Outcome)
	assert.True(t, res.Verified)
	assert.Equal(t, "evt_e-1", res.EventID)
	require.NotNil(t, res.PaymentID)
	assert.Equal(t, p.ID, *res.PaymentID)

	for range 3 {
		res, err = f.rec.Receive(ctx, webhook.Delivery{Body: b, Credential: cred})
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeDuplicate, res.Outcome)
	}

	assert.Equal(t, int64(1500), testutil.GetOwnerBalance(t, db, f.user.ID, domain.CurrencyKES))
	assert.Equal(t, 2, testutil.CountLedgerEntries(t, db, "xp-"+p.ID.String()))

	stored, err := f.events.GetByEventID(ctx, "evt_e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEventProcessed, stored.ProcessingStatus)
	assert.Equal(t, domain.NormalizedCompleted, stored.Status)
	assert.NotContains(t, string(stored.Payload), "254700000001")
	require.NotNil(t, stored.ExternalPaymentID)
	assert.Equal(t, p.ID, *stored.ExternalPaymentID)
}

func TestReceive_SignatureAndBodyChecks(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, testSecret)
	ctx := context.Background()

	_, err := f.rec.Receive(ctx, webhook.Delivery{Body: []byte(`{"id":"x"}`), Credential: "wrong"})
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = f.rec.Receive(ctx, webhook.Delivery{Body: []byte(`not json`)})
	require.ErrorIs(t, err, domain.ErrMalformed)

	res, err := f.rec.Receive(ctx, webhook.Delivery{Body: []byte(`{"id":"x","status":"success"}`)})
	require.NoError(t, err)
	assert.False(t, res.Verified)

	assert.Equal(t, int64(1), testutil.ScalarInt(t, db, `SELECT COUNT(*) FROM provider_events`))
}

func TestReceive_UnknownReferenceIsOrphan(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, "")

	res, err := f.rec.Receive(context.Background(), webhook.Delivery{
		Body: body(t, map[string]any{"id": "e-9", "transaction_id": "NOPE", "status": "success"}),
	})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeOrphan, res.Outcome)

	stored, err := f.events.GetByEventID(context.Background(), "evt_e-9")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEventOrphan, stored.ProcessingStatus)
}

func TestReceive_PendingAndUnrecognizedStatusesMoveNoMoney(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, "")
	p := f.startTopUp(t, 500)

	for i, status := range []string{"processing", "on_hold"} {
		res, err := f.rec.Receive(context.Background(), webhook.Delivery{
			Body: body(t, map[string]any{"id": i, "transaction_id": "MP-7", "status": status}),
		})
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeProcessed, res.Outcome)
		assert.Equal(t, domain.NormalizedPending, res.Status)
	}
	assert.Equal(t, 0, testutil.CountLedgerEntries(t, db, "xp-"+p.ID.String()))
}

func TestReceive_FailedSettlementIsRedriven(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, "")
	ctx := context.Background()

	split := uuid.New()
	_, err := repository.NewExternalPaymentRepository(db).Create(ctx, db, &domain.ExternalPayment{
		ID:             split,
		Purpose:        domain.PurposeSplitLeg,
		UserID:         f.user.ID,
		LegType:        domain.FundingLegProviderMpesa,
		Action:         domain.ActionSTKPush,
		Amount:         100,
		Currency:       domain.CurrencyKES,
		Status:         domain.PaymentStatusPending,
		OrderReference: "split-leg-1",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	f.flaky.broken = true
	res, err := f.rec.Receive(ctx, webhook.Delivery{
		Body: body(t, map[string]any{"id": "e-5", "reference": "split-leg-1", "status": "failed", "reason": "user cancelled"}),
	})
	require.NoError(t, err, "settlement errors never fail the callback")
	assert.Equal(t, webhook.OutcomeDeferred, res.Outcome)

	stored, err := f.events.GetByEventID(ctx, "evt_e-5")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEventReceived, stored.ProcessingStatus)
	assert.Equal(t, 1, stored.Attempts)

	_, err = db.Exec(`UPDATE provider_events SET received_at = now() - interval '1 hour' WHERE id = $1`, stored.ID)
	require.NoError(t, err)

	f.flaky.broken = false
	n, err := f.rec.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.flaky.calls)

	stored, err = f.events.GetByEventID(ctx, "evt_e-5")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEventProcessed, stored.ProcessingStatus)

	n, err = f.rec.Redrive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedrive_GivesUpAfterMaxAttempts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, "")
	ctx := context.Background()

	_, err := repository.NewExternalPaymentRepository(db).Create(ctx, db, &domain.ExternalPayment{
		ID:             uuid.New(),
		Purpose:        domain.PurposeSplitLeg,
		UserID:         f.user.ID,
		LegType:        domain.FundingLegProviderMpesa,
		Action:         domain.ActionSTKPush,
		Amount:         100,
		Currency:       domain.CurrencyKES,
		Status:         domain.PaymentStatusPending,
		OrderReference: "split-leg-2",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	f.flaky.broken = true
	_, err = f.rec.Receive(ctx, webhook.Delivery{
		Body: body(t, map[string]any{"id": "e-6", "reference": "split-leg-2", "status": "success"}),
	})
	require.NoError(t, err)

	for range 2 {
		_, err = db.Exec(`UPDATE provider_events SET received_at = now() - interval '1 hour'`)
		require.NoError(t, err)
		_, err = f.rec.Redrive(ctx)
		require.NoError(t, err)
	}

	stored, err := f.events.GetByEventID(ctx, "evt_e-6")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEventFailed, stored.ProcessingStatus)
	assert.Equal(t, 3, stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "connection reset")
}

func TestAudit_WrittenThroughWebhookQueue(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupReconciler(t, db, "")
	ctx := context.Background()
	f.startTopUp(t, 200)

	b := body(t, map[string]any{"id": "e-2", "transaction_id": "MP-7", "status": "success"})
	_, err := f.rec.Receive(ctx, webhook.Delivery{Body: b})
	require.NoError(t, err)
	_, err = f.rec.Receive(ctx, webhook.Delivery{Body: b})
	require.NoError(t, err)

	counts, err := f.jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[jobs.QueueWebhooks].Waiting)

	runner := jobs.NewRunner(repository.NewJobRepository(db), jobs.DefaultQueues(&testConfig), time.Millisecond, logging.Discard())
	f.rec.Register(runner)
	n, err := runner.RunOnce(ctx, jobs.QueueWebhooks, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, int64(3), testutil.ScalarInt(t, db, `SELECT COUNT(*) FROM audit_log WHERE subject = 'evt_e-2'`))
	assert.Equal(t, int64(1), testutil.ScalarInt(t, db, `SELECT COUNT(*) FROM audit_log WHERE action = 'webhook.duplicate'`))
}
