package intent_test

import (
	"context"
	"database/sql"
	"fmt"
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
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
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

type fakeGateway struct {
	mu      sync.Mutex
	replies []*provider.Response
	status  *provider.Response
	keys    []string
}

func (f *fakeGateway) Call(_ context.Context, _ string, _ map[string]any, _ provider.Mode, key string) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if len(f.replies) == 0 {
		return nil, fmt.Errorf("send: %w", domain.ErrExternalService)
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeGateway) Status(context.Context, string) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return nil, fmt.Errorf("status: %w", domain.ErrExternalService)
	}
	return f.status, nil
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func pending(ref string) *provider.Response {
	return &provider.Response{OK: true, Mode: provider.ModeDirect, Status: provider.Pending{}, RawStatus: "processing", ProviderRef: ref}
}

func completed(ref string) *provider.Response {
	return &provider.Response{OK: true, Mode: provider.ModeDirect, Status: provider.Completed{}, RawStatus: "success", ProviderRef: ref}
}

type fixture struct {
	svc      *intent.Service
	gw       *fakeGateway
	jobs     *jobs.Client
	payments *repository.ExternalPaymentRepository
	customer *domain.User
	merchant *domain.User
}

func setupIntentService(t *testing.T, db *sql.DB, gw *fakeGateway) *fixture {
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
	client := jobs.NewClient(repository.NewJobRepository(db), jobs.DefaultQueues(&testConfig))
	payments := repository.NewExternalPaymentRepository(db)
	svc := intent.NewService(intent.Deps{
		Intents:  repository.NewIntentRepository(db),
		Payments: payments,
		WalletTx: repository.NewWalletTransactionRepository(db),
		Users:    repository.NewUserRepository(db),
		Orders:   repository.NewOrderRepository(db),
		Ledger:   store,
		Gateway:  gw,
		Fees:     engine,
		Jobs:     client,
		DB:       db,
	})
	return &fixture{
		svc:      svc,
		gw:       gw,
		jobs:     client,
		payments: payments,
		customer: testutil.SeedUser(t, db, "customer@test.com", domain.UserRoleCustomer),
		merchant: testutil.SeedUser(t, db, "merchant@test.com", domain.UserRoleMerchant),
	}
}

func (f *fixture) create(t *testing.T, amountDue int64, plan ...domain.FundingLeg) *domain.PaymentIntent {
	t.Helper()
	pi, err := f.svc.Create(context.Background(), intent.CreateRequest{
		CustomerID:  f.customer.ID,
		MerchantID:  f.merchant.ID,
		AmountDue:   amountDue,
		Currency:    domain.CurrencyKES,
		FundingPlan: plan,
	})
	require.NoError(t, err)
	return pi
}

func (f *fixture) leg(t *testing.T, pi *domain.PaymentIntent, i int) *domain.ExternalPayment {
	t.Helper()
	view, err := f.svc.Get(context.Background(), pi.ID)
	require.NoError(t, err)
	require.Greater(t, len(view.Legs), i)
	return &view.Legs[i]
}

func walletLeg(amount int64) domain.FundingLeg {
	return domain.FundingLeg{Type: domain.FundingLegWallet, Amount: amount}
}

func mpesaLeg(amount int64) domain.FundingLeg {
	return domain.FundingLeg{Type: domain.FundingLegProviderMpesa, Amount: amount, Account: "254700000009"}
}

func TestCreate_Validation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{})

	tests := []struct {
		name    string
		amount  int64
		plan    []domain.FundingLeg
		wantErr error
	}{
		{name: "zero amount", amount: 0, plan: []domain.FundingLeg{walletLeg(100)}, wantErr: domain.ErrInvalidAmount},
		{name: "plan short", amount: 1000, plan: []domain.FundingLeg{walletLeg(400), mpesaLeg(500)}, wantErr: domain.ErrFundingPlanMismatch},
		{name: "plan over", amount: 1000, plan: []domain.FundingLeg{walletLeg(600), mpesaLeg(500)}, wantErr: domain.ErrFundingPlanMismatch},
		{name: "external leg without account", amount: 500, plan: []domain.FundingLeg{{Type: domain.FundingLegProviderCard, Amount: 500}}, wantErr: domain.ErrInvalidRequest},
		{name: "unknown leg type", amount: 500, plan: []domain.FundingLeg{{Type: "CASH", Amount: 500}}, wantErr: domain.ErrInvalidRequest},
		{name: "zero leg", amount: 500, plan: []domain.FundingLeg{walletLeg(500), walletLeg(0)}, wantErr: domain.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), intent.CreateRequest{
				CustomerID:  f.customer.ID,
				MerchantID:  f.merchant.ID,
				AmountDue:   tt.amount,
				Currency:    domain.CurrencyKES,
				FundingPlan: tt.plan,
			})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreate_AutopilotTakesWalletFirst(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{})
	testutil.SeedWallet(t, db, f.customer.ID, domain.CurrencyKES, 300)

	pi, err := f.svc.Create(context.Background(), intent.CreateRequest{
		CustomerID: f.customer.ID,
		MerchantID: f.merchant.ID,
		AmountDue:  1000,
		Currency:   domain.CurrencyKES,
		Autopilot:  true,
	})
	require.NoError(t, err)
	assert.True(t, pi.Autopilot)
	assert.Equal(t, []domain.FundingLeg{
		{Type: domain.FundingLegWallet, Amount: 300},
		{Type: domain.FundingLegProviderMpesa, Amount: 700, Account: *f.customer.Phone},
	}, pi.FundingPlan)
}

func TestConfirm_WalletOnlyIntentSettles(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{})
	testutil.SeedWallet(t, db, f.customer.ID, domain.CurrencyKES, 1000)
	ctx := context.Background()

	pi := f.create(t, 1000, walletLeg(1000))
	for range 2 {
		view, err := f.svc.Confirm(ctx, pi.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.IntentStatusSettled, view.Intent.Status)
	}

	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))
	assert.Equal(t, int64(1000), testutil.GetOwnerBalance(t, db, f.merchant.ID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, domain.ClearingOwnerID, domain.CurrencyKES))
	assert.Equal(t, 4, testutil.CountLedgerEntries(t, db, "pi-"+pi.ID.String()))
	assert.Equal(t, 0, f.gw.calls())
}

func TestConfirm_InsufficientWalletPostsNothing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{replies: []*provider.Response{pending("LMN-1")}})
	testutil.SeedWallet(t, db, f.customer.ID, domain.CurrencyKES, 100)

	pi := f.create(t, 1000, walletLeg(500), mpesaLeg(500))
	_, err := f.svc.Confirm(context.Background(), pi.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	view, err := f.svc.Get(context.Background(), pi.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Legs)
	assert.Equal(t, domain.IntentStatusPending, view.Intent.Status)
	assert.Equal(t, int64(100), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))
	assert.Equal(t, 0, f.gw.calls())
}

func TestReevaluate_SettlesWhenLastLegSucceeds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{replies: []*provider.Response{pending("LMN-1")}})
	testutil.SeedWallet(t, db, f.customer.ID, domain.CurrencyKES, 400)
	ctx := context.Background()

	pi := f.create(t, 1000, walletLeg(400), mpesaLeg(600))
	view, err := f.svc.Confirm(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, view.Intent.Status)
	require.Len(t, view.Legs, 2)
	assert.Equal(t, domain.PaymentStatusSuccess, view.Legs[0].Status)
	assert.Equal(t, domain.PaymentStatusPending, view.Legs[1].Status)
	assert.Equal(t, int64(400), testutil.GetOwnerBalance(t, db, domain.ClearingOwnerID, domain.CurrencyKES))

	st, err := f.svc.Reevaluate(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, st)

	railBefore := testutil.GetOwnerBalance(t, db, domain.RailOwnerID, domain.CurrencyKES)
	ref := "LMN-1"
	for range 2 {
		st, err = f.svc.ApplyLegOutcome(ctx, f.leg(t, pi, 1), domain.PaymentStatusSuccess, &ref, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.IntentStatusSettled, st)
	}

	assert.Equal(t, int64(1000), testutil.GetOwnerBalance(t, db, f.merchant.ID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, domain.ClearingOwnerID, domain.CurrencyKES))
	assert.Equal(t, railBefore-600, testutil.GetOwnerBalance(t, db, domain.RailOwnerID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.SignedSumByCorrelation(t, db, "pi-"+pi.ID.String()))

	counts, err := f.jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.QueueNotifications].Waiting)
}

func TestReevaluate_FailedLegRefundsEachDebitOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{replies: []*provider.Response{pending("LMN-2")}})
	testutil.SeedWallet(t, db, f.customer.ID, domain.CurrencyKES, 1000)
	ctx := context.Background()

	pi := f.create(t, 1000, walletLeg(200), walletLeg(300), mpesaLeg(500))
	_, err := f.svc.Confirm(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))

	reason := "declined"
	st, err := f.svc.ApplyLegOutcome(ctx, f.leg(t, pi, 2), domain.PaymentStatusFailed, nil, &reason)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, st)

	st, err = f.svc.Reevaluate(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, st)
	res, err := f.svc.Compensate(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.CompensationResult{}, *res)

	assert.Equal(t, int64(1000), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, domain.ClearingOwnerID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, f.merchant.ID, domain.CurrencyKES))
	assert.Equal(t, int64(2), testutil.ScalarInt(t, db,
		`SELECT count(*) FROM wallet_transactions WHERE intent_id = $1 AND type = 'REFUND'`, pi.ID))
	assert.Equal(t, int64(2), testutil.ScalarInt(t, db,
		`SELECT count(*) FROM ledger_entries WHERE ref LIKE '%-refund' AND wallet_id = (SELECT id FROM wallets WHERE owner_id = $1)`, f.customer.ID))

	view, err := f.svc.Get(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, view.Intent.Status)
	require.NotNil(t, view.Intent.FailedAt)
}

func TestFailedIntent_RefundsCollectedExternalLeg(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{replies: []*provider.Response{completed("LMN-A"), pending("LMN-B")}}
	f := setupIntentService(t, db, gw)
	ctx := context.Background()
	railBefore := testutil.GetOwnerBalance(t, db, domain.RailOwnerID, domain.CurrencyKES)

	card := domain.FundingLeg{Type: domain.FundingLegProviderCard, Amount: 600, Account: "card_tok_1"}
	pi := f.create(t, 1000, mpesaLeg(400), card)
	view, err := f.svc.Confirm(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, view.Legs[0].Status)
	assert.Equal(t, int64(400), testutil.GetOwnerBalance(t, db, domain.ClearingOwnerID, domain.CurrencyKES))

	st, err := f.svc.ApplyLegOutcome(ctx, f.leg(t, pi, 1), domain.PaymentStatusFailed, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, st)

	counts, err := f.jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[jobs.QueuePayments].Waiting, "one provider refund job")

	gw.mu.Lock()
	gw.replies = []*provider.Response{completed("LMN-R")}
	gw.mu.Unlock()
	collected := f.leg(t, pi, 0)
	require.NoError(t, f.svc.RefundLeg(ctx, collected.ID))
	require.NoError(t, f.svc.RefundLeg(ctx, collected.ID))

	refund, err := f.payments.FindByReference(ctx, intent.RefundReference(collected))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, refund.Status)
	assert.Equal(t, domain.PurposeRefund, refund.Purpose)
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, domain.ClearingOwnerID, domain.CurrencyKES))
	assert.Equal(t, railBefore, testutil.GetOwnerBalance(t, db, domain.RailOwnerID, domain.CurrencyKES))
	assert.Equal(t, 3, gw.calls())
}

func TestQueue_EnqueuesOneJobPerIntent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{})
	testutil.SeedWallet(t, db, f.customer.ID, domain.CurrencyKES, 500)
	ctx := context.Background()

	pi := f.create(t, 500, walletLeg(500))
	first, err := f.svc.Queue(ctx, pi.ID)
	require.NoError(t, err)
	second, err := f.svc.Queue(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, first.Key)
	assert.Equal(t, "payment-"+pi.ID.String(), *first.Key)

	runner := jobs.NewRunner(repository.NewJobRepository(db), jobs.DefaultQueues(&testConfig), time.Millisecond, logging.Discard())
	f.svc.Register(runner)
	n, err := runner.RunOnce(ctx, jobs.QueuePayments, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := f.svc.Get(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusSettled, view.Intent.Status)

	_, err = f.svc.Queue(ctx, pi.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestSyncStatus_AppliesPolledOutcome(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{replies: []*provider.Response{pending("LMN-S")}}
	f := setupIntentService(t, db, gw)
	ctx := context.Background()

	pi := f.create(t, 700, mpesaLeg(700))
	_, err := f.svc.Confirm(ctx, pi.ID)
	require.NoError(t, err)

	view, err := f.svc.SyncStatus(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, view.Intent.Status)

	gw.mu.Lock()
	gw.status = completed("LMN-S")
	gw.mu.Unlock()
	view, err = f.svc.SyncStatus(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusSettled, view.Intent.Status)
	assert.Equal(t, int64(700), testutil.GetOwnerBalance(t, db, f.merchant.ID, domain.CurrencyKES))
}

func TestGet_UnknownIntent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	f := setupIntentService(t, db, &fakeGateway{})
	_, err := f.svc.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
