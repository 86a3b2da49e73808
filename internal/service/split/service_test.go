package split_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/service/split"
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

type gatewayReply struct {
	resp *provider.Response
	err  error
}

type fakeGateway struct {
	mu      sync.Mutex
	replies []gatewayReply
	keys    []string
}

func (f *fakeGateway) Call(_ context.Context, _ string, _ map[string]any, _ provider.Mode, key string) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	r := f.replies[min(len(f.keys), len(f.replies))-1]
	return r.resp, r.err
}

func (f *fakeGateway) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func setupSplitService(t *testing.T, db *sql.DB, gw *fakeGateway) *split.Service {
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
	return split.NewService(repository.NewSplitRepository(db), repository.NewExternalPaymentRepository(db), store, gw, engine, db)
}

func walletMember(userID uuid.UUID, amount int64) split.MemberInput {
	return split.MemberInput{PayeeUserID: &userID, Method: domain.SplitMethodWallet, Amount: amount}
}

func mpesaMember(phone string, amount int64) split.MemberInput {
	return split.MemberInput{PayeeAccount: &phone, Method: domain.SplitMethodMpesa, Amount: amount}
}

func TestAmounts(t *testing.T) {
	three := []split.MemberInput{{}, {}, {}}
	tests := []struct {
		name      string
		total     int64
		splitType domain.SplitType
		members   []split.MemberInput
		want      []int64
		wantErr   error
	}{
		{name: "equal remainder to first legs", total: 1000, splitType: domain.SplitTypeEqual, members: three, want: []int64{334, 333, 333}},
		{name: "equal exact", total: 900, splitType: domain.SplitTypeEqual, members: three, want: []int64{300, 300, 300}},
		{name: "equal too small", total: 2, splitType: domain.SplitTypeEqual, members: three, wantErr: domain.ErrInvalidAmount},
		{name: "custom", total: 700, splitType: domain.SplitTypeCustom, members: []split.MemberInput{{Amount: 500}, {Amount: 200}}, want: []int64{500, 200}},
		{name: "custom mismatch", total: 800, splitType: domain.SplitTypeCustom, members: []split.MemberInput{{Amount: 500}, {Amount: 200}}, wantErr: domain.ErrScheduleSumMismatch},
		{name: "custom shares that wrap int64", total: 1, splitType: domain.SplitTypeCustom, members: []split.MemberInput{{Amount: math.MaxInt64}, {Amount: math.MaxInt64}, {Amount: 3}}, wantErr: domain.ErrScheduleSumMismatch},
		{name: "custom zero", total: 500, splitType: domain.SplitTypeCustom, members: []split.MemberInput{{Amount: 500}, {Amount: 0}}, wantErr: domain.ErrInvalidAmount},
		{name: "unknown type", total: 500, splitType: "weighted", members: three, wantErr: domain.ErrUnsupportedMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := split.Amounts(tt.total, tt.splitType, tt.members)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateGroup_RejectsIncompleteMembers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupSplitService(t, db, &fakeGateway{})
	owner := testutil.SeedUser(t, db, "owner@test.com", domain.UserRoleCustomer)

	_, err := svc.CreateGroup(context.Background(), split.CreateRequest{
		OwnerID:     owner.ID,
		TotalAmount: 1000,
		Currency:    domain.CurrencyKES,
		SplitType:   domain.SplitTypeEqual,
		Members:     []split.MemberInput{{Method: domain.SplitMethodWallet}},
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestExecute_WalletLegsAreRepeatable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupSplitService(t, db, &fakeGateway{})
	ctx := context.Background()

	owner := testutil.SeedUser(t, db, "owner@test.com", domain.UserRoleCustomer)
	a := testutil.SeedUser(t, db, "a@test.com", domain.UserRoleCustomer)
	b := testutil.SeedUser(t, db, "b@test.com", domain.UserRoleCustomer)
	testutil.SeedWallet(t, db, owner.ID, domain.CurrencyKES, 1001)

	g, err := svc.CreateGroup(ctx, split.CreateRequest{
		OwnerID:     owner.ID,
		TotalAmount: 1001,
		Currency:    domain.CurrencyKES,
		SplitType:   domain.SplitTypeEqual,
		Members:     []split.MemberInput{walletMember(a.ID, 0), walletMember(b.ID, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(501), g.Members[0].Amount)
	assert.Equal(t, int64(500), g.Members[1].Amount)

	for range 2 {
		got, err := svc.Execute(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.LegStatusCompleted, got.Status())
		assert.Equal(t, domain.SplitCounts{Completed: 2}, got.Counts())
	}

	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, owner.ID, domain.CurrencyKES))
	assert.Equal(t, int64(501), testutil.GetOwnerBalance(t, db, a.ID, domain.CurrencyKES))
	assert.Equal(t, int64(500), testutil.GetOwnerBalance(t, db, b.ID, domain.CurrencyKES))
	assert.Equal(t, 4, testutil.CountLedgerEntries(t, db, "split-"+g.ID.String()))
	for _, m := range g.Members {
		assert.Equal(t, int64(0), testutil.SignedSumByCorrelation(t, db, "split-"+g.ID.String()+"-"+m.ID.String()))
	}
}

func TestExecute_ShortOwnerLegWaitsForTopUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupSplitService(t, db, &fakeGateway{})
	ctx := context.Background()

	owner := testutil.SeedUser(t, db, "owner@test.com", domain.UserRoleCustomer)
	a := testutil.SeedUser(t, db, "a@test.com", domain.UserRoleCustomer)
	b := testutil.SeedUser(t, db, "b@test.com", domain.UserRoleCustomer)
	ownerWallet := testutil.SeedWallet(t, db, owner.ID, domain.CurrencyKES, 600)

	g, err := svc.CreateGroup(ctx, split.CreateRequest{
		OwnerID:     owner.ID,
		TotalAmount: 1000,
		Currency:    domain.CurrencyKES,
		SplitType:   domain.SplitTypeCustom,
		Members:     []split.MemberInput{walletMember(a.ID, 500), walletMember(b.ID, 500)},
	})
	require.NoError(t, err)

	got, err := svc.Execute(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SplitCounts{Completed: 1, Pending: 1}, got.Counts())
	assert.Equal(t, domain.LegStatusPending, got.Status())
	assert.Equal(t, domain.LegStatusPending, got.Members[1].Status)
	require.NotNil(t, got.Members[1].LastError)
	assert.Contains(t, *got.Members[1].LastError, domain.ErrInsufficientFunds.Error())

	assert.Equal(t, int64(100), testutil.GetOwnerBalance(t, db, owner.ID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, b.ID, domain.CurrencyKES))

	testutil.Fund(t, db, ownerWallet.ID, domain.CurrencyKES, 400)

	got, err = svc.Execute(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SplitCounts{Completed: 2}, got.Counts())
	assert.Equal(t, domain.LegStatusCompleted, got.Status())
	assert.Nil(t, got.Members[1].LastError)

	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, owner.ID, domain.CurrencyKES))
	assert.Equal(t, int64(500), testutil.GetOwnerBalance(t, db, a.ID, domain.CurrencyKES))
	assert.Equal(t, int64(500), testutil.GetOwnerBalance(t, db, b.ID, domain.CurrencyKES))
}

func TestExecute_ExternalLegPendingUntilProviderAnswers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{replies: []gatewayReply{
		{err: fmt.Errorf("send: %w", domain.ErrExternalService)},
		{resp: &provider.Response{OK: true, Mode: provider.ModeDirect, Status: provider.Completed{}, RawStatus: "success", ProviderRef: "LMN-1"}},
	}}
	svc := setupSplitService(t, db, gw)
	ctx := context.Background()

	owner := testutil.SeedUser(t, db, "owner@test.com", domain.UserRoleCustomer)

	g, err := svc.CreateGroup(ctx, split.CreateRequest{
		OwnerID:     owner.ID,
		TotalAmount: 400,
		Currency:    domain.CurrencyKES,
		SplitType:   domain.SplitTypeEqual,
		Members:     []split.MemberInput{mpesaMember("254700000002", 0)},
	})
	require.NoError(t, err)

	got, err := svc.Execute(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegStatusPending, got.Status())

	payment, err := repository.NewExternalPaymentRepository(db).FindByReference(ctx, g.Members[0].OrderReference)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, payment.Status)
	require.NotNil(t, payment.LastError)

	got, err = svc.Execute(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegStatusCompleted, got.Status())
	require.NotNil(t, got.Members[0].ProviderRef)
	assert.Equal(t, "LMN-1", *got.Members[0].ProviderRef)

	assert.Equal(t, []string{g.Members[0].OrderReference, g.Members[0].OrderReference}, gw.calls())
	assert.Equal(t, int64(400), testutil.GetOwnerBalance(t, db, owner.ID, domain.CurrencyKES))
	assert.Equal(t, int64(-400), testutil.GetOwnerBalance(t, db, domain.RailOwnerID, domain.CurrencyKES))

	_, err = svc.Execute(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, gw.calls(), 2, "completed legs are not dispatched again")
}

func TestExecute_ExternalRejectionIsTerminal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{replies: []gatewayReply{
		{resp: &provider.Response{OK: false, Mode: provider.ModeDirect, Status: provider.Failed{}, HTTPStatus: 422}},
	}}
	svc := setupSplitService(t, db, gw)
	ctx := context.Background()

	owner := testutil.SeedUser(t, db, "owner@test.com", domain.UserRoleCustomer)
	g, err := svc.CreateGroup(ctx, split.CreateRequest{
		OwnerID:     owner.ID,
		TotalAmount: 300,
		Currency:    domain.CurrencyKES,
		SplitType:   domain.SplitTypeEqual,
		Members:     []split.MemberInput{mpesaMember("254700000003", 0)},
	})
	require.NoError(t, err)

	for range 2 {
		got, err := svc.Execute(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.LegStatusFailed, got.Status())
	}
	assert.Len(t, gw.calls(), 1)
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, owner.ID, domain.CurrencyKES))
}

func TestExecute_UnknownGroup(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupSplitService(t, db, &fakeGateway{})

	_, err := svc.Execute(context.Background(), uuid.New())
	require.True(t, errors.Is(err, domain.ErrNotFound))
}
