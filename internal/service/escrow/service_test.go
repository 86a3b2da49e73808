package escrow_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/escrow"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

func setupEscrowService(t *testing.T, db *sql.DB) *escrow.Service {
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
	return escrow.NewService(repository.NewOrderRepository(db), repository.NewEscrowRepository(db), store, engine, db)
}

type escrowFixture struct {
	customer *domain.User
	merchant *domain.User
	order    *domain.Order
}

func seedEscrowOrder(t *testing.T, db *sql.DB, amount, balance int64) escrowFixture {
	t.Helper()
	customer := testutil.SeedUser(t, db, "cust-"+uuid.NewString()[:8]+"@test.com", domain.UserRoleCustomer)
	merchant := testutil.SeedUser(t, db, "mrc-"+uuid.NewString()[:8]+"@test.com", domain.UserRoleMerchant)
	testutil.SeedWallet(t, db, customer.ID, domain.CurrencyKES, balance)
	order := testutil.SeedOrder(t, db, customer.ID, merchant.ID, amount, domain.CurrencyKES)
	return escrowFixture{customer: customer, merchant: merchant, order: order}
}

func orderStatus(t *testing.T, db *sql.DB, id uuid.UUID) domain.OrderStatus {
	t.Helper()
	o, err := repository.NewOrderRepository(db).GetByID(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestFund_MovesFundsAndIsRepeatable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupEscrowService(t, db)
	ctx := context.Background()
	f := seedEscrowOrder(t, db, 3000, 5000)

	res, err := svc.Fund(ctx, f.order.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Conflict)
	assert.Equal(t, domain.EscrowStatusFunded, res.Status)
	assert.Equal(t, int64(3000), res.HoldAmount)

	again, err := svc.Fund(ctx, f.order.ID, "")
	require.NoError(t, err)
	assert.True(t, again.Conflict)
	assert.Equal(t, res.HoldID, again.HoldID)

	assert.Equal(t, int64(2000), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))
	assert.Equal(t, int64(3000), testutil.GetOwnerBalance(t, db, domain.EscrowOwnerID, domain.CurrencyKES))
	assert.Equal(t, domain.OrderStatusInEscrow, orderStatus(t, db, f.order.ID))
	assert.Equal(t, int64(0), testutil.SignedSumByCorrelation(t, db, "esc-"+f.order.ID.String()+"-fund"))
}

func TestFund_InsufficientFundsLeavesNothing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupEscrowService(t, db)
	ctx := context.Background()
	f := seedEscrowOrder(t, db, 3000, 1000)

	_, err := svc.Fund(ctx, f.order.ID, "")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, domain.OrderStatusPendingPayment, orderStatus(t, db, f.order.ID))
	_, err = svc.Get(ctx, f.order.ID)
	require.ErrorIs(t, err, domain.ErrEscrowMissing)
}

func TestRelease_PaysMerchantOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupEscrowService(t, db)
	ctx := context.Background()
	f := seedEscrowOrder(t, db, 4000, 4000)

	_, err := svc.Fund(ctx, f.order.ID, "delivery")
	require.NoError(t, err)

	res, err := svc.Release(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, res.Status)
	assert.False(t, res.Conflict)

	again, err := svc.Release(ctx, f.order.ID)
	require.NoError(t, err)
	assert.True(t, again.Conflict)

	assert.Equal(t, int64(4000), testutil.GetOwnerBalance(t, db, f.merchant.ID, domain.CurrencyKES))
	assert.Equal(t, int64(0), testutil.GetOwnerBalance(t, db, domain.EscrowOwnerID, domain.CurrencyKES))
	assert.Equal(t, domain.OrderStatusCompleted, orderStatus(t, db, f.order.ID))

	_, err = svc.Cancel(ctx, f.order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestCancel_RefundsCustomer(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupEscrowService(t, db)
	ctx := context.Background()
	f := seedEscrowOrder(t, db, 2500, 2500)

	_, err := svc.Fund(ctx, f.order.ID, "")
	require.NoError(t, err)

	res, err := svc.Cancel(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusCancelled, res.Status)

	again, err := svc.Cancel(ctx, f.order.ID)
	require.NoError(t, err)
	assert.True(t, again.Conflict)

	assert.Equal(t, int64(2500), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))
	assert.Equal(t, domain.OrderStatusCancelled, orderStatus(t, db, f.order.ID))

	_, err = svc.Release(ctx, f.order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestRelease_WithoutHold(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupEscrowService(t, db)
	f := seedEscrowOrder(t, db, 1000, 1000)

	_, err := svc.Release(context.Background(), f.order.ID)
	require.ErrorIs(t, err, domain.ErrEscrowMissing)
}

func TestFund_AppliesProjectFees(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupEscrowService(t, db)
	ctx := context.Background()

	testutil.SeedFeeRule(t, db, "ESCROW_FEE", domain.FeeCategoryProject, domain.FeeKindPercentage, 0, "0.01", domain.FeePayerCustomer)
	f := seedEscrowOrder(t, db, 10000, 20000)

	_, err := svc.Fund(ctx, f.order.ID, "")
	require.NoError(t, err)

	assert.Equal(t, int64(9900), testutil.GetOwnerBalance(t, db, f.customer.ID, domain.CurrencyKES))
	assert.Equal(t, int64(100), testutil.GetOwnerBalance(t, db, domain.PlatformOwnerID, domain.CurrencyKES))
}
