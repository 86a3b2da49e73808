package order_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/service/order"
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

func setupOrderService(t *testing.T, db *sql.DB) *order.Service {
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
	return order.NewService(repository.NewOrderRepository(db), repository.NewUserRepository(db), store, engine, db)
}

func TestCreate_RequiresMerchant(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupOrderService(t, db)
	ctx := context.Background()

	customer := testutil.SeedUser(t, db, "c@test.com", domain.UserRoleCustomer)
	other := testutil.SeedUser(t, db, "o@test.com", domain.UserRoleCustomer)
	merchant := testutil.SeedUser(t, db, "m@test.com", domain.UserRoleMerchant)

	tests := []struct {
		name    string
		req     order.CreateRequest
		wantErr error
	}{
		{name: "payee is not a merchant", req: order.CreateRequest{CustomerID: customer.ID, MerchantID: other.ID, Amount: 100, Currency: domain.CurrencyKES}, wantErr: domain.ErrInvalidRequest},
		{name: "zero amount", req: order.CreateRequest{CustomerID: customer.ID, MerchantID: merchant.ID, Currency: domain.CurrencyKES}, wantErr: domain.ErrInvalidAmount},
		{name: "bad currency", req: order.CreateRequest{CustomerID: customer.ID, MerchantID: merchant.ID, Amount: 100, Currency: "XXX"}, wantErr: domain.ErrInvalidCurrency},
		{name: "paying yourself", req: order.CreateRequest{CustomerID: merchant.ID, MerchantID: merchant.ID, Amount: 100, Currency: domain.CurrencyKES}, wantErr: domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	o, err := svc.Create(ctx, order.CreateRequest{CustomerID: customer.ID, MerchantID: merchant.ID, Amount: 100, Currency: domain.CurrencyKES})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingPayment, o.Status)
}

func TestPayNow_ConcurrentRequestsMoveMoneyOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupOrderService(t, db)
	ctx := context.Background()

	testutil.SeedFeeRule(t, db, "MERCHANT_FEE", domain.FeeCategoryMerchantPayment, domain.FeeKindFlat, 50, "0", domain.FeePayerMerchant)
	customer := testutil.SeedUser(t, db, "c@test.com", domain.UserRoleCustomer)
	merchant := testutil.SeedUser(t, db, "m@test.com", domain.UserRoleMerchant)
	testutil.SeedWallet(t, db, customer.ID, domain.CurrencyKES, 5000)
	o := testutil.SeedOrder(t, db, customer.ID, merchant.ID, 2000, domain.CurrencyKES)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.PayNow(ctx, o.ID)
			if !assert.NoError(t, err) {
				return
			}
			if res.Conflict {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n-1, conflicts)
	assert.Equal(t, int64(3000), testutil.GetOwnerBalance(t, db, customer.ID, domain.CurrencyKES))
	assert.Equal(t, int64(1950), testutil.GetOwnerBalance(t, db, merchant.ID, domain.CurrencyKES))
	assert.Equal(t, int64(50), testutil.GetOwnerBalance(t, db, domain.PlatformOwnerID, domain.CurrencyKES))

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
}

func TestPayNow_InsufficientFundsLeavesOrderPending(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupOrderService(t, db)
	ctx := context.Background()

	customer := testutil.SeedUser(t, db, "c@test.com", domain.UserRoleCustomer)
	merchant := testutil.SeedUser(t, db, "m@test.com", domain.UserRoleMerchant)
	testutil.SeedWallet(t, db, customer.ID, domain.CurrencyKES, 100)
	o := testutil.SeedOrder(t, db, customer.ID, merchant.ID, 2000, domain.CurrencyKES)

	_, err := svc.PayNow(ctx, o.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingPayment, got.Status)
	assert.Equal(t, 0, testutil.CountLedgerEntries(t, db, "ord-"+o.ID.String()))
}

func TestPayNow_RejectsOrderInEscrow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupOrderService(t, db)
	ctx := context.Background()

	customer := testutil.SeedUser(t, db, "c@test.com", domain.UserRoleCustomer)
	merchant := testutil.SeedUser(t, db, "m@test.com", domain.UserRoleMerchant)
	testutil.SeedWallet(t, db, customer.ID, domain.CurrencyKES, 5000)
	o := testutil.SeedOrder(t, db, customer.ID, merchant.ID, 2000, domain.CurrencyKES)
	_, err := db.Exec(`UPDATE orders SET status = 'in_escrow' WHERE id = $1`, o.ID)
	require.NoError(t, err)

	_, err = svc.PayNow(ctx, o.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
	assert.Equal(t, int64(5000), testutil.GetOwnerBalance(t, db, customer.ID, domain.CurrencyKES))
}
