package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

func TestBalances_CachedReadInvalidatedByPost(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	client, err := cache.Connect(ctx, testutil.SetupTestRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	balanceCache := cache.NewBalanceCache(cache.NewStore(client, logging.Discard()), time.Minute)
	wallets := repository.NewWalletRepository(db)
	entries := repository.NewLedgerRepository(db)
	store := ledger.NewStore(wallets, entries, balanceCache, db)
	balances := ledger.NewBalances(wallets, entries, balanceCache)

	alice := testutil.SeedUser(t, db, "alice@test.com", domain.UserRoleCustomer)
	bob := testutil.SeedUser(t, db, "bob@test.com", domain.UserRoleCustomer)
	testutil.SeedWallet(t, db, alice.ID, domain.CurrencyKES, 5000)

	first, err := balances.Get(ctx, alice.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(5000), first.Balance)

	second, err := balances.Get(ctx, alice.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.WalletID, second.WalletID)

	_, err = store.Transfer(ctx, ledger.TransferRequest{
		FromOwnerID:    alice.ID,
		ToOwnerID:      bob.ID,
		Currency:       domain.CurrencyKES,
		Amount:         1200,
		IdempotencyKey: uuid.NewString(),
	})
	require.NoError(t, err)

	after, err := balances.Get(ctx, alice.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.False(t, after.Cached)
	assert.Equal(t, int64(3800), after.Balance)
}

func TestBalances_WithoutCache(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	balances := ledger.NewBalances(repository.NewWalletRepository(db), repository.NewLedgerRepository(db), (*cache.BalanceCache)(nil))

	user := testutil.SeedUser(t, db, "nocache@test.com", domain.UserRoleCustomer)

	got, err := balances.Get(ctx, user.ID, domain.CurrencyTZS)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
	assert.False(t, got.Cached)

	_, err = balances.Get(ctx, user.ID, domain.Currency("EUR"))
	require.ErrorIs(t, err, domain.ErrInvalidCurrency)
}

func TestBalances_StatementPagesNewestFirst(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	wallets := repository.NewWalletRepository(db)
	entries := repository.NewLedgerRepository(db)
	store := ledger.NewStore(wallets, entries, nil, db)
	balances := ledger.NewBalances(wallets, entries, (*cache.BalanceCache)(nil))

	alice := testutil.SeedUser(t, db, "stmt-alice@test.com", domain.UserRoleCustomer)
	bob := testutil.SeedUser(t, db, "stmt-bob@test.com", domain.UserRoleCustomer)
	testutil.SeedWallet(t, db, alice.ID, domain.CurrencyKES, 10000)

	for i := 0; i < 3; i++ {
		_, err := store.Transfer(ctx, ledger.TransferRequest{
			FromOwnerID:    alice.ID,
			ToOwnerID:      bob.ID,
			Currency:       domain.CurrencyKES,
			Amount:         int64(100 * (i + 1)),
			IdempotencyKey: uuid.NewString(),
		})
		require.NoError(t, err)
	}

	page, err := balances.Statement(ctx, alice.ID, domain.CurrencyKES, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total, "seed credit plus three transfers")
	require.Len(t, page.Entries, 2)
	assert.Equal(t, int64(9400), page.Balance)
	for _, e := range page.Entries {
		assert.Equal(t, domain.EntryTypeDebit, e.EntryType)
	}

	rest, err := balances.Statement(ctx, alice.ID, domain.CurrencyKES, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest.Entries, 2)
	assert.Equal(t, domain.EntryTypeCredit, rest.Entries[1].EntryType)

	_, err = balances.Statement(ctx, alice.ID, domain.Currency("EUR"), 10, 0)
	require.ErrorIs(t, err, domain.ErrInvalidCurrency)
}
