package cache_test

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
	"github.com/josh-kwaku/wallet-settlement/internal/testutil"
)

func setupStore(t *testing.T) *cache.Store {
	t.Helper()
	client, err := cache.Connect(context.Background(), testutil.SetupTestRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return cache.NewStore(client, logging.Discard())
}

func TestStore_DisabledBehavesLikeEmptyCache(t *testing.T) {
	ctx := context.Background()
	var nilStore *cache.Store
	empty := cache.NewStore(nil, nil)

	for _, s := range []*cache.Store{nilStore, empty} {
		var out map[string]string
		assert.False(t, s.GetJSON(ctx, "k", &out))
		s.SetJSON(ctx, "k", map[string]string{"a": "b"}, time.Minute)
		s.Delete(ctx, "k")
		require.NoError(t, s.DeletePattern(ctx, "k*"))

		limiter := cache.NewRateLimiter(s, "rl")
		ok, _ := limiter.Allow(ctx, "user", 0, time.Minute)
		assert.True(t, ok)
	}
}

func TestBalanceCache_InvalidateDropsWalletKeys(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	bc := cache.NewBalanceCache(store, time.Minute)

	w := &domain.Wallet{ID: uuid.New(), OwnerID: uuid.New(), Currency: domain.CurrencyKES, Balance: 900, Version: 3}
	bc.Set(ctx, w)
	bc.SetWalletID(ctx, w)

	snap, ok := bc.Get(ctx, w.ID, w.Currency)
	require.True(t, ok)
	assert.Equal(t, int64(900), snap.Balance)
	assert.Equal(t, int64(3), snap.Version)

	id, ok := bc.WalletID(ctx, w.OwnerID, w.Currency)
	require.True(t, ok)
	assert.Equal(t, w.ID, id)

	require.NoError(t, bc.Invalidate(ctx, w.ID, w.Currency))

	_, ok = bc.Get(ctx, w.ID, w.Currency)
	assert.False(t, ok)

	_, ok = bc.WalletID(ctx, w.OwnerID, w.Currency)
	assert.True(t, ok, "owner mapping survives balance invalidation")
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	limiter := cache.NewRateLimiter(store, "rl:test")

	for i := range 3 {
		ok, _ := limiter.Allow(ctx, "user-1", 3, time.Minute)
		assert.True(t, ok, "hit %d", i+1)
	}

	ok, retryAfter := limiter.Allow(ctx, "user-1", 3, time.Minute)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)

	ok, _ = limiter.Allow(ctx, "user-2", 3, time.Minute)
	assert.True(t, ok)
}
