package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

type BalanceSnapshot struct {
	WalletID uuid.UUID       `json:"wallet_id"`
	Currency domain.Currency `json:"currency"`
	Balance  int64           `json:"balance"`
	Version  int64           `json:"version"`
}

// BalanceCache keeps wallet balances for read paths. The ledger remains the only writer of
// balances; this cache is dropped after every post.
type BalanceCache struct {
	store *Store
	ttl   time.Duration
}

func NewBalanceCache(store *Store, ttl time.Duration) *BalanceCache {
	return &BalanceCache{store: store, ttl: ttl}
}

func balanceKey(walletID uuid.UUID, currency domain.Currency) string {
	return fmt.Sprintf("balance:%s:%s", walletID, currency)
}

func (c *BalanceCache) Get(ctx context.Context, walletID uuid.UUID, currency domain.Currency) (*BalanceSnapshot, bool) {
	if c == nil {
		return nil, false
	}
	var snap BalanceSnapshot
	if !c.store.GetJSON(ctx, balanceKey(walletID, currency), &snap) {
		return nil, false
	}
	return &snap, true
}

func (c *BalanceCache) Set(ctx context.Context, w *domain.Wallet) {
	if c == nil {
		return
	}
	c.store.SetJSON(ctx, balanceKey(w.ID, w.Currency), BalanceSnapshot{
		WalletID: w.ID,
		Currency: w.Currency,
		Balance:  w.Balance,
		Version:  w.Version,
	}, c.ttl)
}

// Invalidate drops every cached view of the wallet.
func (c *BalanceCache) Invalidate(ctx context.Context, walletID uuid.UUID, currency domain.Currency) error {
	if c == nil {
		return nil
	}
	if err := c.store.DeletePattern(ctx, fmt.Sprintf("balance:%s:*", walletID)); err != nil {
		return fmt.Errorf("Invalidate: %s/%s: %w", walletID, currency, err)
	}
	return nil
}

func walletKey(ownerID uuid.UUID, currency domain.Currency) string {
	return fmt.Sprintf("wallet:%s:%s", ownerID, currency)
}

// WalletID returns the cached wallet id of (owner, currency). The mapping never changes once
// a wallet exists.
func (c *BalanceCache) WalletID(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (uuid.UUID, bool) {
	if c == nil {
		return uuid.Nil, false
	}
	var id uuid.UUID
	if !c.store.GetJSON(ctx, walletKey(ownerID, currency), &id) {
		return uuid.Nil, false
	}
	return id, true
}

func (c *BalanceCache) SetWalletID(ctx context.Context, w *domain.Wallet) {
	if c == nil {
		return
	}
	c.store.SetJSON(ctx, walletKey(w.OwnerID, w.Currency), w.ID, 24*time.Hour)
}
