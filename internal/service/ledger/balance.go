package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

type balanceReadCache interface {
	WalletID(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (uuid.UUID, bool)
	SetWalletID(ctx context.Context, w *domain.Wallet)
	Get(ctx context.Context, walletID uuid.UUID, currency domain.Currency) (*cache.BalanceSnapshot, bool)
	Set(ctx context.Context, w *domain.Wallet)
}

type Balance struct {
	WalletID uuid.UUID       `json:"wallet_id"`
	Currency domain.Currency `json:"currency"`
	Balance  int64           `json:"balance"`
	Cached   bool            `json:"cached"`
}

type entryLister interface {
	ListByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error)
}

// Balances serves wallet balances from the cache and falls back to the database.
type Balances struct {
	wallets walletRepo
	entries entryLister
	cache   balanceReadCache
}

func NewBalances(wallets walletRepo, entries entryLister, cache balanceReadCache) *Balances {
	return &Balances{wallets: wallets, entries: entries, cache: cache}
}

func (b *Balances) Get(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*Balance, error) {
	if !currency.IsValid() {
		return nil, fmt.Errorf("Get: %w", domain.ErrInvalidCurrency)
	}

	if id, ok := b.cache.WalletID(ctx, ownerID, currency); ok {
		if snap, ok := b.cache.Get(ctx, id, currency); ok {
			return &Balance{WalletID: id, Currency: currency, Balance: snap.Balance, Cached: true}, nil
		}
	}

	w, err := b.wallets.GetOrCreate(ctx, ownerID, currency)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	b.cache.SetWalletID(ctx, w)
	b.cache.Set(ctx, w)
	return &Balance{WalletID: w.ID, Currency: currency, Balance: w.Balance}, nil
}

const (
	DefaultStatementLimit = 50
	MaxStatementLimit     = 200
)

type Statement struct {
	WalletID uuid.UUID
	Currency domain.Currency
	Balance  int64
	Entries  []domain.LedgerEntry
	Total    int
}

// Statement pages through the wallet's ledger entries, newest first. Limits outside
// (0, MaxStatementLimit] fall back to DefaultStatementLimit.
func (b *Balances) Statement(ctx context.Context, ownerID uuid.UUID, currency domain.Currency, limit, offset int) (*Statement, error) {
	if !currency.IsValid() {
		return nil, fmt.Errorf("Statement: %w", domain.ErrInvalidCurrency)
	}
	if limit <= 0 || limit > MaxStatementLimit {
		limit = DefaultStatementLimit
	}
	if offset < 0 {
		offset = 0
	}

	w, err := b.wallets.GetOrCreate(ctx, ownerID, currency)
	if err != nil {
		return nil, fmt.Errorf("Statement: %w", err)
	}
	entries, total, err := b.entries.ListByWallet(ctx, w.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("Statement: %w", err)
	}
	return &Statement{WalletID: w.ID, Currency: currency, Balance: w.Balance, Entries: entries, Total: total}, nil
}
