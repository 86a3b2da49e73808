package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/metrics"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
)

type walletRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetOrCreate(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Wallet, error)
	UpdateBalance(ctx context.Context, tx *sql.Tx, id uuid.UUID, newBalance int64, newVersion int64) error
}

type entryRepo interface {
	Insert(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) (bool, error)
	GetByRefs(ctx context.Context, q repository.Querier, refs []string) (map[string]domain.LedgerEntry, error)
}

type balanceCache interface {
	Invalidate(ctx context.Context, walletID uuid.UUID, currency domain.Currency) error
}

// PostRequest is one leg of a movement.
type PostRequest struct {
	WalletID             uuid.UUID
	CounterpartyWalletID *uuid.UUID
	EntryType            domain.EntryType
	Amount               int64
	Currency             domain.Currency
	Ref                  string
	ExternalRef          *string
	Narration            string
	Metadata             domain.EntryMetadata
}

type PostResult struct {
	LedgerID     uuid.UUID `json:"ledger_id"`
	WalletID     uuid.UUID `json:"wallet_id"`
	Ref          string    `json:"ref"`
	BalanceAfter int64     `json:"balance_after"`
	Conflict     bool      `json:"conflict"`
}

// BatchResult is the outcome of an atomic multi-leg post. Conflict is set when the batch
// had already been applied and nothing changed.
type BatchResult struct {
	Legs     []PostResult
	Conflict bool

	touched []touchedWallet
}

type touchedWallet struct {
	id       uuid.UUID
	currency domain.Currency
}

// Store is the only writer of wallet balances. Every balance change is a ledger entry whose
// unique ref makes the post safe to repeat.
type Store struct {
	wallets walletRepo
	entries entryRepo
	cache   balanceCache
	db      *sql.DB
}

func NewStore(wallets walletRepo, entries entryRepo, cache balanceCache, db *sql.DB) *Store {
	return &Store{wallets: wallets, entries: entries, cache: cache, db: db}
}

// Post applies a single leg.
func (s *Store) Post(ctx context.Context, req PostRequest) (*PostResult, error) {
	res, err := s.PostBatch(ctx, []PostRequest{req})
	if err != nil {
		return nil, fmt.Errorf("Post: %w", err)
	}
	return &res.Legs[0], nil
}

// PostBatch applies all legs in one transaction, or none of them.
func (s *Store) PostBatch(ctx context.Context, reqs []PostRequest) (*BatchResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("PostBatch: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := s.PostTx(ctx, tx, reqs)
	if err != nil {
		return nil, fmt.Errorf("PostBatch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		metrics.LedgerPosts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("PostBatch: commit: %w", err)
	}

	logging.Outcomes(ctx, s.AfterCommit(ctx, res)...)
	return res, nil
}

// PostTx applies legs inside the caller's transaction. The caller must commit and then call
// AfterCommit with the result.
func (s *Store) PostTx(ctx context.Context, tx *sql.Tx, reqs []PostRequest) (*BatchResult, error) {
	if err := validate(reqs); err != nil {
		metrics.LedgerPosts.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("PostTx: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.WalletID)
	}
	locked, err := lockWalletsInOrder(ctx, tx, s.wallets, ids...)
	if err != nil {
		return nil, fmt.Errorf("PostTx: %w", err)
	}

	// Checked after the locks are held: a concurrent post of the same refs has either
	// committed by now or holds none of our wallets.
	refs := refsOf(reqs)
	existing, err := s.entries.GetByRefs(ctx, tx, refs)
	if err != nil {
		return nil, fmt.Errorf("PostTx: %w", err)
	}
	if len(existing) > 0 {
		metrics.LedgerPosts.WithLabelValues("replay").Inc()
		return replay(reqs, existing), nil
	}

	if _, err := tx.ExecContext(ctx, `SAVEPOINT ledger_post`); err != nil {
		return nil, fmt.Errorf("PostTx: savepoint: %w", err)
	}

	res, raced, err := s.apply(ctx, tx, reqs, locked)
	if err != nil {
		metrics.LedgerPosts.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("PostTx: %w", err)
	}
	if raced {
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT ledger_post`); err != nil {
			return nil, fmt.Errorf("PostTx: rollback to savepoint: %w", err)
		}
		existing, err := s.entries.GetByRefs(ctx, tx, refs)
		if err != nil {
			return nil, fmt.Errorf("PostTx: %w", err)
		}
		metrics.LedgerPosts.WithLabelValues("replay").Inc()
		return replay(reqs, existing), nil
	}

	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT ledger_post`); err != nil {
		return nil, fmt.Errorf("PostTx: release savepoint: %w", err)
	}
	metrics.LedgerPosts.WithLabelValues("posted").Inc()
	return res, nil
}

// apply writes each leg against the locked wallets. raced reports that another transaction
// inserted one of the refs first.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, reqs []PostRequest, locked map[uuid.UUID]*domain.Wallet) (*BatchResult, bool, error) {
	now := time.Now().UTC()
	res := &BatchResult{Legs: make([]PostResult, 0, len(reqs))}
	seen := make(map[uuid.UUID]bool, len(locked))

	for _, r := range reqs {
		w := locked[r.WalletID]
		if w.Status != domain.WalletStatusActive {
			return nil, false, fmt.Errorf("apply: wallet %s: %w", w.ID, domain.ErrWalletDisabled)
		}
		if w.Currency != r.Currency {
			return nil, false, fmt.Errorf("apply: wallet %s holds %s: %w", w.ID, w.Currency, domain.ErrCurrencyMismatch)
		}

		newBalance := w.Balance + r.EntryType.Signed(r.Amount)
		if newBalance < 0 && !w.Kind.AllowsNegative() {
			return nil, false, fmt.Errorf("apply: wallet %s: %w", w.ID, domain.ErrInsufficientFunds)
		}

		entry := &domain.LedgerEntry{
			ID:                   uuid.New(),
			WalletID:             w.ID,
			CounterpartyWalletID: r.CounterpartyWalletID,
			EntryType:            r.EntryType,
			Amount:               r.Amount,
			Currency:             r.Currency,
			Status:               domain.EntryStatusPosted,
			Ref:                  r.Ref,
			ExternalRef:          r.ExternalRef,
			Narration:            r.Narration,
			Metadata:             r.Metadata,
			BalanceAfter:         &newBalance,
			CreatedAt:            now,
			PostedAt:             &now,
		}
		inserted, err := s.entries.Insert(ctx, tx, entry)
		if err != nil {
			return nil, false, fmt.Errorf("apply: %w", err)
		}
		if !inserted {
			return nil, true, nil
		}

		if err := s.wallets.UpdateBalance(ctx, tx, w.ID, newBalance, w.Version+1); err != nil {
			return nil, false, fmt.Errorf("apply: %w", err)
		}
		w.Balance = newBalance
		w.Version++

		res.Legs = append(res.Legs, PostResult{
			LedgerID:     entry.ID,
			WalletID:     w.ID,
			Ref:          r.Ref,
			BalanceAfter: newBalance,
		})
		if !seen[w.ID] {
			seen[w.ID] = true
			res.touched = append(res.touched, touchedWallet{id: w.ID, currency: w.Currency})
		}
	}
	return res, false, nil
}

// AfterCommit runs the post-commit side effects of a batch. Each returned outcome is
// informational only.
func (s *Store) AfterCommit(ctx context.Context, res *BatchResult) []domain.Outcome {
	if res == nil || s.cache == nil {
		return nil
	}
	outcomes := make([]domain.Outcome, 0, len(res.touched))
	for _, t := range res.touched {
		effect := "invalidate balance cache " + t.id.String()
		if err := s.cache.Invalidate(ctx, t.id, t.currency); err != nil {
			outcomes = append(outcomes, domain.Failed(effect, err))
			continue
		}
		outcomes = append(outcomes, domain.Succeeded(effect))
	}
	return outcomes
}

// WalletFor returns the wallet of (owner, currency), creating it on first use.
func (s *Store) WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	if !currency.IsValid() {
		return nil, fmt.Errorf("WalletFor: %w", domain.ErrInvalidCurrency)
	}
	w, err := s.wallets.GetOrCreate(ctx, ownerID, currency)
	if err != nil {
		return nil, fmt.Errorf("WalletFor: %w", err)
	}
	return w, nil
}

func validate(reqs []PostRequest) error {
	if len(reqs) == 0 {
		return fmt.Errorf("validate: no legs: %w", domain.ErrInvalidRequest)
	}
	refs := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if r.Amount <= 0 {
			return fmt.Errorf("validate: %s: %w", r.Ref, domain.ErrInvalidAmount)
		}
		if r.Ref == "" {
			return fmt.Errorf("validate: empty ref: %w", domain.ErrInvalidRequest)
		}
		if refs[r.Ref] {
			return fmt.Errorf("validate: duplicate ref %s: %w", r.Ref, domain.ErrInvalidRequest)
		}
		refs[r.Ref] = true
		if r.EntryType != domain.EntryTypeDebit && r.EntryType != domain.EntryTypeCredit {
			return fmt.Errorf("validate: entry type %q: %w", r.EntryType, domain.ErrInvalidRequest)
		}
		if !r.Currency.IsValid() {
			return fmt.Errorf("validate: %w", domain.ErrInvalidCurrency)
		}
	}
	return nil
}

func refsOf(reqs []PostRequest) []string {
	refs := make([]string, len(reqs))
	for i, r := range reqs {
		refs[i] = r.Ref
	}
	return refs
}

// replay rebuilds the original result from stored entries. Legs that were never stored
// come back with only their ref set.
func replay(reqs []PostRequest, existing map[string]domain.LedgerEntry) *BatchResult {
	res := &BatchResult{Legs: make([]PostResult, len(reqs)), Conflict: true}
	for i, r := range reqs {
		leg := PostResult{WalletID: r.WalletID, Ref: r.Ref, Conflict: true}
		if e, ok := existing[r.Ref]; ok {
			leg.LedgerID = e.ID
			leg.WalletID = e.WalletID
			if e.BalanceAfter != nil {
				leg.BalanceAfter = *e.BalanceAfter
			}
		}
		res.Legs[i] = leg
	}
	return res
}

func lockWalletsInOrder(ctx context.Context, tx *sql.Tx, wallets walletRepo, ids ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	unique := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Slice(unique, func(i, j int) bool {
		return unique[i].String() < unique[j].String()
	})

	result := make(map[uuid.UUID]*domain.Wallet, len(unique))
	for _, id := range unique {
		w, err := wallets.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lockWalletsInOrder: %w", err)
		}
		result[id] = w
	}
	return result, nil
}
