package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type feeRepo interface {
	ListActive(ctx context.Context, category domain.FeeCategory) ([]domain.FeeRule, error)
	ListOverrides(ctx context.Context, merchantID uuid.UUID) (map[string]domain.FeeOverride, error)
	Upsert(ctx context.Context, rule *domain.FeeRule) error
}

type billingRepo interface {
	Insert(ctx context.Context, q repository.Querier, e *domain.BillingEntry) (bool, error)
	LockPending(ctx context.Context, tx *sql.Tx, txType domain.TransactionType, txID, legacyPrefix string) ([]domain.BillingEntry, error)
	MarkPosted(ctx context.Context, q repository.Querier, id uuid.UUID, payerWalletID *uuid.UUID) error
	ListByTransaction(ctx context.Context, txType domain.TransactionType, txID string) ([]domain.BillingEntry, error)
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type catalogCache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration)
	DeletePattern(ctx context.Context, pattern string) error
}

const maxRefLen = 120

// FeeRef is the billing line ref of one fee code on one transaction.
func FeeRef(txType domain.TransactionType, txID, feeCode string) string {
	ref := fmt.Sprintf("fee-%s-%s-%s", strings.ToLower(string(txType)), txID, feeCode)
	if len(ref) > maxRefLen {
		ref = ref[:maxRefLen]
	}
	return ref
}

// LegacyIntentPrefix matches fee lines frozen for an intent before fee refs carried the
// transaction type.
func LegacyIntentPrefix(intentID uuid.UUID) string {
	return "fee-intent-" + intentID.String() + "-"
}

type Engine struct {
	fees     feeRepo
	billing  billingRepo
	ledger   ledgerPoster
	cache    catalogCache
	cacheTTL time.Duration
	db       *sql.DB
}

func NewEngine(fees feeRepo, billing billingRepo, ledger ledgerPoster, cache catalogCache, cacheTTL time.Duration, db *sql.DB) *Engine {
	return &Engine{fees: fees, billing: billing, ledger: ledger, cache: cache, cacheTTL: cacheTTL, db: db}
}

// ApplyRequest describes the movement fees are charged on. Payer wallets are optional; a fee
// whose payer wallet is unknown is recorded pending and collected by a later SettleFees.
type ApplyRequest struct {
	TransactionType  domain.TransactionType
	TransactionID    string
	BaseAmount       int64
	Currency         domain.Currency
	MerchantID       *uuid.UUID
	CustomerWalletID *uuid.UUID
	MerchantWalletID *uuid.UUID
}

type FeeLine struct {
	Ref     string          `json:"ref"`
	FeeCode string          `json:"fee_code"`
	Amount  int64           `json:"amount"`
	Payer   domain.FeePayer `json:"payer"`
}

type ApplyResult struct {
	Lines    []FeeLine        `json:"lines"`
	Total    int64            `json:"total"`
	Settled  *SettleResult    `json:"settled,omitempty"`
	Outcomes []domain.Outcome `json:"-"`
}

// Quote prices every active rule for a transaction type without writing anything.
func (e *Engine) Quote(ctx context.Context, txType domain.TransactionType, txID string, base int64, currency domain.Currency, merchantID *uuid.UUID) ([]FeeLine, error) {
	rules, err := e.rules(ctx, txType.Category())
	if err != nil {
		return nil, fmt.Errorf("Quote: %w", err)
	}

	overrides := map[string]domain.FeeOverride{}
	if merchantID != nil {
		overrides, err = e.fees.ListOverrides(ctx, *merchantID)
		if err != nil {
			return nil, fmt.Errorf("Quote: %w", err)
		}
	}

	var lines []FeeLine
	for _, rule := range rules {
		if rule.Currency != nil && *rule.Currency != currency {
			continue
		}
		var ov *domain.FeeOverride
		if o, ok := overrides[rule.Code]; ok {
			ov = &o
		}
		amount := Compute(rule, ov, base)
		if amount <= 0 {
			continue
		}
		lines = append(lines, FeeLine{
			Ref:     FeeRef(txType, txID, rule.Code),
			FeeCode: rule.Code,
			Amount:  amount,
			Payer:   rule.Payer,
		})
	}
	return lines, nil
}

// ApplyFees records the fee lines of a transaction and collects those whose payer wallet is
// known. Repeating the call for the same transaction changes nothing.
func (e *Engine) ApplyFees(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	log := logging.FromContext(ctx)

	if req.BaseAmount <= 0 {
		return nil, fmt.Errorf("ApplyFees: %w", domain.ErrInvalidAmount)
	}
	lines, err := e.Quote(ctx, req.TransactionType, req.TransactionID, req.BaseAmount, req.Currency, req.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("ApplyFees: %w", err)
	}

	res := &ApplyResult{Lines: lines}
	if len(lines) == 0 {
		return res, nil
	}

	now := time.Now().UTC()
	for _, l := range lines {
		res.Total += l.Amount
		_, err := e.billing.Insert(ctx, e.db, &domain.BillingEntry{
			ID:              uuid.New(),
			Ref:             l.Ref,
			TransactionType: req.TransactionType,
			TransactionID:   req.TransactionID,
			FeeCode:         l.FeeCode,
			Amount:          l.Amount,
			Currency:        req.Currency,
			Payer:           l.Payer,
			Direction:       domain.EntryTypeDebit,
			Status:          domain.BillingStatusPending,
			CreatedAt:       now,
		})
		if err != nil {
			return nil, fmt.Errorf("ApplyFees: %w", err)
		}
	}

	if req.CustomerWalletID == nil && req.MerchantWalletID == nil {
		log.Info("fees recorded pending",
			"transaction_type", req.TransactionType,
			"transaction_id", req.TransactionID,
			"total", res.Total,
		)
		return res, nil
	}

	settled, err := e.SettleFees(ctx, SettleRequest{
		TransactionType:  req.TransactionType,
		TransactionID:    req.TransactionID,
		CustomerWalletID: req.CustomerWalletID,
		MerchantWalletID: req.MerchantWalletID,
	})
	if err != nil {
		return nil, fmt.Errorf("ApplyFees: %w", err)
	}
	res.Settled = settled
	res.Outcomes = settled.Outcomes
	return res, nil
}

type SettleRequest struct {
	TransactionType  domain.TransactionType
	TransactionID    string
	LegacyPrefix     string
	CustomerWalletID *uuid.UUID
	MerchantWalletID *uuid.UUID
}

type SettleResult struct {
	Posted    int              `json:"posted"`
	Collected int64            `json:"collected"`
	Deferred  int              `json:"deferred"`
	Outcomes  []domain.Outcome `json:"-"`
}

// SettleFees flips the pending fee lines of a transaction to posted. Lines whose payer wallet
// is known are collected into the platform wallet first; a line that cannot be collected
// stays pending.
func (e *Engine) SettleFees(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	log := logging.FromContext(ctx)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("SettleFees: begin tx: %w", err)
	}
	defer tx.Rollback()

	pending, err := e.billing.LockPending(ctx, tx, req.TransactionType, req.TransactionID, req.LegacyPrefix)
	if err != nil {
		return nil, fmt.Errorf("SettleFees: %w", err)
	}

	res := &SettleResult{}
	var batches []*ledger.BatchResult
	for _, line := range pending {
		payerWallet := req.CustomerWalletID
		if line.Payer == domain.FeePayerMerchant {
			payerWallet = req.MerchantWalletID
		}

		if payerWallet != nil {
			batch, err := e.collect(ctx, tx, line, *payerWallet)
			if err != nil {
				res.Deferred++
				res.Outcomes = append(res.Outcomes, domain.Failed("collect fee "+line.Ref, err))
				continue
			}
			batches = append(batches, batch)
			res.Collected += line.Amount
		}

		if err := e.billing.MarkPosted(ctx, tx, line.ID, payerWallet); err != nil {
			return nil, fmt.Errorf("SettleFees: %w", err)
		}
		res.Posted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("SettleFees: commit: %w", err)
	}
	for _, b := range batches {
		res.Outcomes = append(res.Outcomes, e.ledger.AfterCommit(ctx, b)...)
	}

	if res.Posted > 0 || res.Deferred > 0 {
		log.Info("fees settled",
			"transaction_type", req.TransactionType,
			"transaction_id", req.TransactionID,
			"posted", res.Posted,
			"collected", res.Collected,
			"deferred", res.Deferred,
		)
	}
	return res, nil
}

// collect moves one fee line from the payer to the platform wallet. The legs run under their
// own savepoint so a payer short of funds leaves the rest of the settlement intact.
func (e *Engine) collect(ctx context.Context, tx *sql.Tx, line domain.BillingEntry, payerWalletID uuid.UUID) (*ledger.BatchResult, error) {
	platform, err := e.ledger.WalletFor(ctx, domain.PlatformOwnerID, line.Currency)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SAVEPOINT fee_line`); err != nil {
		return nil, fmt.Errorf("collect: savepoint: %w", err)
	}

	suffix := "-cust"
	if line.Payer == domain.FeePayerMerchant {
		suffix = "-mrc"
	}
	meta := domain.EntryMetadata{CorrelationID: line.Ref, FeeRef: line.Ref}
	narration := "Fee " + line.FeeCode
	batch, err := e.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             payerWalletID,
			CounterpartyWalletID: &platform.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               line.Amount,
			Currency:             line.Currency,
			Ref:                  line.Ref + suffix,
			Narration:            narration,
			Metadata:             meta,
		},
		{
			WalletID:             platform.ID,
			CounterpartyWalletID: &payerWalletID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               line.Amount,
			Currency:             line.Currency,
			Ref:                  line.Ref + "-plat",
			Narration:            narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT fee_line`); rbErr != nil {
			return nil, fmt.Errorf("collect: rollback to savepoint: %w", rbErr)
		}
		return nil, fmt.Errorf("collect: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT fee_line`); err != nil {
		return nil, fmt.Errorf("collect: release savepoint: %w", err)
	}
	return batch, nil
}

func (e *Engine) Lines(ctx context.Context, txType domain.TransactionType, txID string) ([]domain.BillingEntry, error) {
	lines, err := e.billing.ListByTransaction(ctx, txType, txID)
	if err != nil {
		return nil, fmt.Errorf("Lines: %w", err)
	}
	return lines, nil
}

func catalogKey(category domain.FeeCategory) string {
	return "fees:" + string(category)
}

func (e *Engine) rules(ctx context.Context, category domain.FeeCategory) ([]domain.FeeRule, error) {
	var cached []domain.FeeRule
	if e.cache != nil && e.cache.GetJSON(ctx, catalogKey(category), &cached) {
		return cached, nil
	}

	rules, err := e.fees.ListActive(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if e.cache != nil {
		e.cache.SetJSON(ctx, catalogKey(category), rules, e.cacheTTL)
	}
	return rules, nil
}

// LoadCatalog upserts rules into the fee catalog and drops the cached catalog.
func (e *Engine) LoadCatalog(ctx context.Context, rules []domain.FeeRule) (domain.Outcome, error) {
	for i := range rules {
		if err := e.fees.Upsert(ctx, &rules[i]); err != nil {
			return domain.Outcome{}, fmt.Errorf("LoadCatalog: %s: %w", rules[i].Code, err)
		}
	}

	effect := "invalidate fee catalog cache"
	if e.cache == nil {
		return domain.Succeeded(effect), nil
	}
	if err := e.cache.DeletePattern(ctx, "fees:*"); err != nil {
		return domain.Failed(effect, err), nil
	}
	return domain.Succeeded(effect), nil
}

// ApplyAfterCommit applies fees for a movement that has already committed. Fee failures never
// undo the movement, so they come back as outcomes only.
func (e *Engine) ApplyAfterCommit(ctx context.Context, req ApplyRequest) []domain.Outcome {
	effect := "apply fees " + string(req.TransactionType) + " " + req.TransactionID
	res, err := e.ApplyFees(ctx, req)
	if err != nil {
		return []domain.Outcome{domain.Failed(effect, err)}
	}
	return append([]domain.Outcome{domain.Succeeded(effect)}, res.Outcomes...)
}
