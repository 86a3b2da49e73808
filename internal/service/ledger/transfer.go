package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
)

type TransferRequest struct {
	FromOwnerID    uuid.UUID
	ToOwnerID      uuid.UUID
	Currency       domain.Currency
	Amount         int64
	IdempotencyKey string
	Narration      string
}

type TransferResult struct {
	Debit    PostResult `json:"debit"`
	Credit   PostResult `json:"credit"`
	Conflict bool       `json:"conflict"`
}

// TransferRefs are the ledger refs of a peer-to-peer transfer keyed by the caller's
// idempotency key.
func TransferRefs(key string) (debit, credit string) {
	return "p2p-" + key + "-debit", "p2p-" + key + "-credit"
}

// Transfer moves funds between two owners' wallets as one two-leg post.
func (s *Store) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	log := logging.FromContext(ctx)

	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("Transfer: idempotency key required: %w", domain.ErrInvalidRequest)
	}
	if req.FromOwnerID == req.ToOwnerID {
		return nil, fmt.Errorf("Transfer: self transfer: %w", domain.ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("Transfer: %w", domain.ErrInvalidAmount)
	}

	from, err := s.WalletFor(ctx, req.FromOwnerID, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("Transfer: sender: %w", err)
	}
	to, err := s.WalletFor(ctx, req.ToOwnerID, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("Transfer: recipient: %w", err)
	}

	debitRef, creditRef := TransferRefs(req.IdempotencyKey)
	meta := domain.EntryMetadata{CorrelationID: "p2p-" + req.IdempotencyKey}
	res, err := s.PostBatch(ctx, []PostRequest{
		{
			WalletID:             from.ID,
			CounterpartyWalletID: &to.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               req.Amount,
			Currency:             req.Currency,
			Ref:                  debitRef,
			Narration:            req.Narration,
			Metadata:             meta,
		},
		{
			WalletID:             to.ID,
			CounterpartyWalletID: &from.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               req.Amount,
			Currency:             req.Currency,
			Ref:                  creditRef,
			Narration:            req.Narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Transfer: %w", err)
	}

	log.Info("transfer posted",
		"from_wallet", from.ID,
		"to_wallet", to.ID,
		"amount", req.Amount,
		"currency", req.Currency,
		"conflict", res.Conflict,
	)

	return &TransferResult{Debit: res.Legs[0], Credit: res.Legs[1], Conflict: res.Conflict}, nil
}
