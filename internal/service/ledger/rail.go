package ledger

import (
	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
)

// RailCreditLegs bring the money of a successful external payment onto the platform: the
// rail wallet is debited and the payment's credit wallet is credited.
func RailCreditLegs(railWalletID uuid.UUID, p *domain.ExternalPayment, meta domain.EntryMetadata) []PostRequest {
	railRef, creditRef := p.CreditRefs()
	ref := p.OrderReference
	return []PostRequest{
		{
			WalletID:             railWalletID,
			CounterpartyWalletID: p.CreditWalletID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               p.Amount,
			Currency:             p.Currency,
			Ref:                  railRef,
			ExternalRef:          &ref,
			Narration:            "External collection " + p.Action,
			Metadata:             meta,
		},
		{
			WalletID:             *p.CreditWalletID,
			CounterpartyWalletID: &railWalletID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               p.Amount,
			Currency:             p.Currency,
			Ref:                  creditRef,
			ExternalRef:          &ref,
			Narration:            "External collection " + p.Action,
			Metadata:             meta,
		},
	}
}

// RailReturnLegs send a collected external payment back out through the rail, reversing
// RailCreditLegs.
func RailReturnLegs(railWalletID uuid.UUID, p *domain.ExternalPayment, meta domain.EntryMetadata) []PostRequest {
	prefix := "xp-" + p.ID.String() + "-return"
	ref := p.OrderReference
	return []PostRequest{
		{
			WalletID:             *p.CreditWalletID,
			CounterpartyWalletID: &railWalletID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               p.Amount,
			Currency:             p.Currency,
			Ref:                  prefix + "-debit",
			ExternalRef:          &ref,
			Narration:            "External refund " + p.Action,
			Metadata:             meta,
		},
		{
			WalletID:             railWalletID,
			CounterpartyWalletID: p.CreditWalletID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               p.Amount,
			Currency:             p.Currency,
			Ref:                  prefix + "-rail",
			ExternalRef:          &ref,
			Narration:            "External refund " + p.Action,
			Metadata:             meta,
		},
	}
}
