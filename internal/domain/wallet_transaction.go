package domain

import (
	"time"

	"github.com/google/uuid"
)

type WalletTxType string

const (
	WalletTxDebit  WalletTxType = "DEBIT"
	WalletTxRefund WalletTxType = "REFUND"
	WalletTxTopUp  WalletTxType = "TOPUP"
)

// WalletTransaction is the user-facing record of a wallet movement made on behalf of an intent or top-up.
type WalletTransaction struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	WalletID  uuid.UUID
	IntentID  *uuid.UUID
	Type      WalletTxType
	Amount    int64
	Currency  Currency
	Status    PaymentStatus
	LedgerRef string
	RefundOf  *uuid.UUID
	CreatedAt time.Time
}

// RefundRefs are the compensating ledger refs for a wallet debit.
func (t *WalletTransaction) RefundRefs() (credit, clearing string) {
	return t.ID.String() + "-refund", t.ID.String() + "-refund-clearing"
}
