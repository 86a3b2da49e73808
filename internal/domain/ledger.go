package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EntryType string

const (
	EntryTypeDebit  EntryType = "debit"
	EntryTypeCredit EntryType = "credit"
)

// Signed returns amount with the sign it applies to the wallet balance.
func (t EntryType) Signed(amount int64) int64 {
	if t == EntryTypeDebit {
		return -amount
	}
	return amount
}

type EntryStatus string

const (
	EntryStatusPosted EntryStatus = "posted"
	EntryStatusVoid   EntryStatus = "void"
)

// EntryMetadata holds the keys business logic reads back. Anything else a caller wants
// to keep goes into Extra and is only ever stored.
type EntryMetadata struct {
	CorrelationID   string          `json:"correlation_id,omitempty"`
	OrderID         *uuid.UUID      `json:"order_id,omitempty"`
	PlanID          *uuid.UUID      `json:"plan_id,omitempty"`
	SplitGroupID    *uuid.UUID      `json:"split_group_id,omitempty"`
	PaymentIntentID *uuid.UUID      `json:"payment_intent_id,omitempty"`
	FeeRef          string          `json:"fee_ref,omitempty"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

type LedgerEntry struct {
	ID                   uuid.UUID
	WalletID             uuid.UUID
	CounterpartyWalletID *uuid.UUID
	EntryType            EntryType
	Amount               int64
	Currency             Currency
	Status               EntryStatus
	Ref                  string
	ExternalRef          *string
	Narration            string
	Metadata             EntryMetadata
	BalanceAfter         *int64
	CreatedAt            time.Time
	PostedAt             *time.Time
}
