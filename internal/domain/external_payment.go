package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provider actions understood by the gateway.
const (
	ActionSTKPush       = "stk_push"
	ActionWalletPayment = "wallet_payment"
	ActionBankTransfer  = "bank_transfer"
	ActionCardCharge    = "card_charge"
	ActionRefund        = "refund"
	ActionStatus        = "transaction_status"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

// PaymentStatusFromNormalized maps a normalized provider status onto a local payment status.
func PaymentStatusFromNormalized(s NormalizedStatus) PaymentStatus {
	switch s {
	case NormalizedCompleted:
		return PaymentStatusSuccess
	case NormalizedFailed:
		return PaymentStatusFailed
	default:
		return PaymentStatusPending
	}
}

// NormalizedStatus is the fixed vocabulary every provider status is folded into.
type NormalizedStatus string

const (
	NormalizedCompleted NormalizedStatus = "completed"
	NormalizedFailed    NormalizedStatus = "failed"
	NormalizedPending   NormalizedStatus = "pending"
)

type ExternalPaymentPurpose string

const (
	PurposeIntentLeg ExternalPaymentPurpose = "intent_leg"
	PurposeTopUp     ExternalPaymentPurpose = "topup"
	PurposeSplitLeg  ExternalPaymentPurpose = "split_leg"
	PurposeRefund    ExternalPaymentPurpose = "refund"
)

// ExternalPayment tracks one request against a provider rail, or one wallet leg of an intent.
type ExternalPayment struct {
	ID             uuid.UUID
	Purpose        ExternalPaymentPurpose
	IntentID       *uuid.UUID
	LegIndex       *int
	SplitMemberID  *uuid.UUID
	UserID         uuid.UUID
	LegType        FundingLegType
	Action         string
	Amount         int64
	Currency       Currency
	Account        *string
	Status         PaymentStatus
	OrderReference string
	ProviderRef    *string
	CreditWalletID *uuid.UUID
	LastError      *string
	RawResponse    json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreditRefs are the ledger refs used when a successful payment credits a wallet from the rail.
func (p *ExternalPayment) CreditRefs() (railRef, creditRef string) {
	return "xp-" + p.ID.String() + "-rail", "xp-" + p.ID.String() + "-credit"
}
