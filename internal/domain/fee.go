package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType names the settlement flow a fee belongs to.
type TransactionType string

const (
	TxOrderPayNow          TransactionType = "ORDER_PAY_NOW"
	TxEscrowFund           TransactionType = "ESCROW_FUND"
	TxEscrowRelease        TransactionType = "ESCROW_RELEASE"
	TxInstallmentTranche   TransactionType = "INSTALLMENT_TRANCHE"
	TxInstallmentCompleted TransactionType = "INSTALLMENT_COMPLETED"
	TxSplit                TransactionType = "SPLIT"
	TxTopUp                TransactionType = "TOPUP"
	TxPaymentIntent        TransactionType = "PAYMENT_INTENT"
)

// FeeCategory is the catalog bucket a flow's fees are looked up under.
type FeeCategory string

const (
	FeeCategoryMerchantPayment FeeCategory = "MERCHANT_PAYMENT"
	FeeCategoryProject         FeeCategory = "PROJECT"
	FeeCategoryScheduled       FeeCategory = "SCHEDULED"
	FeeCategorySplit           FeeCategory = "SPLIT"
	FeeCategoryTopUp           FeeCategory = "TOPUP"
)

func (t TransactionType) Category() FeeCategory {
	switch t {
	case TxEscrowFund:
		return FeeCategoryProject
	case TxEscrowRelease, TxOrderPayNow, TxPaymentIntent:
		return FeeCategoryMerchantPayment
	case TxInstallmentTranche, TxInstallmentCompleted:
		return FeeCategoryScheduled
	case TxSplit:
		return FeeCategorySplit
	case TxTopUp:
		return FeeCategoryTopUp
	default:
		return FeeCategory(t)
	}
}

type FeeKind string

const (
	FeeKindFlat       FeeKind = "FLAT"
	FeeKindPercentage FeeKind = "PERCENTAGE"
	FeeKindTiered     FeeKind = "TIERED"
)

type FeePayer string

const (
	FeePayerCustomer FeePayer = "CUSTOMER"
	FeePayerMerchant FeePayer = "MERCHANT"
)

// FeeTier applies to base amounts up to UpTo (inclusive). A nil UpTo is open-ended.
type FeeTier struct {
	UpTo *int64          `json:"upto,omitempty"`
	Flat int64           `json:"flat,omitempty"`
	Rate decimal.Decimal `json:"rate"`
}

type FeeRule struct {
	Code      string
	Name      string
	AppliesTo FeeCategory
	Kind      FeeKind
	Flat      int64
	Rate      decimal.Decimal
	Tiers     []FeeTier
	Min       *int64
	Max       *int64
	Payer     FeePayer
	Currency  *Currency
	Active    bool
}

type BillingStatus string

const (
	BillingStatusPending BillingStatus = "pending"
	BillingStatusPosted  BillingStatus = "posted"
)

type BillingEntry struct {
	ID              uuid.UUID
	Ref             string
	TransactionType TransactionType
	TransactionID   string
	FeeCode         string
	Amount          int64
	Currency        Currency
	Payer           FeePayer
	PayerWalletID   *uuid.UUID
	Direction       EntryType
	Status          BillingStatus
	CreatedAt       time.Time
	PostedAt        *time.Time
}

// FeeOverride is a merchant-specific replacement for a catalog rule's flat amount or rate.
type FeeOverride struct {
	MerchantID uuid.UUID
	FeeCode    string
	Flat       *int64
	Rate       *decimal.Decimal
}
