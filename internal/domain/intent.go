package domain

import (
	"time"

	"github.com/google/uuid"
)

type IntentStatus string

const (
	IntentStatusPending IntentStatus = "PENDING"
	IntentStatusSettled IntentStatus = "SETTLED"
	IntentStatusFailed  IntentStatus = "FAILED"
)

func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusSettled || s == IntentStatusFailed
}

type FundingLegType string

const (
	FundingLegWallet        FundingLegType = "BRIDGE_WALLET"
	FundingLegProviderMpesa FundingLegType = "PROVIDER_MPESA"
	FundingLegProviderBank  FundingLegType = "PROVIDER_BANK"
	FundingLegProviderCard  FundingLegType = "PROVIDER_CARD"
)

func (t FundingLegType) IsValid() bool {
	switch t {
	case FundingLegWallet, FundingLegProviderMpesa, FundingLegProviderBank, FundingLegProviderCard:
		return true
	default:
		return false
	}
}

func (t FundingLegType) IsExternal() bool {
	return t.IsValid() && t != FundingLegWallet
}

// ProviderAction is the gateway action used to collect an external leg.
func (t FundingLegType) ProviderAction() string {
	switch t {
	case FundingLegProviderMpesa:
		return ActionSTKPush
	case FundingLegProviderBank:
		return ActionBankTransfer
	case FundingLegProviderCard:
		return ActionCardCharge
	default:
		return ""
	}
}

type FundingLeg struct {
	Type    FundingLegType `json:"type"`
	Amount  int64          `json:"amount"`
	Account string         `json:"account,omitempty"`
}

type PaymentIntent struct {
	ID          uuid.UUID
	CustomerID  uuid.UUID
	MerchantID  uuid.UUID
	OrderID     *uuid.UUID
	AmountDue   int64
	Currency    Currency
	Status      IntentStatus
	FundingPlan []FundingLeg
	Autopilot   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SettledAt   *time.Time
	FailedAt    *time.Time
}

// FundingPlanSum adds leg amounts in minor units.
func FundingPlanSum(plan []FundingLeg) int64 {
	var sum int64
	for _, l := range plan {
		sum += l.Amount
	}
	return sum
}

// AggregateIntentStatus derives the intent status from its leg statuses alone:
// any failed leg fails the intent, all succeeded legs settle it, anything else is pending.
func AggregateIntentStatus(legs []PaymentStatus) IntentStatus {
	if len(legs) == 0 {
		return IntentStatusPending
	}
	settled := true
	for _, s := range legs {
		switch s {
		case PaymentStatusFailed:
			return IntentStatusFailed
		case PaymentStatusSuccess:
		default:
			settled = false
		}
	}
	if settled {
		return IntentStatusSettled
	}
	return IntentStatusPending
}

// AutopilotPlan covers amountDue from the wallet balance first and takes the rest from M-Pesa.
func AutopilotPlan(amountDue, walletBalance int64, phone string) []FundingLeg {
	var plan []FundingLeg
	fromWallet := min(max(walletBalance, 0), amountDue)
	if fromWallet > 0 {
		plan = append(plan, FundingLeg{Type: FundingLegWallet, Amount: fromWallet})
	}
	if rest := amountDue - fromWallet; rest > 0 {
		plan = append(plan, FundingLeg{Type: FundingLegProviderMpesa, Amount: rest, Account: phone})
	}
	return plan
}
