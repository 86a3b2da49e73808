package domain

import (
	"time"

	"github.com/google/uuid"
)

type SplitType string

const (
	SplitTypeEqual  SplitType = "equal"
	SplitTypeCustom SplitType = "custom"
)

type SplitMethod string

const (
	SplitMethodWallet SplitMethod = "wallet"
	SplitMethodMpesa  SplitMethod = "mpesa"
	SplitMethodCard   SplitMethod = "card"
	SplitMethodBank   SplitMethod = "bank"
)

func (m SplitMethod) IsValid() bool {
	switch m {
	case SplitMethodWallet, SplitMethodMpesa, SplitMethodCard, SplitMethodBank:
		return true
	default:
		return false
	}
}

// LegType is the funding rail an external split leg is collected through.
func (m SplitMethod) LegType() FundingLegType {
	switch m {
	case SplitMethodMpesa:
		return FundingLegProviderMpesa
	case SplitMethodCard:
		return FundingLegProviderCard
	case SplitMethodBank:
		return FundingLegProviderBank
	default:
		return FundingLegWallet
	}
}

// LegStatusFromPayment maps an external payment status onto a split leg status.
func LegStatusFromPayment(s PaymentStatus) LegStatus {
	switch s {
	case PaymentStatusSuccess:
		return LegStatusCompleted
	case PaymentStatusFailed:
		return LegStatusFailed
	default:
		return LegStatusPending
	}
}

type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusCompleted LegStatus = "completed"
	LegStatusFailed    LegStatus = "failed"
)

func (s LegStatus) IsTerminal() bool {
	return s == LegStatusCompleted || s == LegStatusFailed
}

type SplitGroup struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	TotalAmount int64
	Currency    Currency
	SplitType   SplitType
	Description string
	Members     []SplitMember
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SplitMember struct {
	ID             uuid.UUID
	GroupID        uuid.UUID
	Position       int
	PayeeUserID    *uuid.UUID
	PayeeAccount   *string
	Method         SplitMethod
	Amount         int64
	Status         LegStatus
	OrderReference string
	ProviderRef    *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type SplitCounts struct {
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// Counts is derived from member statuses on every call.
func (g *SplitGroup) Counts() SplitCounts {
	var c SplitCounts
	for _, m := range g.Members {
		switch m.Status {
		case LegStatusCompleted:
			c.Completed++
		case LegStatusFailed:
			c.Failed++
		default:
			c.Pending++
		}
	}
	return c
}

// Status folds member statuses: all completed, any pending, otherwise failed.
func (g *SplitGroup) Status() LegStatus {
	c := g.Counts()
	switch {
	case len(g.Members) > 0 && c.Completed == len(g.Members):
		return LegStatusCompleted
	case c.Pending > 0:
		return LegStatusPending
	default:
		return LegStatusFailed
	}
}

// EqualShares divides total across n legs. The remainder goes one minor unit at a time
// to the first legs, so shares never differ by more than one unit.
func EqualShares(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	rem := total % int64(n)
	shares := make([]int64, n)
	for i := range shares {
		shares[i] = base
		if int64(i) < rem {
			shares[i]++
		}
	}
	return shares
}
