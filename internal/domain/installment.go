package domain

import (
	"time"

	"github.com/google/uuid"
)

type InstallmentMode string

const (
	InstallmentModePayAfterEscrow     InstallmentMode = "PAY_AFTER_ESCROW"
	InstallmentModeDeliverThenCollect InstallmentMode = "DELIVER_THEN_COLLECT"
)

func (m InstallmentMode) IsValid() bool {
	return m == InstallmentModePayAfterEscrow || m == InstallmentModeDeliverThenCollect
}

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
)

type TrancheStatus string

const (
	TrancheStatusDue  TrancheStatus = "due"
	TrancheStatusPaid TrancheStatus = "paid"
)

type Tranche struct {
	Amount int64         `json:"amount"`
	DueAt  *time.Time    `json:"due_at,omitempty"`
	Status TrancheStatus `json:"status"`
	PaidAt *time.Time    `json:"paid_at,omitempty"`
}

type InstallmentPlan struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	Mode        InstallmentMode
	Schedule    []Tranche
	TotalAmount int64
	PaidAmount  int64
	Currency    Currency
	Status      PlanStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ScheduleSum adds tranche amounts in minor units.
func ScheduleSum(schedule []Tranche) int64 {
	var sum int64
	for _, t := range schedule {
		sum += t.Amount
	}
	return sum
}
