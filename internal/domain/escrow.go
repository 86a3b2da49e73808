package domain

import (
	"time"

	"github.com/google/uuid"
)

type EscrowStatus string

const (
	EscrowStatusFunded    EscrowStatus = "funded"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusCancelled EscrowStatus = "cancelled"
)

func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusCancelled
}

type EscrowHold struct {
	ID               uuid.UUID
	OrderID          uuid.UUID
	HoldAmount       int64
	Currency         Currency
	Status           EscrowStatus
	EscrowWalletID   uuid.UUID
	CustomerWalletID uuid.UUID
	ReleaseCondition string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ReleasedAt       *time.Time
	CancelledAt      *time.Time
}
