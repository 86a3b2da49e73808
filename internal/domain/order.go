package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusFunded         OrderStatus = "funded"
	OrderStatusInEscrow       OrderStatus = "in_escrow"
	OrderStatusInstallments   OrderStatus = "installments"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

type Order struct {
	ID         uuid.UUID
	CustomerID uuid.UUID
	MerchantID uuid.UUID
	Amount     int64
	Currency   Currency
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
