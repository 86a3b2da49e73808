package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type orderRepo interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.OrderStatus) error
}

type userRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type feeApplier interface {
	ApplyAfterCommit(ctx context.Context, req billing.ApplyRequest) []domain.Outcome
}

type Service struct {
	orders orderRepo
	users  userRepo
	ledger ledgerPoster
	fees   feeApplier
	db     *sql.DB
}

func NewService(orders orderRepo, users userRepo, ledger ledgerPoster, fees feeApplier, db *sql.DB) *Service {
	return &Service{orders: orders, users: users, ledger: ledger, fees: fees, db: db}
}

type CreateRequest struct {
	CustomerID uuid.UUID
	MerchantID uuid.UUID
	Amount     int64
	Currency   domain.Currency
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Order, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidAmount)
	}
	if !req.Currency.IsValid() {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidCurrency)
	}
	if req.CustomerID == req.MerchantID {
		return nil, fmt.Errorf("Create: customer and merchant are the same user: %w", domain.ErrInvalidRequest)
	}
	merchant, err := s.users.GetByID(ctx, req.MerchantID)
	if err != nil {
		return nil, fmt.Errorf("Create: merchant: %w", err)
	}
	if merchant.Role != domain.UserRoleMerchant {
		return nil, fmt.Errorf("Create: user %s is not a merchant: %w", merchant.ID, domain.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	o := &domain.Order{
		ID:         uuid.New(),
		CustomerID: req.CustomerID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Status:     domain.OrderStatusPendingPayment,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	logging.FromContext(ctx).Info("order created", "order_id", o.ID, "amount", o.Amount, "currency", o.Currency)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return o, nil
}

// PayNowRefs are the ledger refs of an immediate order payment.
func PayNowRefs(orderID uuid.UUID) (customer, merchant string) {
	prefix := "ord-" + orderID.String()
	return prefix + "-cust-debit", prefix + "-mrc-credit"
}

type PayResult struct {
	Order    *domain.Order     `json:"order"`
	Debit    ledger.PostResult `json:"debit"`
	Conflict bool              `json:"conflict"`
}

// PayNow moves the order amount from customer to merchant and marks the order paid.
// Paying a paid order again replays the original movement.
func (s *Service) PayNow(ctx context.Context, orderID uuid.UUID) (*PayResult, error) {
	log := logging.FromContext(ctx).With("order_id", orderID)

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("PayNow: %w", err)
	}
	customer, err := s.ledger.WalletFor(ctx, order.CustomerID, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("PayNow: %w", err)
	}
	merchant, err := s.ledger.WalletFor(ctx, order.MerchantID, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("PayNow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("PayNow: begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err = s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("PayNow: %w", err)
	}
	if order.Status != domain.OrderStatusPendingPayment && order.Status != domain.OrderStatusPaid {
		return nil, fmt.Errorf("PayNow: order is %s: %w", order.Status, domain.ErrInvalidStatus)
	}

	custRef, mrcRef := PayNowRefs(orderID)
	meta := domain.EntryMetadata{CorrelationID: "ord-" + orderID.String(), OrderID: &orderID}
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             customer.ID,
			CounterpartyWalletID: &merchant.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               order.Amount,
			Currency:             order.Currency,
			Ref:                  custRef,
			Narration:            "Order payment",
			Metadata:             meta,
		},
		{
			WalletID:             merchant.ID,
			CounterpartyWalletID: &customer.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               order.Amount,
			Currency:             order.Currency,
			Ref:                  mrcRef,
			Narration:            "Order payment",
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("PayNow: %w", err)
	}
	if order.Status != domain.OrderStatusPaid {
		if err := s.orders.UpdateStatus(ctx, tx, orderID, domain.OrderStatusPaid); err != nil {
			return nil, fmt.Errorf("PayNow: %w", err)
		}
		order.Status = domain.OrderStatusPaid
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("PayNow: commit: %w", err)
	}

	outcomes := s.ledger.AfterCommit(ctx, batch)
	if !batch.Conflict {
		outcomes = append(outcomes, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
			TransactionType:  domain.TxOrderPayNow,
			TransactionID:    orderID.String(),
			BaseAmount:       order.Amount,
			Currency:         order.Currency,
			MerchantID:       &order.MerchantID,
			CustomerWalletID: &customer.ID,
			MerchantWalletID: &merchant.ID,
		})...)
	}
	logging.Outcomes(ctx, outcomes...)

	log.Info("order paid", "amount", order.Amount, "conflict", batch.Conflict)
	return &PayResult{Order: order, Debit: batch.Legs[0], Conflict: batch.Conflict}, nil
}
