package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type orderRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.OrderStatus) error
}

type holdRepo interface {
	GetByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.EscrowHold, error)
	GetByOrderForUpdate(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) (*domain.EscrowHold, error)
	Upsert(ctx context.Context, tx *sql.Tx, hold *domain.EscrowHold) error
	AddAmount(ctx context.Context, tx *sql.Tx, id uuid.UUID, delta int64) error
	Transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, to domain.EscrowStatus, at time.Time) (bool, error)
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type feeApplier interface {
	ApplyAfterCommit(ctx context.Context, req billing.ApplyRequest) []domain.Outcome
}

// Result reports the hold after an escrow operation. Conflict is set when the operation had
// already happened and nothing moved.
type Result struct {
	OrderID    uuid.UUID           `json:"order_id"`
	HoldID     uuid.UUID           `json:"hold_id"`
	Status     domain.EscrowStatus `json:"status"`
	HoldAmount int64               `json:"hold_amount"`
	Currency   domain.Currency     `json:"currency"`
	Conflict   bool                `json:"conflict"`
}

type Service struct {
	orders orderRepo
	holds  holdRepo
	ledger ledgerPoster
	fees   feeApplier
	db     *sql.DB
}

func NewService(orders orderRepo, holds holdRepo, ledger ledgerPoster, fees feeApplier, db *sql.DB) *Service {
	return &Service{orders: orders, holds: holds, ledger: ledger, fees: fees, db: db}
}

// Refs of the escrow legs of an order.
func FundRefs(orderID uuid.UUID) (customer, escrow string) {
	return "esc-" + orderID.String() + "-fund-cust", "esc-" + orderID.String() + "-fund-escrow"
}

func ReleaseRefs(orderID uuid.UUID) (escrow, merchant string) {
	return "esc-" + orderID.String() + "-rel-escrow", "esc-" + orderID.String() + "-rel-merchant"
}

func CancelRefs(orderID uuid.UUID) (escrow, customer string) {
	return "esc-" + orderID.String() + "-cxl-escrow", "esc-" + orderID.String() + "-cxl-cust"
}

// Fund moves the order amount from the customer into the escrow holder wallet and opens the
// order's hold.
func (s *Service) Fund(ctx context.Context, orderID uuid.UUID, releaseCondition string) (*Result, error) {
	log := logging.FromContext(ctx)

	if releaseCondition == "" {
		releaseCondition = "manual"
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}
	customerWallet, err := s.ledger.WalletFor(ctx, order.CustomerID, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}
	escrowWallet, err := s.ledger.WalletFor(ctx, domain.EscrowOwnerID, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Fund: begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err = s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}

	if order.Status == domain.OrderStatusInEscrow {
		hold, err := s.holds.GetByOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return nil, fmt.Errorf("Fund: %w", err)
		}
		if hold.Status == domain.EscrowStatusFunded {
			return resultOf(hold, true), nil
		}
	}
	if order.Status != domain.OrderStatusPendingPayment && order.Status != domain.OrderStatusFunded {
		return nil, fmt.Errorf("Fund: order is %s: %w", order.Status, domain.ErrInvalidStatus)
	}

	custRef, escRef := FundRefs(orderID)
	meta := domain.EntryMetadata{CorrelationID: "esc-" + orderID.String() + "-fund", OrderID: &orderID}
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             customerWallet.ID,
			CounterpartyWalletID: &escrowWallet.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               order.Amount,
			Currency:             order.Currency,
			Ref:                  custRef,
			Narration:            "Escrow funding",
			Metadata:             meta,
		},
		{
			WalletID:             escrowWallet.ID,
			CounterpartyWalletID: &customerWallet.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               order.Amount,
			Currency:             order.Currency,
			Ref:                  escRef,
			Narration:            "Escrow funding",
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}

	now := time.Now().UTC()
	if err := s.holds.Upsert(ctx, tx, &domain.EscrowHold{
		ID:               uuid.New(),
		OrderID:          orderID,
		HoldAmount:       order.Amount,
		Currency:         order.Currency,
		Status:           domain.EscrowStatusFunded,
		EscrowWalletID:   escrowWallet.ID,
		CustomerWalletID: customerWallet.ID,
		ReleaseCondition: releaseCondition,
		CreatedAt:        now,
	}); err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}
	if err := s.orders.UpdateStatus(ctx, tx, orderID, domain.OrderStatusInEscrow); err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}

	hold, err := s.holds.GetByOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Fund: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Fund: commit: %w", err)
	}

	outcomes := s.ledger.AfterCommit(ctx, batch)
	outcomes = append(outcomes, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
		TransactionType:  domain.TxEscrowFund,
		TransactionID:    orderID.String(),
		BaseAmount:       order.Amount,
		Currency:         order.Currency,
		MerchantID:       &order.MerchantID,
		CustomerWalletID: &customerWallet.ID,
	})...)
	logging.Outcomes(ctx, outcomes...)

	log.Info("escrow funded", "order_id", orderID, "amount", order.Amount, "conflict", batch.Conflict)
	return resultOf(hold, batch.Conflict), nil
}

// Release pays the held amount out to the merchant and completes the order.
func (s *Service) Release(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	log := logging.FromContext(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Release: begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Release: %w", err)
	}
	if err := manualSettleAllowed(order); err != nil {
		return nil, fmt.Errorf("Release: %w", err)
	}

	rel, err := s.ReleaseTx(ctx, tx, order)
	if err != nil {
		return nil, fmt.Errorf("Release: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Release: commit: %w", err)
	}
	if rel.Conflict {
		return resultOf(rel.Hold, true), nil
	}

	outcomes := s.ledger.AfterCommit(ctx, rel.Batch)
	outcomes = append(outcomes, s.ReleaseFees(ctx, order, rel)...)
	logging.Outcomes(ctx, outcomes...)

	log.Info("escrow released", "order_id", orderID, "amount", rel.Hold.HoldAmount)
	return resultOf(rel.Hold, false), nil
}

// manualSettleAllowed rejects release and cancel on orders paid by installments. Their hold
// is settled only by the tranche that completes the plan.
func manualSettleAllowed(order *domain.Order) error {
	if order.Status == domain.OrderStatusInstallments {
		return fmt.Errorf("order %s is paid by installments: %w", order.ID, domain.ErrInvalidStatus)
	}
	return nil
}

// Released is the committed-or-pending state of a release done inside a caller's transaction.
type Released struct {
	Hold             *domain.EscrowHold
	Batch            *ledger.BatchResult
	MerchantWalletID uuid.UUID
	Conflict         bool
}

// ReleaseTx releases the order's hold inside the caller's transaction. The order must already
// be locked by the caller. After commit the caller runs ledger AfterCommit on Batch and
// ReleaseFees.
func (s *Service) ReleaseTx(ctx context.Context, tx *sql.Tx, order *domain.Order) (*Released, error) {
	hold, err := s.holds.GetByOrderForUpdate(ctx, tx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("ReleaseTx: %w", err)
	}
	switch hold.Status {
	case domain.EscrowStatusReleased:
		return &Released{Hold: hold, Conflict: true}, nil
	case domain.EscrowStatusCancelled:
		return nil, fmt.Errorf("ReleaseTx: hold cancelled: %w", domain.ErrInvalidStatus)
	}

	merchantWallet, err := s.ledger.WalletFor(ctx, order.MerchantID, hold.Currency)
	if err != nil {
		return nil, fmt.Errorf("ReleaseTx: %w", err)
	}

	escRef, mrcRef := ReleaseRefs(order.ID)
	meta := domain.EntryMetadata{CorrelationID: "esc-" + order.ID.String() + "-rel", OrderID: &order.ID}
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             hold.EscrowWalletID,
			CounterpartyWalletID: &merchantWallet.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               hold.HoldAmount,
			Currency:             hold.Currency,
			Ref:                  escRef,
			Narration:            "Escrow release",
			Metadata:             meta,
		},
		{
			WalletID:             merchantWallet.ID,
			CounterpartyWalletID: &hold.EscrowWalletID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               hold.HoldAmount,
			Currency:             hold.Currency,
			Ref:                  mrcRef,
			Narration:            "Escrow release",
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ReleaseTx: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.holds.Transition(ctx, tx, hold.ID, domain.EscrowStatusReleased, now); err != nil {
		return nil, fmt.Errorf("ReleaseTx: %w", err)
	}
	if err := s.orders.UpdateStatus(ctx, tx, order.ID, domain.OrderStatusCompleted); err != nil {
		return nil, fmt.Errorf("ReleaseTx: %w", err)
	}

	hold.Status = domain.EscrowStatusReleased
	hold.ReleasedAt = &now
	return &Released{Hold: hold, Batch: batch, MerchantWalletID: merchantWallet.ID}, nil
}

// ReleaseFees charges the release fees once a release has committed.
func (s *Service) ReleaseFees(ctx context.Context, order *domain.Order, rel *Released) []domain.Outcome {
	if rel == nil || rel.Conflict {
		return nil
	}
	return s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
		TransactionType:  domain.TxEscrowRelease,
		TransactionID:    order.ID.String(),
		BaseAmount:       order.Amount,
		Currency:         order.Currency,
		MerchantID:       &order.MerchantID,
		MerchantWalletID: &rel.MerchantWalletID,
	})
}

// Cancel returns the held amount to the customer and cancels the order.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	log := logging.FromContext(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Cancel: begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	if err := manualSettleAllowed(order); err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	hold, err := s.holds.GetByOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	switch hold.Status {
	case domain.EscrowStatusCancelled:
		return resultOf(hold, true), nil
	case domain.EscrowStatusReleased:
		return nil, fmt.Errorf("Cancel: hold released: %w", domain.ErrInvalidStatus)
	}

	escRef, custRef := CancelRefs(orderID)
	meta := domain.EntryMetadata{CorrelationID: "esc-" + orderID.String() + "-cxl", OrderID: &orderID}
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             hold.EscrowWalletID,
			CounterpartyWalletID: &hold.CustomerWalletID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               hold.HoldAmount,
			Currency:             hold.Currency,
			Ref:                  escRef,
			Narration:            "Escrow cancel refund",
			Metadata:             meta,
		},
		{
			WalletID:             hold.CustomerWalletID,
			CounterpartyWalletID: &hold.EscrowWalletID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               hold.HoldAmount,
			Currency:             hold.Currency,
			Ref:                  custRef,
			Narration:            "Escrow cancel refund",
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.holds.Transition(ctx, tx, hold.ID, domain.EscrowStatusCancelled, now); err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	if err := s.orders.UpdateStatus(ctx, tx, orderID, domain.OrderStatusCancelled); err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Cancel: commit: %w", err)
	}
	logging.Outcomes(ctx, s.ledger.AfterCommit(ctx, batch)...)

	hold.Status = domain.EscrowStatusCancelled
	hold.CancelledAt = &now
	log.Info("escrow cancelled", "order_id", orderID, "amount", hold.HoldAmount)
	return resultOf(hold, false), nil
}

// AccumulateTx adds a tranche to the order's hold, opening the hold on the first tranche.
// The order must already be locked by the caller.
func (s *Service) AccumulateTx(ctx context.Context, tx *sql.Tx, order *domain.Order, escrowWalletID, customerWalletID uuid.UUID, amount int64) error {
	hold, err := s.holds.GetByOrderForUpdate(ctx, tx, order.ID)
	if errors.Is(err, domain.ErrEscrowMissing) {
		err = s.holds.Upsert(ctx, tx, &domain.EscrowHold{
			ID:               uuid.New(),
			OrderID:          order.ID,
			HoldAmount:       amount,
			Currency:         order.Currency,
			Status:           domain.EscrowStatusFunded,
			EscrowWalletID:   escrowWalletID,
			CustomerWalletID: customerWalletID,
			ReleaseCondition: "installments_completed",
			CreatedAt:        time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("AccumulateTx: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("AccumulateTx: %w", err)
	}
	if hold.Status != domain.EscrowStatusFunded {
		return fmt.Errorf("AccumulateTx: hold %s: %w", hold.Status, domain.ErrInvalidStatus)
	}
	if err := s.holds.AddAmount(ctx, tx, hold.ID, amount); err != nil {
		return fmt.Errorf("AccumulateTx: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*domain.EscrowHold, error) {
	hold, err := s.holds.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return hold, nil
}

func resultOf(h *domain.EscrowHold, conflict bool) *Result {
	return &Result{
		OrderID:    h.OrderID,
		HoldID:     h.ID,
		Status:     h.Status,
		HoldAmount: h.HoldAmount,
		Currency:   h.Currency,
		Conflict:   conflict,
	}
}
