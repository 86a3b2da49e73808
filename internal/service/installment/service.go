package installment

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/escrow"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type planRepo interface {
	Create(ctx context.Context, tx *sql.Tx, plan *domain.InstallmentPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.InstallmentPlan, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.InstallmentPlan, error)
	Update(ctx context.Context, tx *sql.Tx, plan *domain.InstallmentPlan) error
}

type orderRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.OrderStatus) error
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type escrowManager interface {
	AccumulateTx(ctx context.Context, tx *sql.Tx, order *domain.Order, escrowWalletID, customerWalletID uuid.UUID, amount int64) error
	ReleaseTx(ctx context.Context, tx *sql.Tx, order *domain.Order) (*escrow.Released, error)
	ReleaseFees(ctx context.Context, order *domain.Order, rel *escrow.Released) []domain.Outcome
}

type feeApplier interface {
	ApplyAfterCommit(ctx context.Context, req billing.ApplyRequest) []domain.Outcome
}

type Service struct {
	plans  planRepo
	orders orderRepo
	ledger ledgerPoster
	escrow escrowManager
	fees   feeApplier
	db     *sql.DB
}

func NewService(plans planRepo, orders orderRepo, ledger ledgerPoster, escrow escrowManager, fees feeApplier, db *sql.DB) *Service {
	return &Service{plans: plans, orders: orders, ledger: ledger, escrow: escrow, fees: fees, db: db}
}

type TrancheInput struct {
	Amount int64      `json:"amount"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

// CreatePlan schedules the collection of an order's total in tranches.
func (s *Service) CreatePlan(ctx context.Context, orderID uuid.UUID, mode domain.InstallmentMode, tranches []TrancheInput) (*domain.InstallmentPlan, error) {
	log := logging.FromContext(ctx)

	if !mode.IsValid() {
		return nil, fmt.Errorf("CreatePlan: mode %q: %w", mode, domain.ErrUnsupportedMode)
	}
	if len(tranches) == 0 {
		return nil, fmt.Errorf("CreatePlan: empty schedule: %w", domain.ErrScheduleSumMismatch)
	}

	schedule := make([]domain.Tranche, len(tranches))
	for i, t := range tranches {
		if t.Amount <= 0 {
			return nil, fmt.Errorf("CreatePlan: tranche %d: %w", i, domain.ErrInvalidAmount)
		}
		schedule[i] = domain.Tranche{Amount: t.Amount, DueAt: t.DueAt, Status: domain.TrancheStatusDue}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("CreatePlan: begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, fmt.Errorf("CreatePlan: %w", err)
	}
	if order.Status != domain.OrderStatusPendingPayment && order.Status != domain.OrderStatusFunded {
		return nil, fmt.Errorf("CreatePlan: order is %s: %w", order.Status, domain.ErrInvalidStatus)
	}
	if sum := domain.ScheduleSum(schedule); sum != order.Amount {
		return nil, fmt.Errorf("CreatePlan: schedule sums to %d, order is %d: %w", sum, order.Amount, domain.ErrScheduleSumMismatch)
	}

	now := time.Now().UTC()
	plan := &domain.InstallmentPlan{
		ID:          uuid.New(),
		OrderID:     orderID,
		Mode:        mode,
		Schedule:    schedule,
		TotalAmount: order.Amount,
		Currency:    order.Currency,
		Status:      domain.PlanStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.plans.Create(ctx, tx, plan); err != nil {
		return nil, fmt.Errorf("CreatePlan: %w", err)
	}
	if err := s.orders.UpdateStatus(ctx, tx, orderID, domain.OrderStatusInstallments); err != nil {
		return nil, fmt.Errorf("CreatePlan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("CreatePlan: commit: %w", err)
	}

	log.Info("installment plan created", "plan_id", plan.ID, "order_id", orderID, "mode", mode, "tranches", len(schedule))
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*domain.InstallmentPlan, error) {
	plan, err := s.plans.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetPlan: %w", err)
	}
	return plan, nil
}

type PayResult struct {
	PlanID      uuid.UUID         `json:"plan_id"`
	Index       int               `json:"index"`
	Status      domain.PlanStatus `json:"status"`
	PaidAmount  int64             `json:"paid_amount"`
	TotalAmount int64             `json:"total_amount"`
	AlreadyPaid bool              `json:"already_paid"`
	Released    bool              `json:"released"`
}

// TrancheRefs are the ledger refs of one tranche. The second ref credits the merchant or the
// escrow holder depending on the plan mode.
func TrancheRefs(planID uuid.UUID, index int, mode domain.InstallmentMode) (customer, counterparty string) {
	base := "inst-" + planID.String() + "-" + strconv.Itoa(index)
	if mode == domain.InstallmentModePayAfterEscrow {
		return base + "-cust", base + "-escrow"
	}
	return base + "-cust", base + "-mrc"
}

// PayTranche collects one tranche. Paying a tranche twice is a no-op; completing a
// PAY_AFTER_ESCROW plan releases the escrow hold in the same transaction.
func (s *Service) PayTranche(ctx context.Context, planID uuid.UUID, index int) (*PayResult, error) {
	log := logging.FromContext(ctx)

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}
	if index < 0 || index >= len(plan.Schedule) {
		return nil, fmt.Errorf("PayTranche: index %d: %w", index, domain.ErrInvalidIndex)
	}
	order, err := s.orders.GetByID(ctx, plan.OrderID)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}

	customerWallet, err := s.ledger.WalletFor(ctx, order.CustomerID, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}
	counterpartyOwner := order.MerchantID
	if plan.Mode == domain.InstallmentModePayAfterEscrow {
		counterpartyOwner = domain.EscrowOwnerID
	}
	counterpartyWallet, err := s.ledger.WalletFor(ctx, counterpartyOwner, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err = s.orders.GetForUpdate(ctx, tx, plan.OrderID)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}
	plan, err = s.plans.GetForUpdate(ctx, tx, planID)
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}

	tranche := plan.Schedule[index]
	if tranche.Status == domain.TrancheStatusPaid {
		return payResultOf(plan, index, true, false), nil
	}
	if plan.Status != domain.PlanStatusActive {
		return nil, fmt.Errorf("PayTranche: plan %s: %w", plan.Status, domain.ErrPlanInactive)
	}

	custRef, cpRef := TrancheRefs(planID, index, plan.Mode)
	meta := domain.EntryMetadata{
		CorrelationID: "inst-" + planID.String() + "-" + strconv.Itoa(index),
		OrderID:       &order.ID,
		PlanID:        &planID,
	}
	narration := "Installment payment"
	if plan.Mode == domain.InstallmentModePayAfterEscrow {
		narration = "Installment funding"
	}
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             customerWallet.ID,
			CounterpartyWalletID: &counterpartyWallet.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               tranche.Amount,
			Currency:             order.Currency,
			Ref:                  custRef,
			Narration:            narration,
			Metadata:             meta,
		},
		{
			WalletID:             counterpartyWallet.ID,
			CounterpartyWalletID: &customerWallet.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               tranche.Amount,
			Currency:             order.Currency,
			Ref:                  cpRef,
			Narration:            narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}

	if plan.Mode == domain.InstallmentModePayAfterEscrow {
		if err := s.escrow.AccumulateTx(ctx, tx, order, counterpartyWallet.ID, customerWallet.ID, tranche.Amount); err != nil {
			return nil, fmt.Errorf("PayTranche: %w", err)
		}
	}

	now := time.Now().UTC()
	plan.Schedule[index].Status = domain.TrancheStatusPaid
	plan.Schedule[index].PaidAt = &now
	plan.PaidAmount += tranche.Amount
	plan.UpdatedAt = now

	var rel *escrow.Released
	if plan.PaidAmount >= plan.TotalAmount {
		plan.Status = domain.PlanStatusCompleted
		plan.CompletedAt = &now

		if plan.Mode == domain.InstallmentModePayAfterEscrow {
			rel, err = s.escrow.ReleaseTx(ctx, tx, order)
			if err != nil {
				return nil, fmt.Errorf("PayTranche: release: %w", err)
			}
		} else if err := s.orders.UpdateStatus(ctx, tx, order.ID, domain.OrderStatusPaid); err != nil {
			return nil, fmt.Errorf("PayTranche: %w", err)
		}
	}

	if err := s.plans.Update(ctx, tx, plan); err != nil {
		return nil, fmt.Errorf("PayTranche: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("PayTranche: commit: %w", err)
	}

	outcomes := s.ledger.AfterCommit(ctx, batch)
	feeReq := billing.ApplyRequest{
		TransactionType:  domain.TxInstallmentTranche,
		TransactionID:    planID.String() + "-" + strconv.Itoa(index),
		BaseAmount:       tranche.Amount,
		Currency:         order.Currency,
		MerchantID:       &order.MerchantID,
		CustomerWalletID: &customerWallet.ID,
	}
	if plan.Mode == domain.InstallmentModeDeliverThenCollect {
		feeReq.MerchantWalletID = &counterpartyWallet.ID
	}
	outcomes = append(outcomes, s.fees.ApplyAfterCommit(ctx, feeReq)...)

	released := rel != nil && !rel.Conflict
	if released {
		outcomes = append(outcomes, s.ledger.AfterCommit(ctx, rel.Batch)...)
		outcomes = append(outcomes, s.escrow.ReleaseFees(ctx, order, rel)...)
	}
	if plan.Status == domain.PlanStatusCompleted {
		outcomes = append(outcomes, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
			TransactionType: domain.TxInstallmentCompleted,
			TransactionID:   planID.String(),
			BaseAmount:      plan.TotalAmount,
			Currency:        order.Currency,
			MerchantID:      &order.MerchantID,
		})...)
	}
	logging.Outcomes(ctx, outcomes...)

	log.Info("installment tranche paid",
		"plan_id", planID,
		"index", index,
		"paid_amount", plan.PaidAmount,
		"plan_status", plan.Status,
		"released", released,
	)
	return payResultOf(plan, index, false, released), nil
}

func payResultOf(plan *domain.InstallmentPlan, index int, alreadyPaid, released bool) *PayResult {
	return &PayResult{
		PlanID:      plan.ID,
		Index:       index,
		Status:      plan.Status,
		PaidAmount:  plan.PaidAmount,
		TotalAmount: plan.TotalAmount,
		AlreadyPaid: alreadyPaid,
		Released:    released,
	}
}
