package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type intentRepo interface {
	Create(ctx context.Context, tx *sql.Tx, pi *domain.PaymentIntent) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.PaymentIntent, error)
	MarkTerminal(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.IntentStatus, at time.Time) (bool, error)
}

type paymentRepo interface {
	Create(ctx context.Context, q repository.Querier, p *domain.ExternalPayment) (*domain.ExternalPayment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ExternalPayment, error)
	ListByIntent(ctx context.Context, q repository.Querier, intentID uuid.UUID) ([]domain.ExternalPayment, error)
	RecordDispatch(ctx context.Context, id uuid.UUID, providerRef *string, raw json.RawMessage, lastError *string) error
	SetStatus(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.PaymentStatus, providerRef, lastError *string) (bool, error)
}

type walletTxRepo interface {
	Create(ctx context.Context, q repository.Querier, t *domain.WalletTransaction) (bool, error)
	ListUnrefundedDebits(ctx context.Context, intentID uuid.UUID) ([]domain.WalletTransaction, error)
	ListByIntent(ctx context.Context, intentID uuid.UUID) ([]domain.WalletTransaction, error)
}

type userRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type orderRepo interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.OrderStatus) error
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type gateway interface {
	Call(ctx context.Context, action string, payload map[string]any, mode provider.Mode, idempotencyKey string) (*provider.Response, error)
	Status(ctx context.Context, providerRef string) (*provider.Response, error)
}

type feeEngine interface {
	SettleFees(ctx context.Context, req billing.SettleRequest) (*billing.SettleResult, error)
	ApplyAfterCommit(ctx context.Context, req billing.ApplyRequest) []domain.Outcome
}

type enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts jobs.Options) (*domain.Job, bool, error)
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Intents  intentRepo
	Payments paymentRepo
	WalletTx walletTxRepo
	Users    userRepo
	Orders   orderRepo
	Ledger   ledgerPoster
	Gateway  gateway
	Fees     feeEngine
	Jobs     enqueuer
	DB       *sql.DB
}

// Service drives payment intents: a merchant charge funded by one or more legs, each
// either a wallet debit or an external collection. The intent's status is recomputed from
// its legs every time one of them moves.
type Service struct {
	intents  intentRepo
	payments paymentRepo
	walletTx walletTxRepo
	users    userRepo
	orders   orderRepo
	ledger   ledgerPoster
	gateway  gateway
	fees     feeEngine
	jobs     enqueuer
	db       *sql.DB
}

func NewService(d Deps) *Service {
	return &Service{
		intents:  d.Intents,
		payments: d.Payments,
		walletTx: d.WalletTx,
		users:    d.Users,
		orders:   d.Orders,
		ledger:   d.Ledger,
		gateway:  d.Gateway,
		fees:     d.Fees,
		jobs:     d.Jobs,
		db:       d.DB,
	}
}

type CreateRequest struct {
	CustomerID  uuid.UUID
	MerchantID  uuid.UUID
	OrderID     *uuid.UUID
	AmountDue   int64
	Currency    domain.Currency
	FundingPlan []domain.FundingLeg
	Autopilot   bool
}

// Create stores a pending intent. Without a funding plan, or in autopilot, the plan takes
// the customer's wallet balance first and collects the rest over M-Pesa.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.PaymentIntent, error) {
	log := logging.FromContext(ctx)

	if req.AmountDue <= 0 {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidAmount)
	}
	if !req.Currency.IsValid() {
		return nil, fmt.Errorf("Create: %w", domain.ErrInvalidCurrency)
	}
	if req.CustomerID == req.MerchantID {
		return nil, fmt.Errorf("Create: customer and merchant are the same user: %w", domain.ErrInvalidRequest)
	}

	plan := req.FundingPlan
	autopilot := req.Autopilot || len(plan) == 0
	if autopilot {
		var err error
		plan, err = s.autopilotPlan(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("Create: %w", err)
		}
	}
	if err := validatePlan(plan, req.AmountDue); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	now := time.Now().UTC()
	pi := &domain.PaymentIntent{
		ID:          uuid.New(),
		CustomerID:  req.CustomerID,
		MerchantID:  req.MerchantID,
		OrderID:     req.OrderID,
		AmountDue:   req.AmountDue,
		Currency:    req.Currency,
		Status:      domain.IntentStatusPending,
		FundingPlan: plan,
		Autopilot:   autopilot,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Create: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.intents.Create(ctx, tx, pi); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Create: commit: %w", err)
	}

	log.Info("payment intent created", "intent_id", pi.ID, "amount_due", pi.AmountDue, "legs", len(plan), "autopilot", autopilot)
	return pi, nil
}

func (s *Service) autopilotPlan(ctx context.Context, req CreateRequest) ([]domain.FundingLeg, error) {
	wallet, err := s.ledger.WalletFor(ctx, req.CustomerID, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("autopilotPlan: %w", err)
	}
	var phone string
	if wallet.Balance < req.AmountDue {
		user, err := s.users.GetByID(ctx, req.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("autopilotPlan: %w", err)
		}
		if user.Phone == nil || *user.Phone == "" {
			return nil, fmt.Errorf("autopilotPlan: wallet short by %d and no phone on file: %w", req.AmountDue-wallet.Balance, domain.ErrInsufficientFunds)
		}
		phone = *user.Phone
	}
	return domain.AutopilotPlan(req.AmountDue, wallet.Balance, phone), nil
}

func validatePlan(plan []domain.FundingLeg, amountDue int64) error {
	if len(plan) == 0 {
		return fmt.Errorf("empty funding plan: %w", domain.ErrInvalidRequest)
	}
	for i, leg := range plan {
		if !leg.Type.IsValid() {
			return fmt.Errorf("leg %d: type %q: %w", i, leg.Type, domain.ErrInvalidRequest)
		}
		if leg.Amount <= 0 {
			return fmt.Errorf("leg %d: %w", i, domain.ErrInvalidAmount)
		}
		if leg.Type.IsExternal() && leg.Account == "" {
			return fmt.Errorf("leg %d: %s leg needs an account: %w", i, leg.Type, domain.ErrInvalidRequest)
		}
	}
	if sum := domain.FundingPlanSum(plan); sum != amountDue {
		return fmt.Errorf("legs sum to %d, amount due is %d: %w", sum, amountDue, domain.ErrFundingPlanMismatch)
	}
	return nil
}

// View is an intent together with its legs.
type View struct {
	Intent *domain.PaymentIntent      `json:"intent"`
	Legs   []domain.ExternalPayment   `json:"legs"`
	Wallet []domain.WalletTransaction `json:"wallet_transactions"`
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	pi, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	legs, err := s.payments.ListByIntent(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	txs, err := s.walletTx.ListByIntent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &View{Intent: pi, Legs: legs, Wallet: txs}, nil
}

// LegReference is the order reference of leg i of an intent, also used as the provider
// idempotency key.
func LegReference(intentID uuid.UUID, i int) string {
	return "pi-" + intentID.String() + "-" + strconv.Itoa(i)
}

// WalletLegRefs are the ledger refs of a wallet funding leg.
func WalletLegRefs(intentID uuid.UUID, i int) (debit, clearing string) {
	prefix := "pi-" + intentID.String() + "-leg" + strconv.Itoa(i)
	return prefix + "-debit", prefix + "-clearing"
}

// Confirm commits the funding plan: wallet legs move into the clearing wallet atomically,
// then every external leg is dispatched. A wallet that cannot cover its leg aborts the
// confirmation with nothing posted. Confirming again only re-dispatches legs still pending.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*View, error) {
	log := logging.FromContext(ctx).With("intent_id", id)
	ctx = logging.WithLogger(ctx, log)

	pi, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	if pi.Status.IsTerminal() {
		return s.Get(ctx, id)
	}

	legs, err := s.materializeLegs(ctx, pi)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}

	for i := range legs {
		leg := &legs[i]
		if leg.LegType.IsExternal() && leg.Status == domain.PaymentStatusPending {
			if err := s.dispatchLeg(ctx, leg); err != nil {
				return nil, fmt.Errorf("Confirm: leg %d: %w", *leg.LegIndex, err)
			}
		}
	}

	if _, err := s.Reevaluate(ctx, id); err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	return s.Get(ctx, id)
}

// Queue records the confirmation as a payments job instead of running it inline.
func (s *Service) Queue(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	pi, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Queue: %w", err)
	}
	if pi.Status.IsTerminal() {
		return nil, fmt.Errorf("Queue: intent is %s: %w", pi.Status, domain.ErrInvalidStatus)
	}
	job, created, err := s.jobs.Enqueue(ctx, jobs.QueuePayments, jobs.JobIntentProcess,
		IntentJob{IntentID: id}, jobs.Options{JobID: "payment-" + id.String()})
	if err != nil {
		return nil, fmt.Errorf("Queue: %w", err)
	}
	logging.FromContext(ctx).Info("payment intent queued", "intent_id", id, "job_id", job.ID, "created", created)
	return job, nil
}

// materializeLegs writes one external payment per funding leg under a lock on the intent.
// Wallet legs are debited into clearing in the same transaction. It returns every leg.
func (s *Service) materializeLegs(ctx context.Context, pi *domain.PaymentIntent) ([]domain.ExternalPayment, error) {
	log := logging.FromContext(ctx)

	customerWallet, err := s.ledger.WalletFor(ctx, pi.CustomerID, pi.Currency)
	if err != nil {
		return nil, fmt.Errorf("materializeLegs: %w", err)
	}
	clearing, err := s.ledger.WalletFor(ctx, domain.ClearingOwnerID, pi.Currency)
	if err != nil {
		return nil, fmt.Errorf("materializeLegs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("materializeLegs: begin tx: %w", err)
	}
	defer tx.Rollback()

	locked, err := s.intents.GetForUpdate(ctx, tx, pi.ID)
	if err != nil {
		return nil, fmt.Errorf("materializeLegs: %w", err)
	}
	existing, err := s.payments.ListByIntent(ctx, tx, pi.ID)
	if err != nil {
		return nil, fmt.Errorf("materializeLegs: %w", err)
	}
	if locked.Status.IsTerminal() || len(existing) == len(locked.FundingPlan) {
		return existing, nil
	}

	now := time.Now().UTC()
	var batches []*ledger.BatchResult
	for i, leg := range locked.FundingPlan {
		idx := i
		p := &domain.ExternalPayment{
			ID:             uuid.New(),
			Purpose:        domain.PurposeIntentLeg,
			IntentID:       &locked.ID,
			LegIndex:       &idx,
			UserID:         locked.CustomerID,
			LegType:        leg.Type,
			Action:         leg.Type.ProviderAction(),
			Amount:         leg.Amount,
			Currency:       locked.Currency,
			Status:         domain.PaymentStatusPending,
			OrderReference: LegReference(locked.ID, i),
			CreditWalletID: &clearing.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if leg.Account != "" {
			p.Account = &leg.Account
		}

		if leg.Type == domain.FundingLegWallet {
			p.Action = domain.ActionWalletPayment
			p.Status = domain.PaymentStatusSuccess
			batch, err := s.debitWalletLeg(ctx, tx, locked, i, leg.Amount, customerWallet, clearing)
			if err != nil {
				return nil, fmt.Errorf("materializeLegs: leg %d: %w", i, err)
			}
			batches = append(batches, batch)
		}

		if _, err := s.payments.Create(ctx, tx, p); err != nil {
			return nil, fmt.Errorf("materializeLegs: leg %d: %w", i, err)
		}
	}

	legs, err := s.payments.ListByIntent(ctx, tx, locked.ID)
	if err != nil {
		return nil, fmt.Errorf("materializeLegs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("materializeLegs: commit: %w", err)
	}

	var outcomes []domain.Outcome
	for _, b := range batches {
		outcomes = append(outcomes, s.ledger.AfterCommit(ctx, b)...)
	}
	logging.Outcomes(ctx, outcomes...)

	log.Info("payment intent legs committed", "legs", len(legs))
	return legs, nil
}

func (s *Service) debitWalletLeg(ctx context.Context, tx *sql.Tx, pi *domain.PaymentIntent, i int, amount int64, customer, clearing *domain.Wallet) (*ledger.BatchResult, error) {
	debitRef, clearingRef := WalletLegRefs(pi.ID, i)
	meta := domain.EntryMetadata{CorrelationID: "pi-" + pi.ID.String(), PaymentIntentID: &pi.ID, OrderID: pi.OrderID}
	narration := "Payment " + pi.ID.String()[:8]
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             customer.ID,
			CounterpartyWalletID: &clearing.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               amount,
			Currency:             pi.Currency,
			Ref:                  debitRef,
			Narration:            narration,
			Metadata:             meta,
		},
		{
			WalletID:             clearing.ID,
			CounterpartyWalletID: &customer.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               amount,
			Currency:             pi.Currency,
			Ref:                  clearingRef,
			Narration:            narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("debitWalletLeg: %w", err)
	}

	_, err = s.walletTx.Create(ctx, tx, &domain.WalletTransaction{
		ID:        uuid.New(),
		UserID:    pi.CustomerID,
		WalletID:  customer.ID,
		IntentID:  &pi.ID,
		Type:      domain.WalletTxDebit,
		Amount:    amount,
		Currency:  pi.Currency,
		Status:    domain.PaymentStatusSuccess,
		LedgerRef: debitRef,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("debitWalletLeg: %w", err)
	}
	return batch, nil
}

// dispatchLeg asks the provider to collect one external leg. Transport failures leave the
// leg pending for the webhook or a status sync to resolve.
func (s *Service) dispatchLeg(ctx context.Context, leg *domain.ExternalPayment) error {
	log := logging.FromContext(ctx).With("payment_id", leg.ID, "leg_index", *leg.LegIndex)

	payload := map[string]any{
		"amount":          leg.Amount,
		"currency":        string(leg.Currency),
		"order_reference": leg.OrderReference,
		"description":     "Payment " + leg.IntentID.String()[:8],
	}
	if leg.Account != nil {
		payload["account"] = *leg.Account
	}

	resp, err := s.gateway.Call(ctx, leg.Action, payload, provider.ModeAuto, leg.OrderReference)
	if err != nil {
		reason := err.Error()
		log.Warn("intent leg dispatch deferred", "error", err)
		if err := s.payments.RecordDispatch(ctx, leg.ID, nil, nil, &reason); err != nil {
			return fmt.Errorf("dispatchLeg: %w", err)
		}
		return nil
	}

	ref := optional(resp.ProviderRef)
	status := domain.PaymentStatusFromNormalized(resp.Status.Normalized())
	if status == domain.PaymentStatusPending {
		if err := s.payments.RecordDispatch(ctx, leg.ID, ref, resp.Data, nil); err != nil {
			return fmt.Errorf("dispatchLeg: %w", err)
		}
		log.Info("intent leg dispatched", "mode", resp.Mode, "provider_ref", resp.ProviderRef)
		return nil
	}

	var reason *string
	if status == domain.PaymentStatusFailed {
		reason = optional(fmt.Sprintf("provider answered %d %s", resp.HTTPStatus, resp.RawStatus))
	}
	if _, err := s.applyLeg(ctx, leg, status, ref, reason); err != nil {
		return fmt.Errorf("dispatchLeg: %w", err)
	}
	return nil
}

func isLedgerRejection(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrWalletDisabled) ||
		errors.Is(err, domain.ErrCurrencyMismatch)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
