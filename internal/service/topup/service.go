package topup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type paymentRepo interface {
	Create(ctx context.Context, q repository.Querier, p *domain.ExternalPayment) (*domain.ExternalPayment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ExternalPayment, error)
	RecordDispatch(ctx context.Context, id uuid.UUID, providerRef *string, raw json.RawMessage, lastError *string) error
	SetStatus(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.PaymentStatus, providerRef, lastError *string) (bool, error)
}

type walletTxRepo interface {
	Create(ctx context.Context, q repository.Querier, t *domain.WalletTransaction) (bool, error)
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type gateway interface {
	Call(ctx context.Context, action string, payload map[string]any, mode provider.Mode, idempotencyKey string) (*provider.Response, error)
}

type feeApplier interface {
	ApplyAfterCommit(ctx context.Context, req billing.ApplyRequest) []domain.Outcome
}

// Service tops wallets up from M-Pesa: the provider pushes a payment prompt to the user's
// phone and the wallet is credited once the collection is confirmed.
type Service struct {
	payments paymentRepo
	walletTx walletTxRepo
	ledger   ledgerPoster
	gateway  gateway
	fees     feeApplier
	db       *sql.DB
}

func NewService(payments paymentRepo, walletTx walletTxRepo, ledger ledgerPoster, gw gateway, fees feeApplier, db *sql.DB) *Service {
	return &Service{payments: payments, walletTx: walletTx, ledger: ledger, gateway: gw, fees: fees, db: db}
}

type Request struct {
	UserID         uuid.UUID
	Currency       domain.Currency
	Amount         int64
	Phone          string
	IdempotencyKey string
}

// Reference is the order reference of a top-up; a client retry with the same idempotency
// key maps onto the same payment.
func Reference(userID uuid.UUID, idempotencyKey string) string {
	return "topup-" + userID.String() + "-" + idempotencyKey
}

// Start records the top-up and asks the provider to collect it. The returned payment is
// pending unless the provider answered definitively.
func (s *Service) Start(ctx context.Context, req Request) (*domain.ExternalPayment, error) {
	log := logging.FromContext(ctx)

	if req.Amount <= 0 {
		return nil, fmt.Errorf("Start: %w", domain.ErrInvalidAmount)
	}
	if !req.Currency.IsValid() {
		return nil, fmt.Errorf("Start: %w", domain.ErrInvalidCurrency)
	}
	if req.Phone == "" {
		return nil, fmt.Errorf("Start: phone required: %w", domain.ErrInvalidRequest)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	wallet, err := s.ledger.WalletFor(ctx, req.UserID, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}

	now := time.Now().UTC()
	phone := req.Phone
	payment, err := s.payments.Create(ctx, s.db, &domain.ExternalPayment{
		ID:             uuid.New(),
		Purpose:        domain.PurposeTopUp,
		UserID:         req.UserID,
		LegType:        domain.FundingLegProviderMpesa,
		Action:         domain.ActionSTKPush,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Account:        &phone,
		Status:         domain.PaymentStatusPending,
		OrderReference: Reference(req.UserID, key),
		CreditWalletID: &wallet.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}
	if payment.UserID != req.UserID {
		return nil, fmt.Errorf("Start: %w", domain.ErrDuplicateIdempotencyKey)
	}
	if payment.Status.IsTerminal() {
		return payment, nil
	}

	resp, err := s.gateway.Call(ctx, payment.Action, map[string]any{
		"amount":          payment.Amount,
		"currency":        string(payment.Currency),
		"phone":           phone,
		"order_reference": payment.OrderReference,
		"description":     "Wallet top-up",
	}, provider.ModeAuto, payment.OrderReference)
	if err != nil {
		reason := err.Error()
		log.Warn("top-up dispatch deferred", "payment_id", payment.ID, "error", err)
		if err := s.payments.RecordDispatch(ctx, payment.ID, nil, nil, &reason); err != nil {
			return nil, fmt.Errorf("Start: %w", err)
		}
		payment.LastError = &reason
		return payment, nil
	}

	var ref *string
	if resp.ProviderRef != "" {
		ref = &resp.ProviderRef
	}
	status := domain.PaymentStatusFromNormalized(resp.Status.Normalized())
	if status == domain.PaymentStatusPending {
		if err := s.payments.RecordDispatch(ctx, payment.ID, ref, resp.Data, nil); err != nil {
			return nil, fmt.Errorf("Start: %w", err)
		}
		payment.ProviderRef = ref
		log.Info("top-up dispatched", "payment_id", payment.ID, "amount", payment.Amount, "mode", resp.Mode)
		return payment, nil
	}

	var reason *string
	if status == domain.PaymentStatusFailed {
		msg := fmt.Sprintf("provider answered %d %s", resp.HTTPStatus, resp.RawStatus)
		reason = &msg
	}
	if err := s.Settle(ctx, payment, status, ref, reason); err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}
	return s.payments.GetByID(ctx, payment.ID)
}

// Settle applies a terminal provider outcome to a top-up. A successful collection credits
// the user's wallet from the rail and records a TOPUP transaction; both are keyed on the
// payment, so repeated webhooks credit once.
func (s *Service) Settle(ctx context.Context, payment *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) error {
	if payment.Purpose != domain.PurposeTopUp {
		return fmt.Errorf("Settle: payment %s is a %s: %w", payment.ID, payment.Purpose, domain.ErrInvalidRequest)
	}
	if !status.IsTerminal() {
		return nil
	}

	var rail *domain.Wallet
	if status == domain.PaymentStatusSuccess {
		var err error
		rail, err = s.ledger.WalletFor(ctx, domain.RailOwnerID, payment.Currency)
		if err != nil {
			return fmt.Errorf("Settle: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Settle: begin tx: %w", err)
	}
	defer tx.Rollback()

	moved, err := s.payments.SetStatus(ctx, tx, payment.ID, status, providerRef, lastError)
	if err != nil {
		return fmt.Errorf("Settle: %w", err)
	}
	if !moved && payment.Status != status {
		return nil
	}

	var batch *ledger.BatchResult
	if rail != nil {
		meta := domain.EntryMetadata{CorrelationID: "xp-" + payment.ID.String()}
		batch, err = s.ledger.PostTx(ctx, tx, ledger.RailCreditLegs(rail.ID, payment, meta))
		if err != nil {
			return fmt.Errorf("Settle: %w", err)
		}
		_, creditRef := payment.CreditRefs()
		_, err = s.walletTx.Create(ctx, tx, &domain.WalletTransaction{
			ID:        uuid.New(),
			UserID:    payment.UserID,
			WalletID:  *payment.CreditWalletID,
			Type:      domain.WalletTxTopUp,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
			Status:    domain.PaymentStatusSuccess,
			LedgerRef: creditRef,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("Settle: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Settle: commit: %w", err)
	}

	outcomes := s.ledger.AfterCommit(ctx, batch)
	if moved && rail != nil {
		outcomes = append(outcomes, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
			TransactionType:  domain.TxTopUp,
			TransactionID:    payment.ID.String(),
			BaseAmount:       payment.Amount,
			Currency:         payment.Currency,
			CustomerWalletID: payment.CreditWalletID,
		})...)
	}
	logging.Outcomes(ctx, outcomes...)

	logging.FromContext(ctx).Info("top-up settled",
		"payment_id", payment.ID,
		"status", status,
		"amount", payment.Amount,
		"changed", moved,
	)
	return nil
}
