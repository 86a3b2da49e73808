package split

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

type splitRepo interface {
	CreateGroup(ctx context.Context, tx *sql.Tx, g *domain.SplitGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*domain.SplitGroup, error)
	GetMember(ctx context.Context, id uuid.UUID) (*domain.SplitMember, error)
	UpdateMemberStatus(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.LegStatus, providerRef, lastError *string) (bool, error)
}

type paymentRepo interface {
	Create(ctx context.Context, q repository.Querier, p *domain.ExternalPayment) (*domain.ExternalPayment, error)
	RecordDispatch(ctx context.Context, id uuid.UUID, providerRef *string, raw json.RawMessage, lastError *string) error
	SetStatus(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.PaymentStatus, providerRef, lastError *string) (bool, error)
}

type ledgerPoster interface {
	WalletFor(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	PostBatch(ctx context.Context, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	PostTx(ctx context.Context, tx *sql.Tx, reqs []ledger.PostRequest) (*ledger.BatchResult, error)
	AfterCommit(ctx context.Context, res *ledger.BatchResult) []domain.Outcome
}

type gateway interface {
	Call(ctx context.Context, action string, payload map[string]any, mode provider.Mode, idempotencyKey string) (*provider.Response, error)
}

type feeApplier interface {
	ApplyAfterCommit(ctx context.Context, req billing.ApplyRequest) []domain.Outcome
}

type MemberInput struct {
	PayeeUserID  *uuid.UUID        `json:"payee_user_id,omitempty"`
	PayeeAccount *string           `json:"payee_account,omitempty"`
	Method       domain.SplitMethod `json:"method"`
	Amount       int64             `json:"amount,omitempty"`
}

type CreateRequest struct {
	OwnerID     uuid.UUID
	TotalAmount int64
	Currency    domain.Currency
	SplitType   domain.SplitType
	Description string
	Members     []MemberInput
}

// Service fans one payment out over several legs. The group owner pays every wallet leg;
// external legs are collected from the member's account into the owner's wallet.
type Service struct {
	groups   splitRepo
	payments paymentRepo
	ledger   ledgerPoster
	gateway  gateway
	fees     feeApplier
	db       *sql.DB
}

func NewService(groups splitRepo, payments paymentRepo, ledger ledgerPoster, gw gateway, fees feeApplier, db *sql.DB) *Service {
	return &Service{groups: groups, payments: payments, ledger: ledger, gateway: gw, fees: fees, db: db}
}

// LegRefs are the ledger refs of a wallet leg.
func LegRefs(groupID, memberID uuid.UUID) (owner, recipient string) {
	prefix := "split-" + groupID.String() + "-" + memberID.String()
	return prefix + "-cust", prefix + "-rcpt"
}

// Amounts derives each member's share. Equal splits give the remainder to the first
// members one unit at a time; custom amounts must add up to total.
func Amounts(total int64, splitType domain.SplitType, members []MemberInput) ([]int64, error) {
	switch splitType {
	case domain.SplitTypeEqual:
		shares := domain.EqualShares(total, len(members))
		if shares[len(shares)-1] <= 0 {
			return nil, fmt.Errorf("Amounts: %d members cannot share %d: %w", len(members), total, domain.ErrInvalidAmount)
		}
		return shares, nil
	case domain.SplitTypeCustom:
		amounts := make([]int64, len(members))
		var sum int64
		for i, m := range members {
			if m.Amount <= 0 {
				return nil, fmt.Errorf("Amounts: member %d: %w", i, domain.ErrInvalidAmount)
			}
			if m.Amount > total-sum {
				return nil, fmt.Errorf("Amounts: members exceed total %d at member %d: %w", total, i, domain.ErrScheduleSumMismatch)
			}
			amounts[i] = m.Amount
			sum += m.Amount
		}
		if sum != total {
			return nil, fmt.Errorf("Amounts: members sum to %d, total is %d: %w", sum, total, domain.ErrScheduleSumMismatch)
		}
		return amounts, nil
	default:
		return nil, fmt.Errorf("Amounts: split type %q: %w", splitType, domain.ErrUnsupportedMode)
	}
}

func (s *Service) CreateGroup(ctx context.Context, req CreateRequest) (*domain.SplitGroup, error) {
	log := logging.FromContext(ctx)

	if req.TotalAmount <= 0 {
		return nil, fmt.Errorf("CreateGroup: %w", domain.ErrInvalidAmount)
	}
	if !req.Currency.IsValid() {
		return nil, fmt.Errorf("CreateGroup: %w", domain.ErrInvalidCurrency)
	}
	if len(req.Members) == 0 {
		return nil, fmt.Errorf("CreateGroup: no members: %w", domain.ErrInvalidRequest)
	}
	for i, m := range req.Members {
		if err := validateMember(m); err != nil {
			return nil, fmt.Errorf("CreateGroup: member %d: %w", i, err)
		}
	}
	amounts, err := Amounts(req.TotalAmount, req.SplitType, req.Members)
	if err != nil {
		return nil, fmt.Errorf("CreateGroup: %w", err)
	}

	now := time.Now().UTC()
	g := &domain.SplitGroup{
		ID:          uuid.New(),
		OwnerID:     req.OwnerID,
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
		SplitType:   req.SplitType,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, in := range req.Members {
		id := uuid.New()
		g.Members = append(g.Members, domain.SplitMember{
			ID:             id,
			GroupID:        g.ID,
			Position:       i,
			PayeeUserID:    in.PayeeUserID,
			PayeeAccount:   in.PayeeAccount,
			Method:         in.Method,
			Amount:         amounts[i],
			Status:         domain.LegStatusPending,
			OrderReference: g.ID.String() + "-" + id.String(),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateGroup: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.groups.CreateGroup(ctx, tx, g); err != nil {
		return nil, fmt.Errorf("CreateGroup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("CreateGroup: commit: %w", err)
	}

	log.Info("split group created", "group_id", g.ID, "members", len(g.Members), "total", g.TotalAmount)
	return g, nil
}

func validateMember(m MemberInput) error {
	if !m.Method.IsValid() {
		return fmt.Errorf("method %q: %w", m.Method, domain.ErrInvalidRequest)
	}
	if m.Method == domain.SplitMethodWallet && m.PayeeUserID == nil {
		return fmt.Errorf("wallet leg needs a payee user: %w", domain.ErrInvalidRequest)
	}
	if m.Method != domain.SplitMethodWallet && (m.PayeeAccount == nil || *m.PayeeAccount == "") {
		return fmt.Errorf("%s leg needs a payee account: %w", m.Method, domain.ErrInvalidRequest)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, groupID uuid.UUID) (*domain.SplitGroup, error) {
	g, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return g, nil
}

// Execute attempts every leg that is not terminal yet. It is safe to call repeatedly: wallet
// legs post under fixed refs and external legs reuse the member's order reference as the
// provider idempotency key.
func (s *Service) Execute(ctx context.Context, groupID uuid.UUID) (*domain.SplitGroup, error) {
	log := logging.FromContext(ctx).With("group_id", groupID)
	ctx = logging.WithLogger(ctx, log)

	g, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	ownerWallet, err := s.ledger.WalletFor(ctx, g.OwnerID, g.Currency)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}

	for i := range g.Members {
		m := &g.Members[i]
		if m.Status.IsTerminal() {
			continue
		}
		if m.Method == domain.SplitMethodWallet {
			err = s.payWalletLeg(ctx, g, m, ownerWallet)
		} else {
			err = s.dispatchExternalLeg(ctx, g, m, ownerWallet)
		}
		if err != nil {
			return nil, fmt.Errorf("Execute: member %d: %w", m.Position, err)
		}
	}

	g, err = s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}
	counts := g.Counts()
	log.Info("split group executed",
		"status", g.Status(),
		"completed", counts.Completed,
		"pending", counts.Pending,
		"failed", counts.Failed,
	)
	return g, nil
}

// payWalletLeg moves the member's share from the owner to the payee. A short or disabled
// owner wallet leaves the leg pending with the reason, so a later Execute can pay it once
// the owner tops up. Other ledger rejections fail the leg; infrastructure errors leave it
// pending and abort the run.
func (s *Service) payWalletLeg(ctx context.Context, g *domain.SplitGroup, m *domain.SplitMember, owner *domain.Wallet) error {
	recipient, err := s.ledger.WalletFor(ctx, *m.PayeeUserID, g.Currency)
	if err != nil {
		return fmt.Errorf("payWalletLeg: %w", err)
	}

	ownerRef, rcptRef := LegRefs(g.ID, m.ID)
	meta := domain.EntryMetadata{CorrelationID: "split-" + g.ID.String() + "-" + m.ID.String(), SplitGroupID: &g.ID}
	narration := "Split " + g.ID.String()[:8]
	_, err = s.ledger.PostBatch(ctx, []ledger.PostRequest{
		{
			WalletID:             owner.ID,
			CounterpartyWalletID: &recipient.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               m.Amount,
			Currency:             g.Currency,
			Ref:                  ownerRef,
			Narration:            narration,
			Metadata:             meta,
		},
		{
			WalletID:             recipient.ID,
			CounterpartyWalletID: &owner.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               m.Amount,
			Currency:             g.Currency,
			Ref:                  rcptRef,
			Narration:            narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		var status domain.LegStatus
		switch {
		case isLegShortfall(err):
			status = domain.LegStatusPending
		case isLegRejection(err):
			status = domain.LegStatusFailed
		default:
			return fmt.Errorf("payWalletLeg: %w", err)
		}
		reason := err.Error()
		if _, err := s.groups.UpdateMemberStatus(ctx, s.db, m.ID, status, nil, &reason); err != nil {
			return fmt.Errorf("payWalletLeg: %w", err)
		}
		logging.FromContext(ctx).Warn("split wallet leg not paid", "member_id", m.ID, "status", status, "error", reason)
		m.Status = status
		m.LastError = &reason
		return nil
	}

	if _, err := s.groups.UpdateMemberStatus(ctx, s.db, m.ID, domain.LegStatusCompleted, nil, nil); err != nil {
		return fmt.Errorf("payWalletLeg: %w", err)
	}
	m.Status = domain.LegStatusCompleted

	logging.Outcomes(ctx, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
		TransactionType:  domain.TxSplit,
		TransactionID:    m.ID.String(),
		BaseAmount:       m.Amount,
		Currency:         g.Currency,
		CustomerWalletID: &owner.ID,
	})...)
	return nil
}

func isLegShortfall(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrWalletDisabled)
}

func isLegRejection(err error) bool {
	return errors.Is(err, domain.ErrCurrencyMismatch)
}

// dispatchExternalLeg asks the provider to collect the member's share. Only a definitive
// provider answer moves the leg; an unreachable provider leaves it pending.
func (s *Service) dispatchExternalLeg(ctx context.Context, g *domain.SplitGroup, m *domain.SplitMember, owner *domain.Wallet) error {
	legType := m.Method.LegType()
	now := time.Now().UTC()
	payment, err := s.payments.Create(ctx, s.db, &domain.ExternalPayment{
		ID:             uuid.New(),
		Purpose:        domain.PurposeSplitLeg,
		SplitMemberID:  &m.ID,
		UserID:         g.OwnerID,
		LegType:        legType,
		Action:         legType.ProviderAction(),
		Amount:         m.Amount,
		Currency:       g.Currency,
		Account:        m.PayeeAccount,
		Status:         domain.PaymentStatusPending,
		OrderReference: m.OrderReference,
		CreditWalletID: &owner.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("dispatchExternalLeg: %w", err)
	}
	if payment.Status.IsTerminal() {
		return s.SettleLeg(ctx, payment, payment.Status, payment.ProviderRef, payment.LastError)
	}

	resp, err := s.gateway.Call(ctx, payment.Action, map[string]any{
		"amount":          payment.Amount,
		"currency":        string(payment.Currency),
		"account":         *m.PayeeAccount,
		"order_reference": payment.OrderReference,
		"description":     "Split " + g.ID.String()[:8],
	}, provider.ModeAuto, payment.OrderReference)
	if err != nil {
		reason := err.Error()
		logging.FromContext(ctx).Warn("split leg dispatch deferred", "member_id", m.ID, "error", err)
		if err := s.payments.RecordDispatch(ctx, payment.ID, nil, nil, &reason); err != nil {
			return fmt.Errorf("dispatchExternalLeg: %w", err)
		}
		return nil
	}

	ref := optional(resp.ProviderRef)
	status := domain.PaymentStatusFromNormalized(resp.Status.Normalized())
	if status == domain.PaymentStatusPending {
		if err := s.payments.RecordDispatch(ctx, payment.ID, ref, resp.Data, nil); err != nil {
			return fmt.Errorf("dispatchExternalLeg: %w", err)
		}
		return nil
	}
	var reason *string
	if status == domain.PaymentStatusFailed {
		reason = optional(fmt.Sprintf("provider answered %d %s", resp.HTTPStatus, resp.RawStatus))
	}
	return s.SettleLeg(ctx, payment, status, ref, reason)
}

// SettleLeg applies a terminal provider outcome to a split leg's payment and member. A
// successful collection credits the owner's wallet from the rail. Repeating it is harmless.
func (s *Service) SettleLeg(ctx context.Context, payment *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) error {
	if payment.SplitMemberID == nil {
		return fmt.Errorf("SettleLeg: payment %s has no split member: %w", payment.ID, domain.ErrInvalidRequest)
	}
	if !status.IsTerminal() {
		return nil
	}
	member, err := s.groups.GetMember(ctx, *payment.SplitMemberID)
	if err != nil {
		return fmt.Errorf("SettleLeg: %w", err)
	}

	var rail *domain.Wallet
	if status == domain.PaymentStatusSuccess {
		rail, err = s.ledger.WalletFor(ctx, domain.RailOwnerID, payment.Currency)
		if err != nil {
			return fmt.Errorf("SettleLeg: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SettleLeg: begin tx: %w", err)
	}
	defer tx.Rollback()

	moved, err := s.payments.SetStatus(ctx, tx, payment.ID, status, providerRef, lastError)
	if err != nil {
		return fmt.Errorf("SettleLeg: %w", err)
	}
	if !moved && payment.Status != status {
		// Settled concurrently by someone else, possibly the other way.
		return nil
	}
	var batch *ledger.BatchResult
	if rail != nil {
		meta := domain.EntryMetadata{CorrelationID: "xp-" + payment.ID.String(), SplitGroupID: &member.GroupID}
		batch, err = s.ledger.PostTx(ctx, tx, ledger.RailCreditLegs(rail.ID, payment, meta))
		if err != nil {
			return fmt.Errorf("SettleLeg: %w", err)
		}
	}
	changed, err := s.groups.UpdateMemberStatus(ctx, tx, member.ID, domain.LegStatusFromPayment(status), providerRef, lastError)
	if err != nil {
		return fmt.Errorf("SettleLeg: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SettleLeg: commit: %w", err)
	}

	outcomes := s.ledger.AfterCommit(ctx, batch)
	if changed && status == domain.PaymentStatusSuccess {
		outcomes = append(outcomes, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
			TransactionType: domain.TxSplit,
			TransactionID:   member.ID.String(),
			BaseAmount:      member.Amount,
			Currency:        payment.Currency,
		})...)
	}
	logging.Outcomes(ctx, outcomes...)

	logging.FromContext(ctx).Info("split leg settled",
		"member_id", member.ID,
		"payment_id", payment.ID,
		"status", status,
		"changed", changed,
	)
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
