package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/metrics"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

type CompensationResult struct {
	Refunded        int `json:"refunded"`
	Failed          int `json:"failed"`
	ProviderRefunds int `json:"provider_refunds"`
}

// Compensate refunds every successful wallet debit of a failed intent that has no refund
// yet and schedules provider refunds for collected external legs.
func (s *Service) Compensate(ctx context.Context, id uuid.UUID) (*CompensationResult, error) {
	log := logging.FromContext(ctx).With("intent_id", id)
	ctx = logging.WithLogger(ctx, log)

	pi, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Compensate: %w", err)
	}
	if pi.Status != domain.IntentStatusFailed {
		return nil, fmt.Errorf("Compensate: intent is %s: %w", pi.Status, domain.ErrInvalidStatus)
	}
	legs, err := s.payments.ListByIntent(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("Compensate: %w", err)
	}
	return s.compensate(ctx, pi, legs), nil
}

// compensate is best effort per debit: one failed refund never stops the others. Any
// failure schedules the compensation job, which runs this again until nothing is left.
func (s *Service) compensate(ctx context.Context, pi *domain.PaymentIntent, legs []domain.ExternalPayment) *CompensationResult {
	log := logging.FromContext(ctx)
	res := &CompensationResult{}

	debits, err := s.walletTx.ListUnrefundedDebits(ctx, pi.ID)
	if err != nil {
		log.Error("failed to list debits to refund", "error", err)
		res.Failed++
	}
	if len(debits) > 0 {
		clearing, err := s.ledger.WalletFor(ctx, domain.ClearingOwnerID, pi.Currency)
		if err != nil {
			log.Error("failed to resolve clearing wallet", "error", err)
			res.Failed += len(debits)
			debits = nil
		}
		for i := range debits {
			if err := s.refundDebit(ctx, pi, &debits[i], clearing); err != nil {
				result := "error"
				if isLedgerRejection(err) {
					result = "rejected"
				}
				metrics.Compensations.WithLabelValues(result).Inc()
				log.Error("compensating refund failed", "wallet_tx_id", debits[i].ID, "amount", debits[i].Amount, "error", err)
				res.Failed++
				continue
			}
			metrics.Compensations.WithLabelValues("refunded").Inc()
			res.Refunded++
		}
	}

	for _, leg := range legs {
		if !leg.LegType.IsExternal() || leg.Status != domain.PaymentStatusSuccess {
			continue
		}
		_, _, err := s.jobs.Enqueue(ctx, jobs.QueuePayments, jobs.JobProviderRefund,
			RefundJob{PaymentID: leg.ID}, jobs.Options{JobID: "refund-" + leg.ID.String()})
		if err != nil {
			log.Error("failed to schedule provider refund", "payment_id", leg.ID, "error", err)
			res.Failed++
			continue
		}
		res.ProviderRefunds++
	}

	if res.Failed > 0 {
		_, _, err := s.jobs.Enqueue(ctx, jobs.QueueCompensation, jobs.JobIntentCompensate,
			IntentJob{IntentID: pi.ID}, jobs.Options{JobID: "compensate-" + pi.ID.String()})
		if err != nil {
			logging.Outcomes(ctx, domain.Failed("schedule compensation retry", err))
		}
	}
	return res
}

// refundDebit credits a wallet debit back to the customer out of clearing and records the
// REFUND transaction. Both are keyed on the debit, so repeating it posts nothing new.
func (s *Service) refundDebit(ctx context.Context, pi *domain.PaymentIntent, debit *domain.WalletTransaction, clearing *domain.Wallet) error {
	creditRef, clearingRef := debit.RefundRefs()
	meta := domain.EntryMetadata{CorrelationID: "pi-" + pi.ID.String(), PaymentIntentID: &pi.ID, OrderID: pi.OrderID}
	narration := "Refund " + pi.ID.String()[:8]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("refundDebit: begin tx: %w", err)
	}
	defer tx.Rollback()

	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             clearing.ID,
			CounterpartyWalletID: &debit.WalletID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               debit.Amount,
			Currency:             debit.Currency,
			Ref:                  clearingRef,
			Narration:            narration,
			Metadata:             meta,
		},
		{
			WalletID:             debit.WalletID,
			CounterpartyWalletID: &clearing.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               debit.Amount,
			Currency:             debit.Currency,
			Ref:                  creditRef,
			Narration:            narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		return fmt.Errorf("refundDebit: %w", err)
	}
	_, err = s.walletTx.Create(ctx, tx, &domain.WalletTransaction{
		ID:        uuid.New(),
		UserID:    debit.UserID,
		WalletID:  debit.WalletID,
		IntentID:  &pi.ID,
		Type:      domain.WalletTxRefund,
		Amount:    debit.Amount,
		Currency:  debit.Currency,
		Status:    domain.PaymentStatusSuccess,
		LedgerRef: creditRef,
		RefundOf:  &debit.ID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("refundDebit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("refundDebit: commit: %w", err)
	}
	logging.Outcomes(ctx, s.ledger.AfterCommit(ctx, batch)...)

	logging.FromContext(ctx).Info("wallet debit refunded",
		"wallet_tx_id", debit.ID,
		"amount", debit.Amount,
		"replay", batch.Conflict,
	)
	return nil
}

// RefundReference is the order reference of the provider refund for an intent leg.
func RefundReference(leg *domain.ExternalPayment) string {
	return leg.OrderReference + "-refund"
}

// RefundLeg asks the provider to return a collected external leg. An unreachable provider
// is an error so the job retries; a pending answer waits for the webhook.
func (s *Service) RefundLeg(ctx context.Context, paymentID uuid.UUID) error {
	log := logging.FromContext(ctx).With("payment_id", paymentID)
	ctx = logging.WithLogger(ctx, log)

	leg, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("RefundLeg: %w", err)
	}
	if leg.Purpose != domain.PurposeIntentLeg || !leg.LegType.IsExternal() || leg.Status != domain.PaymentStatusSuccess {
		return fmt.Errorf("RefundLeg: payment is not a collected external leg: %w", domain.ErrInvalidStatus)
	}

	now := time.Now().UTC()
	refund, err := s.payments.Create(ctx, s.db, &domain.ExternalPayment{
		ID:             uuid.New(),
		Purpose:        domain.PurposeRefund,
		IntentID:       leg.IntentID,
		UserID:         leg.UserID,
		LegType:        leg.LegType,
		Action:         domain.ActionRefund,
		Amount:         leg.Amount,
		Currency:       leg.Currency,
		Account:        leg.Account,
		Status:         domain.PaymentStatusPending,
		OrderReference: RefundReference(leg),
		CreditWalletID: leg.CreditWalletID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("RefundLeg: %w", err)
	}
	if refund.Status.IsTerminal() {
		return nil
	}

	payload := map[string]any{
		"amount":             refund.Amount,
		"currency":           string(refund.Currency),
		"order_reference":    refund.OrderReference,
		"original_reference": leg.OrderReference,
	}
	if leg.ProviderRef != nil {
		payload["provider_ref"] = *leg.ProviderRef
	}
	if leg.Account != nil {
		payload["account"] = *leg.Account
	}

	resp, err := s.gateway.Call(ctx, domain.ActionRefund, payload, provider.ModeAuto, refund.OrderReference)
	if err != nil {
		reason := err.Error()
		if rerr := s.payments.RecordDispatch(ctx, refund.ID, nil, nil, &reason); rerr != nil {
			return fmt.Errorf("RefundLeg: %w", rerr)
		}
		return fmt.Errorf("RefundLeg: %w", err)
	}

	ref := optional(resp.ProviderRef)
	status := domain.PaymentStatusFromNormalized(resp.Status.Normalized())
	if status == domain.PaymentStatusPending {
		if err := s.payments.RecordDispatch(ctx, refund.ID, ref, resp.Data, nil); err != nil {
			return fmt.Errorf("RefundLeg: %w", err)
		}
		log.Info("provider refund dispatched", "refund_id", refund.ID)
		return nil
	}
	var reason *string
	if status == domain.PaymentStatusFailed {
		reason = optional(fmt.Sprintf("provider answered %d %s", resp.HTTPStatus, resp.RawStatus))
	}
	if err := s.SettleRefund(ctx, refund, status, ref, reason); err != nil {
		return fmt.Errorf("RefundLeg: %w", err)
	}
	return nil
}

// SettleRefund applies the provider's answer to a refund payment. A completed refund sends
// the money back out through the rail; a rejected one is left for operators.
func (s *Service) SettleRefund(ctx context.Context, refund *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) error {
	if refund.Purpose != domain.PurposeRefund {
		return fmt.Errorf("SettleRefund: payment %s is a %s: %w", refund.ID, refund.Purpose, domain.ErrInvalidRequest)
	}
	if !status.IsTerminal() {
		return nil
	}

	var rail *domain.Wallet
	if status == domain.PaymentStatusSuccess {
		var err error
		rail, err = s.ledger.WalletFor(ctx, domain.RailOwnerID, refund.Currency)
		if err != nil {
			return fmt.Errorf("SettleRefund: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SettleRefund: begin tx: %w", err)
	}
	defer tx.Rollback()

	moved, err := s.payments.SetStatus(ctx, tx, refund.ID, status, providerRef, lastError)
	if err != nil {
		return fmt.Errorf("SettleRefund: %w", err)
	}
	if !moved && refund.Status != status {
		return nil
	}
	var batch *ledger.BatchResult
	if rail != nil {
		meta := domain.EntryMetadata{CorrelationID: "xp-" + refund.ID.String(), PaymentIntentID: refund.IntentID}
		batch, err = s.ledger.PostTx(ctx, tx, ledger.RailReturnLegs(rail.ID, refund, meta))
		if err != nil {
			return fmt.Errorf("SettleRefund: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SettleRefund: commit: %w", err)
	}
	logging.Outcomes(ctx, s.ledger.AfterCommit(ctx, batch)...)

	log := logging.FromContext(ctx)
	if status == domain.PaymentStatusFailed {
		metrics.Compensations.WithLabelValues("provider_refund_failed").Inc()
		reason := ""
		if lastError != nil {
			reason = *lastError
		}
		log.Error("provider refund rejected", "refund_id", refund.ID, "amount", refund.Amount, "reason", reason)
		return nil
	}
	metrics.Compensations.WithLabelValues("provider_refunded").Inc()
	log.Info("provider refund completed", "refund_id", refund.ID, "amount", refund.Amount, "changed", moved)
	return nil
}
