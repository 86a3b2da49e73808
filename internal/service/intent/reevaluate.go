package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
)

// SettleRefs are the ledger refs that pay the merchant out of clearing.
func SettleRefs(intentID uuid.UUID) (clearing, merchant string) {
	prefix := "pi-" + intentID.String() + "-settle"
	return prefix + "-clearing", prefix + "-merchant"
}

// ApplyLegOutcome records a terminal provider outcome for one intent leg and re-evaluates
// the intent. Non-terminal statuses only trigger the re-evaluation.
func (s *Service) ApplyLegOutcome(ctx context.Context, leg *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) (domain.IntentStatus, error) {
	if leg.IntentID == nil {
		return "", fmt.Errorf("ApplyLegOutcome: payment %s has no intent: %w", leg.ID, domain.ErrInvalidRequest)
	}
	if _, err := s.applyLeg(ctx, leg, status, providerRef, lastError); err != nil {
		return "", fmt.Errorf("ApplyLegOutcome: %w", err)
	}
	st, err := s.Reevaluate(ctx, *leg.IntentID)
	if err != nil {
		return "", fmt.Errorf("ApplyLegOutcome: %w", err)
	}
	return st, nil
}

// SettleLeg is ApplyLegOutcome for callers that only need the error.
func (s *Service) SettleLeg(ctx context.Context, leg *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) error {
	_, err := s.ApplyLegOutcome(ctx, leg, status, providerRef, lastError)
	return err
}

// applyLeg moves a pending leg to a terminal status. A successful external collection is
// credited to clearing from the rail in the same transaction.
func (s *Service) applyLeg(ctx context.Context, leg *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) (bool, error) {
	if !status.IsTerminal() {
		return false, nil
	}

	var rail *domain.Wallet
	if status == domain.PaymentStatusSuccess && leg.LegType.IsExternal() {
		var err error
		rail, err = s.ledger.WalletFor(ctx, domain.RailOwnerID, leg.Currency)
		if err != nil {
			return false, fmt.Errorf("applyLeg: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("applyLeg: begin tx: %w", err)
	}
	defer tx.Rollback()

	moved, err := s.payments.SetStatus(ctx, tx, leg.ID, status, providerRef, lastError)
	if err != nil {
		return false, fmt.Errorf("applyLeg: %w", err)
	}
	if !moved && leg.Status != status {
		return false, nil
	}

	var batch *ledger.BatchResult
	if rail != nil {
		meta := domain.EntryMetadata{CorrelationID: "pi-" + leg.IntentID.String(), PaymentIntentID: leg.IntentID}
		batch, err = s.ledger.PostTx(ctx, tx, ledger.RailCreditLegs(rail.ID, leg, meta))
		if err != nil {
			return false, fmt.Errorf("applyLeg: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("applyLeg: commit: %w", err)
	}
	logging.Outcomes(ctx, s.ledger.AfterCommit(ctx, batch)...)

	leg.Status = status
	logging.FromContext(ctx).Info("intent leg updated",
		"payment_id", leg.ID,
		"intent_id", leg.IntentID,
		"status", status,
		"changed", moved,
	)
	return moved, nil
}

// Reevaluate derives the intent's status from its legs, from scratch, and applies the
// consequences of a terminal result. It is safe to call any number of times and in any
// order relative to leg updates.
func (s *Service) Reevaluate(ctx context.Context, id uuid.UUID) (domain.IntentStatus, error) {
	log := logging.FromContext(ctx).With("intent_id", id)
	ctx = logging.WithLogger(ctx, log)

	pi, err := s.intents.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("Reevaluate: %w", err)
	}
	legs, err := s.payments.ListByIntent(ctx, s.db, id)
	if err != nil {
		return "", fmt.Errorf("Reevaluate: %w", err)
	}

	if pi.Status == domain.IntentStatusFailed {
		// Late successes on a failed intent still need returning.
		s.compensate(ctx, pi, legs)
		return pi.Status, nil
	}
	if pi.Status.IsTerminal() {
		return pi.Status, nil
	}
	if len(legs) < len(pi.FundingPlan) {
		return domain.IntentStatusPending, nil
	}

	statuses := make([]domain.PaymentStatus, len(legs))
	for i, l := range legs {
		statuses[i] = l.Status
	}
	switch st := domain.AggregateIntentStatus(statuses); st {
	case domain.IntentStatusSettled:
		if err := s.settle(ctx, pi); err != nil {
			return "", fmt.Errorf("Reevaluate: %w", err)
		}
		return st, nil
	case domain.IntentStatusFailed:
		if err := s.fail(ctx, pi, legs); err != nil {
			return "", fmt.Errorf("Reevaluate: %w", err)
		}
		return st, nil
	default:
		log.Debug("payment intent still pending", "legs", len(legs))
		return st, nil
	}
}

// settle marks the intent SETTLED, pays the merchant out of clearing and marks a linked
// order paid, all in one transaction. Fees and the notification follow as side effects.
func (s *Service) settle(ctx context.Context, pi *domain.PaymentIntent) error {
	log := logging.FromContext(ctx)

	clearing, err := s.ledger.WalletFor(ctx, domain.ClearingOwnerID, pi.Currency)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	merchant, err := s.ledger.WalletFor(ctx, pi.MerchantID, pi.Currency)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settle: begin tx: %w", err)
	}
	defer tx.Rollback()

	moved, err := s.intents.MarkTerminal(ctx, tx, pi.ID, domain.IntentStatusSettled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if !moved {
		return nil
	}

	clearingRef, merchantRef := SettleRefs(pi.ID)
	meta := domain.EntryMetadata{CorrelationID: "pi-" + pi.ID.String(), PaymentIntentID: &pi.ID, OrderID: pi.OrderID}
	narration := "Payment " + pi.ID.String()[:8] + " settled"
	batch, err := s.ledger.PostTx(ctx, tx, []ledger.PostRequest{
		{
			WalletID:             clearing.ID,
			CounterpartyWalletID: &merchant.ID,
			EntryType:            domain.EntryTypeDebit,
			Amount:               pi.AmountDue,
			Currency:             pi.Currency,
			Ref:                  clearingRef,
			Narration:            narration,
			Metadata:             meta,
		},
		{
			WalletID:             merchant.ID,
			CounterpartyWalletID: &clearing.ID,
			EntryType:            domain.EntryTypeCredit,
			Amount:               pi.AmountDue,
			Currency:             pi.Currency,
			Ref:                  merchantRef,
			Narration:            narration,
			Metadata:             meta,
		},
	})
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	if pi.OrderID != nil && s.orders != nil {
		order, err := s.orders.GetForUpdate(ctx, tx, *pi.OrderID)
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		if order.Status == domain.OrderStatusPendingPayment {
			if err := s.orders.UpdateStatus(ctx, tx, order.ID, domain.OrderStatusPaid); err != nil {
				return fmt.Errorf("settle: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settle: commit: %w", err)
	}

	outcomes := s.ledger.AfterCommit(ctx, batch)
	outcomes = append(outcomes, s.settleFees(ctx, pi, merchant.ID)...)
	outcomes = append(outcomes, s.notify(ctx, pi, "payment_intent.settled"))
	logging.Outcomes(ctx, outcomes...)

	log.Info("payment intent settled", "amount_due", pi.AmountDue, "merchant_id", pi.MerchantID)
	return nil
}

// FeeType is the fee transaction type charged for an intent: several funding legs price as
// a split, a single leg as a plain intent payment.
func FeeType(pi *domain.PaymentIntent) domain.TransactionType {
	if len(pi.FundingPlan) > 1 {
		return domain.TxSplit
	}
	return domain.TxPaymentIntent
}

// settleFees posts fee lines frozen at confirmation, including lines written under the
// legacy ref prefix. When nothing was frozen the fees are computed now.
func (s *Service) settleFees(ctx context.Context, pi *domain.PaymentIntent, merchantWalletID uuid.UUID) []domain.Outcome {
	effect := "settle fees for intent " + pi.ID.String()
	res, err := s.fees.SettleFees(ctx, billing.SettleRequest{
		TransactionType:  FeeType(pi),
		TransactionID:    pi.ID.String(),
		LegacyPrefix:     billing.LegacyIntentPrefix(pi.ID),
		MerchantWalletID: &merchantWalletID,
	})
	if err != nil {
		return []domain.Outcome{domain.Failed(effect, err)}
	}
	outcomes := append([]domain.Outcome{domain.Succeeded(effect)}, res.Outcomes...)
	if res.Posted > 0 || res.Deferred > 0 {
		return outcomes
	}
	return append(outcomes, s.fees.ApplyAfterCommit(ctx, billing.ApplyRequest{
		TransactionType:  FeeType(pi),
		TransactionID:    pi.ID.String(),
		BaseAmount:       pi.AmountDue,
		Currency:         pi.Currency,
		MerchantID:       &pi.MerchantID,
		MerchantWalletID: &merchantWalletID,
	})...)
}

// fail compensates every successful leg, then marks the intent FAILED.
func (s *Service) fail(ctx context.Context, pi *domain.PaymentIntent, legs []domain.ExternalPayment) error {
	res := s.compensate(ctx, pi, legs)

	moved, err := s.intents.MarkTerminal(ctx, s.db, pi.ID, domain.IntentStatusFailed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if moved {
		logging.Outcomes(ctx, s.notify(ctx, pi, "payment_intent.failed"))
	}
	logging.FromContext(ctx).Warn("payment intent failed",
		"refunded", res.Refunded,
		"refund_failures", res.Failed,
		"provider_refunds", res.ProviderRefunds,
	)
	return nil
}

func (s *Service) notify(ctx context.Context, pi *domain.PaymentIntent, template string) domain.Outcome {
	effect := "notify " + template
	_, _, err := s.jobs.Enqueue(ctx, jobs.QueueNotifications, jobs.JobNotify, domain.Notification{
		Channel:  domain.ChannelPush,
		Template: template,
		UserID:   pi.CustomerID.String(),
		Data: map[string]any{
			"intent_id":   pi.ID.String(),
			"merchant_id": pi.MerchantID.String(),
			"amount":      pi.AmountDue,
			"currency":    string(pi.Currency),
		},
	}, jobs.Options{JobID: template + "-" + pi.ID.String()})
	if err != nil {
		return domain.Failed(effect, err)
	}
	return domain.Succeeded(effect)
}

// SyncStatus polls the provider for every pending external leg, applies what it learns
// and re-evaluates the intent. Legs that never reached the provider are dispatched again.
func (s *Service) SyncStatus(ctx context.Context, id uuid.UUID) (*View, error) {
	log := logging.FromContext(ctx).With("intent_id", id)
	ctx = logging.WithLogger(ctx, log)

	legs, err := s.payments.ListByIntent(ctx, s.db, id)
	if err != nil {
		return nil, fmt.Errorf("SyncStatus: %w", err)
	}
	for i := range legs {
		leg := &legs[i]
		if !leg.LegType.IsExternal() || leg.Status != domain.PaymentStatusPending {
			continue
		}
		if leg.ProviderRef == nil {
			if err := s.dispatchLeg(ctx, leg); err != nil {
				return nil, fmt.Errorf("SyncStatus: %w", err)
			}
			continue
		}
		resp, err := s.gateway.Status(ctx, *leg.ProviderRef)
		if err != nil {
			log.Warn("status poll failed", "payment_id", leg.ID, "error", err)
			continue
		}
		status := domain.PaymentStatusFromNormalized(resp.Status.Normalized())
		var reason *string
		if status == domain.PaymentStatusFailed {
			reason = optional("provider status " + resp.RawStatus)
		}
		if _, err := s.applyLeg(ctx, leg, status, nil, reason); err != nil {
			return nil, fmt.Errorf("SyncStatus: %w", err)
		}
	}

	if _, err := s.Reevaluate(ctx, id); err != nil {
		return nil, fmt.Errorf("SyncStatus: %w", err)
	}
	return s.Get(ctx, id)
}
