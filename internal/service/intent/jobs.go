package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
)

type IntentJob struct {
	IntentID uuid.UUID `json:"intent_id"`
}

type RefundJob struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

// Register wires the intent job handlers into r.
func (s *Service) Register(r *jobs.Runner) {
	r.Handle(jobs.QueuePayments, jobs.JobIntentProcess, s.handleProcess)
	r.Handle(jobs.QueueCompensation, jobs.JobIntentCompensate, s.handleCompensate)
	r.Handle(jobs.QueuePayments, jobs.JobProviderRefund, s.handleRefund)
}

func (s *Service) handleProcess(ctx context.Context, job *domain.Job) error {
	var p IntentJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("handleProcess: %w", domain.ErrMalformed))
	}
	if _, err := s.Confirm(ctx, p.IntentID); err != nil {
		return classify(fmt.Errorf("handleProcess: %w", err))
	}
	return nil
}

func (s *Service) handleCompensate(ctx context.Context, job *domain.Job) error {
	var p IntentJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("handleCompensate: %w", domain.ErrMalformed))
	}
	res, err := s.Compensate(ctx, p.IntentID)
	if err != nil {
		return classify(fmt.Errorf("handleCompensate: %w", err))
	}
	if res.Failed > 0 {
		return fmt.Errorf("handleCompensate: %d refunds still outstanding", res.Failed)
	}
	return nil
}

func (s *Service) handleRefund(ctx context.Context, job *domain.Job) error {
	var p RefundJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("handleRefund: %w", domain.ErrMalformed))
	}
	if err := s.RefundLeg(ctx, p.PaymentID); err != nil {
		return classify(fmt.Errorf("handleRefund: %w", err))
	}
	return nil
}

// classify fails jobs right away on errors a retry cannot fix.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInsufficientFunds):
		return jobs.Permanent(err)
	default:
		return err
	}
}
