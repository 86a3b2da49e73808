package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
)

type AuditJob struct {
	Action  string         `json:"action"`
	Subject string         `json:"subject"`
	Details map[string]any `json:"details,omitempty"`
}

const auditSubject = "webhook"

// enqueueAudit hands an audit row to the webhooks queue. Events with an id get one row per
// action however often they are delivered.
func (r *Reconciler) enqueueAudit(ctx context.Context, action, eventID string, details map[string]any) domain.Outcome {
	effect := "audit " + action
	subject := auditSubject
	opts := jobs.Options{}
	if eventID != "" {
		subject = eventID
		opts.JobID = "audit-" + action + "-" + eventID
	}
	if _, _, err := r.jobs.Enqueue(ctx, jobs.QueueWebhooks, jobs.JobWebhookAudit, AuditJob{
		Action:  action,
		Subject: subject,
		Details: details,
	}, opts); err != nil {
		return domain.Failed(effect, err)
	}
	return domain.Succeeded(effect)
}

// Register wires the audit writer into r.
func (r *Reconciler) Register(runner *jobs.Runner) {
	runner.Handle(jobs.QueueWebhooks, jobs.JobWebhookAudit, r.handleAudit)
}

func (r *Reconciler) handleAudit(ctx context.Context, job *domain.Job) error {
	var a AuditJob
	if err := json.Unmarshal(job.Payload, &a); err != nil {
		return jobs.Permanent(fmt.Errorf("handleAudit: %w", domain.ErrMalformed))
	}
	details, err := json.Marshal(a.Details)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("handleAudit: %w", err))
	}
	if a.Details == nil {
		details = nil
	}
	err = r.audit.Insert(ctx, &domain.AuditEntry{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID.String())),
		Action:    a.Action,
		Subject:   a.Subject,
		Actor:     "provider",
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("handleAudit: %w", err)
	}
	return nil
}
