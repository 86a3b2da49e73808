package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/metrics"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
)

type eventRepo interface {
	Create(ctx context.Context, e *domain.ProviderEvent) error
	ClaimStale(ctx context.Context, tx *sql.Tx, receivedBefore time.Time, limit int) ([]domain.ProviderEvent, error)
	Finish(ctx context.Context, q repository.Querier, id uuid.UUID, status domain.ProviderEventStatus, externalPaymentID *uuid.UUID, lastError *string) error
}

type paymentRepo interface {
	FindByReference(ctx context.Context, ref string) (*domain.ExternalPayment, error)
}

type auditRepo interface {
	Insert(ctx context.Context, e *domain.AuditEntry) error
}

type enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts jobs.Options) (*domain.Job, bool, error)
}

// SettleFunc applies a provider outcome to one kind of external payment. It must be safe to
// call again with the same outcome.
type SettleFunc func(ctx context.Context, p *domain.ExternalPayment, status domain.PaymentStatus, providerRef, lastError *string) error

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphan    Outcome = "orphan"
	OutcomeDeferred  Outcome = "deferred"
)

// Result is what the callback endpoint reports back to the provider.
type Result struct {
	EventID   string                  `json:"event_id"`
	Outcome   Outcome                 `json:"outcome"`
	Verified  bool                    `json:"verified"`
	Status    domain.NormalizedStatus `json:"status,omitempty"`
	PaymentID *uuid.UUID              `json:"payment_id,omitempty"`
}

type Config struct {
	Secret       string
	RedriveEvery time.Duration
	RedriveAfter time.Duration
	RedriveBatch int
	MaxAttempts  int
}

// Reconciler turns provider callbacks into settlement. Each callback is stored once under
// its event id before anything else happens, so redeliveries are acknowledged without
// effects and events interrupted mid-way are picked up by the re-drive loop.
type Reconciler struct {
	events   eventRepo
	payments paymentRepo
	audit    auditRepo
	jobs     enqueuer
	settlers map[domain.ExternalPaymentPurpose]SettleFunc
	db       *sql.DB
	cfg      Config
	logger   *slog.Logger
}

func NewReconciler(
	events eventRepo,
	payments paymentRepo,
	audit auditRepo,
	jobs enqueuer,
	settlers map[domain.ExternalPaymentPurpose]SettleFunc,
	db *sql.DB,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.RedriveEvery <= 0 {
		cfg.RedriveEvery = 10 * time.Second
	}
	if cfg.RedriveAfter <= 0 {
		cfg.RedriveAfter = 30 * time.Second
	}
	if cfg.RedriveBatch <= 0 {
		cfg.RedriveBatch = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Reconciler{
		events:   events,
		payments: payments,
		audit:    audit,
		jobs:     jobs,
		settlers: settlers,
		db:       db,
		cfg:      cfg,
		logger:   logger,
	}
}

// Delivery is one inbound callback as received on the wire.
type Delivery struct {
	Body       []byte
	Credential string
	RemoteIP   string
}

// Receive verifies, stores and reconciles one callback. Only a wrong credential
// (domain.ErrInvalidSignature) or an unparseable body (domain.ErrMalformed) fail it; every
// later problem is logged and the event is left for the re-drive loop.
func (r *Reconciler) Receive(ctx context.Context, d Delivery) (*Result, error) {
	log := logging.FromContext(ctx)

	verified, err := Verify(r.cfg.Secret, d.Credential, d.Body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		log.Warn("webhook credential rejected", "remote_ip", d.RemoteIP)
		logging.Outcomes(ctx, r.enqueueAudit(ctx, "webhook.invalid_signature", "", map[string]any{"ip": d.RemoteIP}))
		return nil, fmt.Errorf("Receive: %w", err)
	}

	payload, err := Parse(d.Body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		logging.Outcomes(ctx, r.enqueueAudit(ctx, "webhook.malformed", "", map[string]any{"ip": d.RemoteIP}))
		return nil, fmt.Errorf("Receive: %w", err)
	}

	event, err := r.record(payload, verified)
	if err != nil {
		return nil, fmt.Errorf("Receive: %w", err)
	}
	log = log.With("event_id", event.EventID)
	ctx = logging.WithLogger(ctx, log)

	res := &Result{EventID: event.EventID, Verified: verified, Status: event.Status}
	if err := r.events.Create(ctx, event); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			metrics.WebhookEvents.WithLabelValues("duplicate").Inc()
			log.Info("duplicate webhook acknowledged")
			logging.Outcomes(ctx, r.enqueueAudit(ctx, "webhook.duplicate", event.EventID, nil))
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		return nil, fmt.Errorf("Receive: %w", err)
	}
	logging.Outcomes(ctx, r.enqueueAudit(ctx, "webhook.received", event.EventID, map[string]any{
		"verified": verified,
		"status":   event.RawStatus,
	}))

	res.Outcome, res.PaymentID = r.process(ctx, r.db, event, payload)
	return res, nil
}

func (r *Reconciler) record(payload map[string]any, verified bool) (*domain.ProviderEvent, error) {
	eventID := EventID(payload)
	raw := provider.ExtractStatus(payload)

	redacted, _ := Redact(payload).(map[string]any)
	redacted["event_id"] = eventID
	redacted["verified"] = verified
	stored, err := json.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}

	e := &domain.ProviderEvent{
		ID:               uuid.New(),
		EventID:          eventID,
		EventType:        EventType(payload),
		RawStatus:        raw,
		Status:           provider.ParseStatus(raw).Normalized(),
		ProcessingStatus: domain.ProviderEventReceived,
		Verified:         verified,
		Payload:          stored,
		ReceivedAt:       time.Now().UTC(),
	}
	if ref := provider.ExtractRef(payload); ref != "" {
		e.ProviderRef = &ref
	}
	return e, nil
}

// process resolves the local payment behind an event and applies its outcome. The event's
// processing status records how far it got.
func (r *Reconciler) process(ctx context.Context, q repository.Querier, e *domain.ProviderEvent, payload map[string]any) (Outcome, *uuid.UUID) {
	log := logging.FromContext(ctx)

	if e.ProviderRef == nil {
		return r.orphan(ctx, q, e), nil
	}
	payment, err := r.payments.FindByReference(ctx, *e.ProviderRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return r.orphan(ctx, q, e), nil
		}
		return r.deferEvent(ctx, q, e, nil, err), nil
	}
	log = log.With("payment_id", payment.ID, "purpose", payment.Purpose)
	ctx = logging.WithLogger(ctx, log)

	status := domain.PaymentStatusFromNormalized(e.Status)
	if status.IsTerminal() {
		settle, ok := r.settlers[payment.Purpose]
		if !ok {
			reason := fmt.Sprintf("no settlement route for %s payments", payment.Purpose)
			log.Error("webhook has no settlement route")
			if err := r.events.Finish(ctx, q, e.ID, domain.ProviderEventFailed, &payment.ID, &reason); err != nil {
				log.Error("failed to finish webhook event", "error", err)
			}
			metrics.WebhookEvents.WithLabelValues("error").Inc()
			return OutcomeDeferred, &payment.ID
		}

		var providerRef *string
		if *e.ProviderRef != payment.OrderReference {
			providerRef = e.ProviderRef
		}
		var lastError *string
		if status == domain.PaymentStatusFailed {
			reason := first(Reason(payload), "provider reported "+e.RawStatus)
			lastError = &reason
		}
		if err := settle(ctx, payment, status, providerRef, lastError); err != nil {
			return r.deferEvent(ctx, q, e, &payment.ID, err), &payment.ID
		}
	} else if _, unknown := provider.ParseStatus(e.RawStatus).(provider.Unrecognized); unknown {
		log.Warn("webhook status not recognized, payment left pending", "raw_status", e.RawStatus)
	}

	if err := r.events.Finish(ctx, q, e.ID, domain.ProviderEventProcessed, &payment.ID, nil); err != nil {
		log.Error("failed to finish webhook event", "error", err)
	}
	metrics.WebhookEvents.WithLabelValues("processed").Inc()
	logging.Outcomes(ctx, r.enqueueAudit(ctx, "webhook.update", e.EventID, map[string]any{
		"payment_id": payment.ID,
		"status":     e.Status,
	}))
	log.Info("webhook reconciled", "status", e.Status)
	return OutcomeProcessed, &payment.ID
}

func (r *Reconciler) orphan(ctx context.Context, q repository.Querier, e *domain.ProviderEvent) Outcome {
	if err := r.events.Finish(ctx, q, e.ID, domain.ProviderEventOrphan, nil, nil); err != nil {
		logging.FromContext(ctx).Error("failed to finish webhook event", "error", err)
	}
	metrics.WebhookEvents.WithLabelValues("orphan").Inc()
	logging.FromContext(ctx).Warn("webhook matches no local payment", "provider_ref", e.ProviderRef)
	logging.Outcomes(ctx, r.enqueueAudit(ctx, "webhook.orphan", e.EventID, nil))
	return OutcomeOrphan
}

// deferEvent leaves the event for the re-drive loop, or gives up on it once it has used its
// attempts.
func (r *Reconciler) deferEvent(ctx context.Context, q repository.Querier, e *domain.ProviderEvent, paymentID *uuid.UUID, cause error) Outcome {
	log := logging.FromContext(ctx)
	reason := cause.Error()

	status := domain.ProviderEventReceived
	if e.Attempts+1 >= r.cfg.MaxAttempts {
		status = domain.ProviderEventFailed
	}
	if err := r.events.Finish(ctx, q, e.ID, status, paymentID, &reason); err != nil {
		log.Error("failed to finish webhook event", "error", err)
	}
	metrics.WebhookEvents.WithLabelValues("error").Inc()
	log.Error("webhook reconciliation deferred", "error", cause, "attempt", e.Attempts+1, "gave_up", status == domain.ProviderEventFailed)
	return OutcomeDeferred
}

// Redrive reconciles events that were stored but never finished, such as those cut off by
// a crash between storage and settlement.
func (r *Reconciler) Redrive(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("Redrive: begin tx: %w", err)
	}
	defer tx.Rollback()

	events, err := r.events.ClaimStale(ctx, tx, time.Now().UTC().Add(-r.cfg.RedriveAfter), r.cfg.RedriveBatch)
	if err != nil {
		return 0, fmt.Errorf("Redrive: %w", err)
	}
	for i := range events {
		e := &events[i]
		payload, err := Parse(e.Payload)
		if err != nil {
			payload = map[string]any{}
		}
		ectx := logging.WithLogger(ctx, r.logger.With("event_id", e.EventID, "redrive", true))
		r.process(ectx, tx, e, payload)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Redrive: commit: %w", err)
	}
	return len(events), nil
}

// Start runs the re-drive loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("webhook re-drive started", "interval", r.cfg.RedriveEvery)

	ticker := time.NewTicker(r.cfg.RedriveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("webhook re-drive stopped")
			return
		case <-ticker.C:
			n, err := r.Redrive(ctx)
			if err != nil {
				r.logger.Error("webhook re-drive failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("webhook events re-driven", "count", n)
			}
		}
	}
}
