package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
)

type jobCounter interface {
	Counts(ctx context.Context) (map[string]domain.JobCounts, error)
}

type eventLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ProviderEvent, error)
}

type auditLister interface {
	ListBySubject(ctx context.Context, subject string, limit int) ([]domain.AuditEntry, error)
}

type intentOperator interface {
	SyncStatus(ctx context.Context, id uuid.UUID) (*intent.View, error)
	Compensate(ctx context.Context, id uuid.UUID) (*intent.CompensationResult, error)
}

// AdminHandler exposes operational views. Routes are mounted behind RequireRole(admin).
type AdminHandler struct {
	jobs    jobCounter
	events  eventLister
	audit   auditLister
	intents intentOperator
}

func NewAdminHandler(jobs jobCounter, events eventLister, audit auditLister, intents intentOperator) *AdminHandler {
	return &AdminHandler{jobs: jobs, events: events, audit: audit, intents: intents}
}

const (
	recentWebhookLimit = 100
	auditLimit         = 100
)

func (h *AdminHandler) JobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.Counts(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to count jobs", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, counts)
}

func (h *AdminHandler) RecentWebhooks(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListRecent(r.Context(), recentWebhookLimit)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list webhook events", "error", err)
		RespondDomainError(w, err)
		return
	}
	dtos := make([]providerEventDTO, len(events))
	for i := range events {
		dtos[i] = toProviderEventDTO(&events[i])
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

type auditDTO struct {
	ID        uuid.UUID       `json:"id"`
	Action    string          `json:"action"`
	Subject   string          `json:"subject"`
	Actor     string          `json:"actor"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Audit lists the latest audit rows for a subject, usually a webhook event id.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		RespondValidationError(w, []FieldError{{Field: "subject", Message: "required"}})
		return
	}
	entries, err := h.audit.ListBySubject(r.Context(), subject, auditLimit)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list audit entries", "subject", subject, "error", err)
		RespondDomainError(w, err)
		return
	}
	dtos := make([]auditDTO, len(entries))
	for i, e := range entries {
		dtos[i] = auditDTO{ID: e.ID, Action: e.Action, Subject: e.Subject, Actor: e.Actor, Details: e.Details, CreatedAt: e.CreatedAt}
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

// ReevaluateIntent polls the provider for every pending leg and recomputes the intent.
func (h *AdminHandler) ReevaluateIntent(w http.ResponseWriter, r *http.Request) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	v, err := h.intents.SyncStatus(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).Error("intent re-evaluation failed", "intent_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toIntentDTO(v.Intent, v.Legs, v.Wallet))
}

func (h *AdminHandler) CompensateIntent(w http.ResponseWriter, r *http.Request) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	res, err := h.intents.Compensate(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).Error("intent compensation failed", "intent_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, res)
}
