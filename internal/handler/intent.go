package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
)

type intentService interface {
	Create(ctx context.Context, req intent.CreateRequest) (*domain.PaymentIntent, error)
	Get(ctx context.Context, id uuid.UUID) (*intent.View, error)
	Confirm(ctx context.Context, id uuid.UUID) (*intent.View, error)
	Queue(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

type IntentHandler struct {
	intents intentService
}

func NewIntentHandler(intents intentService) *IntentHandler {
	return &IntentHandler{intents: intents}
}

type createIntentRequest struct {
	MerchantID  uuid.UUID           `json:"merchant_id"`
	OrderID     *uuid.UUID          `json:"order_id"`
	AmountDue   int64               `json:"amount_due"`
	Currency    string              `json:"currency"`
	FundingPlan []domain.FundingLeg `json:"funding_plan"`
	Autopilot   bool                `json:"autopilot"`
}

func (r createIntentRequest) Validate() []FieldError {
	var errs []FieldError
	if r.MerchantID == uuid.Nil {
		errs = append(errs, FieldError{Field: "merchant_id", Message: "required"})
	}
	if r.AmountDue <= 0 {
		errs = append(errs, FieldError{Field: "amount_due", Message: "must be greater than 0"})
	}
	if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be KES, UGX, TZS, or USD"})
	}
	return errs
}

type queueResponse struct {
	Status   string    `json:"status"`
	IntentID uuid.UUID `json:"intent_id"`
	JobID    uuid.UUID `json:"job_id"`
}

func (h *IntentHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	pi, err := h.intents.Create(r.Context(), intent.CreateRequest{
		CustomerID:  userID,
		MerchantID:  req.MerchantID,
		OrderID:     req.OrderID,
		AmountDue:   req.AmountDue,
		Currency:    domain.Currency(req.Currency),
		FundingPlan: req.FundingPlan,
		Autopilot:   req.Autopilot,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("failed to create payment intent", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toIntentDTO(pi, nil, nil))
}

// authorize loads the intent in the URL for its customer, its merchant or an admin.
func (h *IntentHandler) authorize(w http.ResponseWriter, r *http.Request, merchantAllowed bool) (*intent.View, bool) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return nil, false
	}
	v, err := h.intents.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return nil, false
	}
	parties := []uuid.UUID{v.Intent.CustomerID}
	if merchantAllowed {
		parties = append(parties, v.Intent.MerchantID)
	}
	if !canAct(r, parties...) {
		RespondAppError(w, ErrResourceNotFound, nil)
		return nil, false
	}
	return v, true
}

func (h *IntentHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	RespondSuccess(w, http.StatusOK, toIntentDTO(v.Intent, v.Legs, v.Wallet))
}

// Confirm runs the funding plan in the request. An intent still waiting on external legs
// answers 202.
func (h *IntentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	v, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	v, err := h.intents.Confirm(r.Context(), v.Intent.ID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("intent confirmation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusOK
	if !v.Intent.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	RespondSuccess(w, status, toIntentDTO(v.Intent, v.Legs, v.Wallet))
}

// Queue hands the funding plan to the payments queue and answers immediately.
func (h *IntentHandler) Queue(w http.ResponseWriter, r *http.Request) {
	v, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	job, err := h.intents.Queue(r.Context(), v.Intent.ID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("failed to queue intent", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusAccepted, queueResponse{
		Status:   string(v.Intent.Status),
		IntentID: v.Intent.ID,
		JobID:    job.ID,
	})
}
