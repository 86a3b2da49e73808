package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/split"
)

type splitService interface {
	CreateGroup(ctx context.Context, req split.CreateRequest) (*domain.SplitGroup, error)
	Get(ctx context.Context, groupID uuid.UUID) (*domain.SplitGroup, error)
	Execute(ctx context.Context, groupID uuid.UUID) (*domain.SplitGroup, error)
}

type SplitHandler struct {
	splits splitService
}

func NewSplitHandler(splits splitService) *SplitHandler {
	return &SplitHandler{splits: splits}
}

type createSplitRequest struct {
	TotalAmount int64               `json:"total_amount"`
	Currency    string              `json:"currency"`
	SplitType   string              `json:"split_type"`
	Description string              `json:"description"`
	Members     []split.MemberInput `json:"members"`
}

func (r createSplitRequest) Validate() []FieldError {
	var errs []FieldError
	if r.TotalAmount <= 0 {
		errs = append(errs, FieldError{Field: "total_amount", Message: "must be greater than 0"})
	}
	if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be KES, UGX, TZS, or USD"})
	}
	switch domain.SplitType(r.SplitType) {
	case domain.SplitTypeEqual, domain.SplitTypeCustom:
	default:
		errs = append(errs, FieldError{Field: "split_type", Message: "must be equal or custom"})
	}
	if len(r.Members) == 0 {
		errs = append(errs, FieldError{Field: "members", Message: "required"})
	}
	return errs
}

func (h *SplitHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req createSplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	g, err := h.splits.CreateGroup(r.Context(), split.CreateRequest{
		OwnerID:     userID,
		TotalAmount: req.TotalAmount,
		Currency:    domain.Currency(req.Currency),
		SplitType:   domain.SplitType(req.SplitType),
		Description: req.Description,
		Members:     req.Members,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("failed to create split group", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toSplitDTO(g))
}

func (h *SplitHandler) load(w http.ResponseWriter, r *http.Request) (*domain.SplitGroup, bool) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return nil, false
	}
	g, err := h.splits.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return nil, false
	}
	if !canAct(r, g.OwnerID) {
		RespondAppError(w, ErrResourceNotFound, nil)
		return nil, false
	}
	return g, true
}

func (h *SplitHandler) Get(w http.ResponseWriter, r *http.Request) {
	g, ok := h.load(w, r)
	if !ok {
		return
	}
	RespondSuccess(w, http.StatusOK, toSplitDTO(g))
}

// Execute runs every pending leg. External legs may stay pending until the provider calls
// back, so a group that is not yet complete answers 202.
func (h *SplitHandler) Execute(w http.ResponseWriter, r *http.Request) {
	g, ok := h.load(w, r)
	if !ok {
		return
	}

	g, err := h.splits.Execute(r.Context(), g.ID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("split execution failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusOK
	if g.Status() == domain.LegStatusPending {
		status = http.StatusAccepted
	}
	RespondSuccess(w, status, toSplitDTO(g))
}
