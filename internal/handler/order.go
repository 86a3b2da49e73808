package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/escrow"
	"github.com/josh-kwaku/wallet-settlement/internal/service/installment"
	"github.com/josh-kwaku/wallet-settlement/internal/service/order"
)

type orderService interface {
	Create(ctx context.Context, req order.CreateRequest) (*domain.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	PayNow(ctx context.Context, orderID uuid.UUID) (*order.PayResult, error)
}

type escrowService interface {
	Fund(ctx context.Context, orderID uuid.UUID, releaseCondition string) (*escrow.Result, error)
	Release(ctx context.Context, orderID uuid.UUID) (*escrow.Result, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (*escrow.Result, error)
	Get(ctx context.Context, orderID uuid.UUID) (*domain.EscrowHold, error)
}

type installmentService interface {
	CreatePlan(ctx context.Context, orderID uuid.UUID, mode domain.InstallmentMode, tranches []installment.TrancheInput) (*domain.InstallmentPlan, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*domain.InstallmentPlan, error)
	PayTranche(ctx context.Context, planID uuid.UUID, index int) (*installment.PayResult, error)
}

// OrderHandler serves orders and the settlement modes that pay them: pay-now, escrow and
// installments.
type OrderHandler struct {
	orders       orderService
	escrow       escrowService
	installments installmentService
}

func NewOrderHandler(orders orderService, escrow escrowService, installments installmentService) *OrderHandler {
	return &OrderHandler{orders: orders, escrow: escrow, installments: installments}
}

type createOrderRequest struct {
	MerchantID uuid.UUID `json:"merchant_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
}

func (r createOrderRequest) Validate() []FieldError {
	var errs []FieldError
	if r.MerchantID == uuid.Nil {
		errs = append(errs, FieldError{Field: "merchant_id", Message: "required"})
	}
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be KES, UGX, TZS, or USD"})
	}
	return errs
}

type fundEscrowRequest struct {
	ReleaseCondition string `json:"release_condition"`
}

type createPlanRequest struct {
	Mode     string                     `json:"mode"`
	Tranches []installment.TrancheInput `json:"tranches"`
}

func (r createPlanRequest) Validate() []FieldError {
	var errs []FieldError
	if !domain.InstallmentMode(r.Mode).IsValid() {
		errs = append(errs, FieldError{Field: "mode", Message: "must be PAY_AFTER_ESCROW or DELIVER_THEN_COLLECT"})
	}
	if len(r.Tranches) == 0 {
		errs = append(errs, FieldError{Field: "tranches", Message: "required"})
	}
	return errs
}

type payNowResponse struct {
	Status   string    `json:"status"`
	OrderID  uuid.UUID `json:"order_id"`
	DebitRef string    `json:"debit_ref"`
	Conflict bool      `json:"conflict"`
	Order    orderDTO  `json:"order"`
}

// loadOrder fetches the order in the URL and checks the caller is allowed to act on it.
// Only the customer (or an admin) may move money; merchants may also read and cancel.
func (h *OrderHandler) loadOrder(w http.ResponseWriter, r *http.Request, merchantAllowed bool) (*domain.Order, bool) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return nil, false
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return nil, false
	}
	parties := []uuid.UUID{o.CustomerID}
	if merchantAllowed {
		parties = append(parties, o.MerchantID)
	}
	if !canAct(r, parties...) {
		RespondAppError(w, ErrResourceNotFound, nil)
		return nil, false
	}
	return o, true
}

func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	o, err := h.orders.Create(r.Context(), order.CreateRequest{
		CustomerID: userID,
		MerchantID: req.MerchantID,
		Amount:     req.Amount,
		Currency:   domain.Currency(req.Currency),
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("failed to create order", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toOrderDTO(o))
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, true)
	if !ok {
		return
	}
	RespondSuccess(w, http.StatusOK, toOrderDTO(o))
}

func (h *OrderHandler) PayNow(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, false)
	if !ok {
		return
	}

	res, err := h.orders.PayNow(r.Context(), o.ID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("pay-now failed", "order_id", o.ID, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, payNowResponse{
		Status:   string(res.Order.Status),
		OrderID:  res.Order.ID,
		DebitRef: res.Debit.Ref,
		Conflict: res.Conflict,
		Order:    toOrderDTO(res.Order),
	})
}

func (h *OrderHandler) FundEscrow(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, false)
	if !ok {
		return
	}

	var req fundEscrowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondAppError(w, ErrInvalidRequest, nil)
			return
		}
	}

	res, err := h.escrow.Fund(r.Context(), o.ID, req.ReleaseCondition)
	if err != nil {
		logging.FromContext(r.Context()).Warn("escrow fund failed", "order_id", o.ID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, res)
}

func (h *OrderHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, false)
	if !ok {
		return
	}

	res, err := h.escrow.Release(r.Context(), o.ID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("escrow release failed", "order_id", o.ID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, res)
}

func (h *OrderHandler) CancelEscrow(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, true)
	if !ok {
		return
	}

	res, err := h.escrow.Cancel(r.Context(), o.ID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("escrow cancel failed", "order_id", o.ID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, res)
}

func (h *OrderHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, true)
	if !ok {
		return
	}

	hold, err := h.escrow.Get(r.Context(), o.ID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toHoldDTO(hold))
}

func (h *OrderHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r, false)
	if !ok {
		return
	}

	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	plan, err := h.installments.CreatePlan(r.Context(), o.ID, domain.InstallmentMode(req.Mode), req.Tranches)
	if err != nil {
		logging.FromContext(r.Context()).Warn("failed to create installment plan", "order_id", o.ID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toPlanDTO(plan))
}

// loadPlan resolves the plan in the URL and authorizes the caller against its order.
func (h *OrderHandler) loadPlan(w http.ResponseWriter, r *http.Request, merchantAllowed bool) (*domain.InstallmentPlan, bool) {
	id, appErr := uuidParam(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return nil, false
	}
	plan, err := h.installments.GetPlan(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return nil, false
	}
	o, err := h.orders.Get(r.Context(), plan.OrderID)
	if err != nil {
		RespondDomainError(w, err)
		return nil, false
	}
	parties := []uuid.UUID{o.CustomerID}
	if merchantAllowed {
		parties = append(parties, o.MerchantID)
	}
	if !canAct(r, parties...) {
		RespondAppError(w, ErrResourceNotFound, nil)
		return nil, false
	}
	return plan, true
}

func (h *OrderHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.loadPlan(w, r, true)
	if !ok {
		return
	}
	RespondSuccess(w, http.StatusOK, toPlanDTO(plan))
}

func (h *OrderHandler) PayTranche(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.loadPlan(w, r, false)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		RespondAppError(w, ErrInvalidIndex, nil)
		return
	}

	res, err := h.installments.PayTranche(r.Context(), plan.ID, index)
	if err != nil {
		logging.FromContext(r.Context()).Warn("tranche payment failed", "plan_id", plan.ID, "index", index, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, res)
}
