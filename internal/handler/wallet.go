package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/service/topup"
)

type balanceReader interface {
	Get(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*ledger.Balance, error)
	Statement(ctx context.Context, ownerID uuid.UUID, currency domain.Currency, limit, offset int) (*ledger.Statement, error)
}

type transferer interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error)
}

type topUpStarter interface {
	Start(ctx context.Context, req topup.Request) (*domain.ExternalPayment, error)
}

type WalletHandler struct {
	balances  balanceReader
	transfers transferer
	topups    topUpStarter
}

func NewWalletHandler(balances balanceReader, transfers transferer, topups topUpStarter) *WalletHandler {
	return &WalletHandler{balances: balances, transfers: transfers, topups: topups}
}

type transferRequest struct {
	ToUserID  uuid.UUID `json:"to_user_id"`
	Amount    int64     `json:"amount"`
	Narration string    `json:"narration"`
}

func (r transferRequest) Validate() []FieldError {
	var errs []FieldError
	if r.ToUserID == uuid.Nil {
		errs = append(errs, FieldError{Field: "to_user_id", Message: "required"})
	}
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	return errs
}

type topUpRequest struct {
	Amount int64  `json:"amount"`
	Phone  string `json:"phone"`
}

func (r topUpRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if r.Phone == "" {
		errs = append(errs, FieldError{Field: "phone", Message: "required"})
	}
	return errs
}

type transferResponse struct {
	Status       string `json:"status"`
	DebitRef     string `json:"debit_ref"`
	CreditRef    string `json:"credit_ref"`
	BalanceAfter int64  `json:"balance_after"`
	Conflict     bool   `json:"conflict"`
}

type topUpResponse struct {
	Status         string    `json:"status"`
	PaymentID      uuid.UUID `json:"payment_id"`
	OrderReference string    `json:"order_reference"`
	ProviderRef    *string   `json:"provider_ref,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
}

func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyParam(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	bal, err := h.balances.Get(r.Context(), userID, currency)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to read balance", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, bal)
}

type entryDTO struct {
	ID                   uuid.UUID  `json:"id"`
	EntryType            string     `json:"entry_type"`
	Amount               int64      `json:"amount"`
	Status               string     `json:"status"`
	Ref                  string     `json:"ref"`
	Narration            string     `json:"narration,omitempty"`
	CounterpartyWalletID *uuid.UUID `json:"counterparty_wallet_id,omitempty"`
	BalanceAfter         *int64     `json:"balance_after,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

type statementResponse struct {
	WalletID uuid.UUID  `json:"wallet_id"`
	Currency string     `json:"currency"`
	Balance  int64      `json:"balance"`
	Entries  []entryDTO `json:"entries"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// Statement lists the caller's ledger entries in one currency, newest first.
func (h *WalletHandler) Statement(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyParam(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var fieldErrs []FieldError
	limit, ok := intQuery(r, "limit", ledger.DefaultStatementLimit)
	if !ok || limit < 1 || limit > ledger.MaxStatementLimit {
		fieldErrs = append(fieldErrs, FieldError{Field: "limit", Message: "must be between 1 and " + strconv.Itoa(ledger.MaxStatementLimit)})
	}
	offset, ok := intQuery(r, "offset", 0)
	if !ok || offset < 0 {
		fieldErrs = append(fieldErrs, FieldError{Field: "offset", Message: "must be 0 or greater"})
	}
	if len(fieldErrs) > 0 {
		RespondValidationError(w, fieldErrs)
		return
	}

	st, err := h.balances.Statement(r.Context(), userID, currency, limit, offset)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to read statement", "error", err)
		RespondDomainError(w, err)
		return
	}

	resp := statementResponse{
		WalletID: st.WalletID,
		Currency: string(st.Currency),
		Balance:  st.Balance,
		Entries:  make([]entryDTO, 0, len(st.Entries)),
		Total:    st.Total,
		Limit:    limit,
		Offset:   offset,
	}
	for _, e := range st.Entries {
		resp.Entries = append(resp.Entries, entryDTO{
			ID:                   e.ID,
			EntryType:            string(e.EntryType),
			Amount:               e.Amount,
			Status:               string(e.Status),
			Ref:                  e.Ref,
			Narration:            e.Narration,
			CounterpartyWalletID: e.CounterpartyWalletID,
			BalanceAfter:         e.BalanceAfter,
			CreatedAt:            e.CreatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, resp)
}

func intQuery(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyParam(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	// Keys are scoped per sender so two users cannot collide on a ref.
	res, err := h.transfers.Transfer(r.Context(), ledger.TransferRequest{
		FromOwnerID:    userID,
		ToOwnerID:      req.ToUserID,
		Currency:       currency,
		Amount:         req.Amount,
		IdempotencyKey: userID.String() + "-" + idempotencyKey(r),
		Narration:      req.Narration,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("transfer failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, transferResponse{
		Status:       string(domain.PaymentStatusSuccess),
		DebitRef:     res.Debit.Ref,
		CreditRef:    res.Credit.Ref,
		BalanceAfter: res.Debit.BalanceAfter,
		Conflict:     res.Conflict,
	})
}

func (h *WalletHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyParam(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	p, err := h.topups.Start(r.Context(), topup.Request{
		UserID:         userID,
		Currency:       currency,
		Amount:         req.Amount,
		Phone:          req.Phone,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to start top-up", "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusAccepted
	if p.Status.IsTerminal() {
		status = http.StatusOK
	}
	RespondSuccess(w, status, topUpResponse{
		Status:         string(p.Status),
		PaymentID:      p.ID,
		OrderReference: p.OrderReference,
		ProviderRef:    p.ProviderRef,
		Amount:         p.Amount,
		Currency:       string(p.Currency),
	})
}
