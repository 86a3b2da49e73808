package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
)

type userGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type walletLister interface {
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Wallet, error)
}

type UserHandler struct {
	users   userGetter
	wallets walletLister
}

func NewUserHandler(users userGetter, wallets walletLister) *UserHandler {
	return &UserHandler{users: users, wallets: wallets}
}

type walletDTO struct {
	ID        uuid.UUID `json:"id"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type meResponse struct {
	User    userDTO     `json:"user"`
	Wallets []walletDTO `json:"wallets"`
}

// Me returns the caller and the wallets opened for them so far. Balances here come straight
// from the wallet rows; the cached figure is served by the balance endpoint.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, appErr := callerFrom(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to get user", "error", err)
		RespondDomainError(w, err)
		return
	}

	wallets, err := h.wallets.ListByOwner(r.Context(), userID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list wallets", "error", err)
		RespondDomainError(w, err)
		return
	}

	resp := meResponse{User: toUserDTO(user), Wallets: make([]walletDTO, 0, len(wallets))}
	for _, wl := range wallets {
		resp.Wallets = append(resp.Wallets, walletDTO{
			ID:        wl.ID,
			Currency:  string(wl.Currency),
			Balance:   wl.Balance,
			Status:    string(wl.Status),
			UpdatedAt: wl.UpdatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, resp)
}
