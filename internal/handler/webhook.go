package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
)

type webhookReceiver interface {
	Receive(ctx context.Context, d webhook.Delivery) (*webhook.Result, error)
}

type WebhookHandler struct {
	receiver webhookReceiver
}

func NewWebhookHandler(receiver webhookReceiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

const maxWebhookBody = 1 << 20

// ReceiveProviderWebhook acknowledges every callback it could store, including duplicates
// and orphans. Only a wrong credential or an unparseable body is rejected.
func (h *WebhookHandler) ReceiveProviderWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	res, err := h.receiver.Receive(r.Context(), webhook.Delivery{
		Body:       body,
		Credential: webhook.Credential(r.Header),
		RemoteIP:   ClientIP(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature), errors.Is(err, domain.ErrMalformed):
			RespondDomainError(w, err)
		default:
			log.Error("failed to record webhook", "error", err)
			RespondAppError(w, ErrInternalError, nil)
		}
		return
	}

	RespondSuccess(w, http.StatusOK, res)
}
