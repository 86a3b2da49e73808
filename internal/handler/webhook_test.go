package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
)

type mockReceiver struct {
	got webhook.Delivery
	res *webhook.Result
	err error
}

func (m *mockReceiver) Receive(_ context.Context, d webhook.Delivery) (*webhook.Result, error) {
	m.got = d
	return m.res, m.err
}

func TestReceiveProviderWebhook(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "stored", wantCode: http.StatusOK},
		{name: "bad signature", err: domain.ErrInvalidSignature, wantCode: http.StatusUnauthorized, wantErr: ErrInvalidSignature.Code},
		{name: "not an object", err: domain.ErrMalformed, wantCode: http.StatusBadRequest, wantErr: ErrMalformed.Code},
		{name: "storage down", err: errors.New("connection refused"), wantCode: http.StatusInternalServerError, wantErr: ErrInternalError.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recv := &mockReceiver{res: &webhook.Result{EventID: "evt_1", Verified: true}, err: tt.err}
			h := NewWebhookHandler(recv)

			r := newRequest(t, http.MethodPost, "/api/v1/webhooks/provider", `{"id":"1","status":"success"}`)
			r.Header.Set("Lemonade-Signature", "sig")
			r.RemoteAddr = "10.0.0.7:5123"

			rec, env := serve(t, h.ReceiveProviderWebhook, r)
			require.Equal(t, tt.wantCode, rec.Code)

			assert.Equal(t, `{"id":"1","status":"success"}`, string(recv.got.Body))
			assert.Equal(t, "sig", recv.got.Credential)
			assert.Equal(t, "10.0.0.7", recv.got.RemoteIP)

			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, env.Error.Code)
				return
			}
			var res webhook.Result
			decodeData(t, env, &res)
			assert.Equal(t, "evt_1", res.EventID)
		})
	}
}
