package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
)

func post(t *testing.T, h http.Handler, path, key string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestAction_QueuesAndReplays(t *testing.T) {
	p := newProvider("", 0, http.DefaultClient, logging.Discard())
	h := p.routes()

	body := map[string]any{"amount": 1000, "currency": "KES", "phone": "254700000001", "order_reference": "ord-1"}
	rec, first := post(t, h, "/v1/stk_push", "key-1", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", first["status"])
	assert.Equal(t, "ord-1", first["reference"])
	require.NotEmpty(t, first["transaction_id"])

	_, again := post(t, h, "/v1/stk_push", "key-1", body)
	assert.Equal(t, first["transaction_id"], again["transaction_id"])

	_, other := post(t, h, "/v1/stk_push", "key-2", body)
	assert.NotEqual(t, first["transaction_id"], other["transaction_id"])
}

func TestAction_RejectsBadAmount(t *testing.T) {
	h := newProvider("", 0, http.DefaultClient, logging.Discard()).routes()
	rec, out := post(t, h, "/v1/card_charge", "", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "rejected", out["status"])
}

func TestStatus(t *testing.T) {
	h := newProvider("", 0, http.DefaultClient, logging.Discard()).routes()

	_, created := post(t, h, "/v1/bank_transfer", "", map[string]any{"amount": 10, "account": "123"})
	rec, out := post(t, h, "/v1/transaction_status", "", map[string]any{"transaction_id": created["transaction_id"]})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created["transaction_id"], out["transaction_id"])

	rec, _ = post(t, h, "/v1/transaction_status", "", map[string]any{"transaction_id": "MPNOPE"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name   string
		action string
		req    actionRequest
		want   string
	}{
		{name: "ordinary phone", action: "stk_push", req: actionRequest{Phone: "254700000001"}, want: "success"},
		{name: "short of funds", action: "stk_push", req: actionRequest{Phone: "254700001000"}, want: "failed"},
		{name: "account number", action: "bank_transfer", req: actionRequest{Account: "99000"}, want: "failed"},
		{name: "refunds always pass", action: "refund", req: actionRequest{Phone: "254700001000"}, want: "success"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := outcome(tt.action, tt.req)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallback_Signed(t *testing.T) {
	type delivery struct {
		sig  string
		body []byte
	}
	got := make(chan delivery, 1)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- delivery{sig: r.Header.Get("Lemonade-Signature"), body: b}
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	p := newProvider("whsec", time.Millisecond, sink.Client(), logging.Discard())
	h := p.routes()
	_, created := post(t, h, "/v1/stk_push", "", map[string]any{
		"amount":          500,
		"phone":           "254700001000",
		"order_reference": "ord-9",
		"callback_url":    sink.URL,
	})

	select {
	case d := <-got:
		verified, err := webhook.Verify("whsec", d.sig, d.body)
		require.NoError(t, err)
		assert.True(t, verified)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(d.body, &payload))
		assert.Equal(t, created["transaction_id"], payload["transaction_id"])
		assert.Equal(t, "failed", payload["status"])
		assert.Equal(t, "insufficient balance", payload["reason"])
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}
	p.wait()
}
