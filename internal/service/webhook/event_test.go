package webhook_test

import (
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
)

const testSecret = "whsec-test"

func TestVerify(t *testing.T) {
	body := []byte(`{"id":"1","status":"success"}`)
	tests := []struct {
		name         string
		secret       string
		credential   string
		wantVerified bool
		wantErr      error
	}{
		{name: "no secret configured", secret: "", credential: "anything", wantVerified: false},
		{name: "secret configured, no credential", secret: testSecret, credential: "", wantVerified: false},
		{name: "shared secret", secret: testSecret, credential: testSecret, wantVerified: true},
		{name: "hmac", secret: testSecret, credential: webhook.Sign(testSecret, body), wantVerified: true},
		{name: "prefixed hmac", secret: testSecret, credential: "sha256=" + webhook.Sign(testSecret, body), wantVerified: true},
		{name: "wrong credential", secret: testSecret, credential: "nope", wantErr: domain.ErrInvalidSignature},
		{name: "hmac of another body", secret: testSecret, credential: webhook.Sign(testSecret, []byte(`{}`)), wantErr: domain.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verified, err := webhook.Verify(tt.secret, tt.credential, body)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVerified, verified)
		})
	}
}

func TestCredential_HeaderPrecedence(t *testing.T) {
	h := http.Header{}
	h.Set("X-Signature", "last")
	h.Set("X-Lemonade-Signature", "second")
	assert.Equal(t, "second", webhook.Credential(h))

	h.Set("Lemonade-Signature", " first ")
	assert.Equal(t, "first", webhook.Credential(h))

	assert.Empty(t, webhook.Credential(http.Header{}))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "object", body: `{"status":"success"}`},
		{name: "not json", body: `status=success`, wantErr: true},
		{name: "array", body: `[1,2]`, wantErr: true},
		{name: "null", body: `null`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := webhook.Parse([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrMalformed)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEventID(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{name: "nested event id", payload: map[string]any{"event": map[string]any{"id": "abc"}, "id": "ignored"}, want: "evt_abc"},
		{name: "top level id", payload: map[string]any{"id": "123"}, want: "evt_123"},
		{name: "numeric id", payload: map[string]any{"id": float64(42)}, want: "evt_42"},
		{
			name:    "synthetic",
			payload: map[string]any{"type": "payment.completed", "transaction_id": "MP-9", "created_at": "2026-01-02T03:04:05Z"},
			want:    "evt_paymentcompleted_MP9_20260102T030405Z",
		},
		{name: "nothing to go on", payload: map[string]any{}, want: "evt_unknown_no_ref_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, webhook.EventID(tt.payload))
		})
	}

	long := map[string]any{"type": strings.Repeat("x", 200)}
	assert.Len(t, webhook.EventID(long), 120)
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"access_token":  "tok",
		"Authorization": "Bearer x",
		"card_cvv":      "123",
		"card_number":   "4111111111111111",
		"pan":           "5500000000000004",
		"phone":         "254700000001",
		"email":         "jane@example.com",
		"company":       "Acme",
		"status":        "success",
		"data": map[string]any{
			"msisdn":        float64(254711222333),
			"client_secret": "s",
		},
		"items": []any{map[string]any{"customer_email": "a@b.io"}},
	}

	out, ok := webhook.Redact(in).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "<redacted>", out["access_token"])
	assert.Equal(t, "<redacted>", out["Authorization"])
	assert.Equal(t, "***", out["card_cvv"])
	assert.Equal(t, "************1111", out["card_number"])
	assert.Equal(t, "************0004", out["pan"])
	assert.Equal(t, "**********01", out["phone"])
	assert.Equal(t, "j***@e***", out["email"])
	assert.Equal(t, "Acme", out["company"])
	assert.Equal(t, "success", out["status"])

	data := out["data"].(map[string]any)
	assert.Equal(t, "**********33", data["msisdn"])
	assert.Equal(t, "<redacted>", data["client_secret"])

	items := out["items"].([]any)
	assert.Equal(t, "a***@b***", items[0].(map[string]any)["customer_email"])

	assert.Equal(t, "254700000001", in["phone"], "input must not be modified")
}

func TestRedact_FieldVariants(t *testing.T) {
	tests := []struct {
		name string
		key  string
		in   any
		want any
	}{
		{name: "camel case masked pan", key: "maskedPan", in: "411111******1111", want: "************1111"},
		{name: "upper case pan suffix", key: "cardPAN", in: "5500000000000004", want: "************0004"},
		{name: "pan prefix with card value", key: "panNumber", in: "4111 1111 1111 1111", want: "***************1111"},
		{name: "pan inside a word", key: "companyName", in: "Acme Ltd", want: "Acme Ltd"},
		{name: "multibyte email", key: "email", in: "émile@ñandú.ke", want: "é***@ñ***"},
		{name: "multibyte phone", key: "phone", in: "٠٧٠٠١٢٣٤٥٦", want: "********٥٦"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ok := webhook.Redact(map[string]any{tt.key: tt.in}).(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.want, out[tt.key])
			if s, ok := out[tt.key].(string); ok {
				assert.True(t, utf8.ValidString(s))
			}
		})
	}
}

func TestReason(t *testing.T) {
	assert.Equal(t, "insufficient balance", webhook.Reason(map[string]any{"reason": "insufficient balance", "message": "x"}))
	assert.Equal(t, "timeout", webhook.Reason(map[string]any{"data": map[string]any{"reason": "timeout"}}))
	assert.Empty(t, webhook.Reason(map[string]any{}))
}
