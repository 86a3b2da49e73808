package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
)

// credentialHeaders are checked in order; providers disagree on the name.
var credentialHeaders = []string{
	"Lemonade-Signature",
	"X-Lemonade-Signature",
	"X-Webhook-Secret",
	"X-Signature",
}

// Credential returns the first credential header present on a callback.
func Credential(h http.Header) string {
	for _, name := range credentialHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// Verify checks a callback credential against the shared secret. The credential may be the
// secret itself or a hex HMAC-SHA256 of the body, optionally prefixed with "sha256=".
// With no secret configured every callback is accepted unverified; a configured secret
// with no credential is also accepted unverified. Only a wrong credential is rejected.
func Verify(secret, credential string, body []byte) (verified bool, err error) {
	if secret == "" || credential == "" {
		return false, nil
	}
	if hmac.Equal([]byte(credential), []byte(secret)) {
		return true, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if hmac.Equal([]byte(strings.TrimPrefix(credential, "sha256=")), []byte(expected)) {
		return true, nil
	}
	return false, domain.ErrInvalidSignature
}

// Sign returns the HMAC credential a sender puts on body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Parse decodes a callback body. Anything but a JSON object is malformed.
func Parse(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("Parse: %w", domain.ErrMalformed)
	}
	if payload == nil {
		return nil, fmt.Errorf("Parse: %w", domain.ErrMalformed)
	}
	return payload, nil
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

const maxEventIDLen = 120

// EventID derives the dedupe key of a callback: the provider's own event id when it sends
// one, otherwise a stable id built from the event type, transaction ref and creation time.
func EventID(payload map[string]any) string {
	if id := field(payload, "event", "id"); id != "" {
		return "evt_" + id
	}
	if id := field(payload, "id"); id != "" {
		return "evt_" + id
	}

	typ := first(field(payload, "type"), field(payload, "event", "type"), "unknown")
	ref := first(provider.ExtractRef(payload), "no_ref")
	created := first(field(payload, "created_at"), field(payload, "created"), field(payload, "timestamp"))

	id := unsafeIDChars.ReplaceAllString("evt_"+typ+"_"+ref+"_"+created, "")
	if len(id) > maxEventIDLen {
		id = id[:maxEventIDLen]
	}
	return id
}

// EventType is the provider's event type, if any.
func EventType(payload map[string]any) string {
	return first(field(payload, "type"), field(payload, "event", "type"))
}

// Reason pulls a human readable failure reason out of a callback.
func Reason(payload map[string]any) string {
	return first(
		field(payload, "reason"),
		field(payload, "failure_reason"),
		field(payload, "message"),
		field(payload, "data", "reason"),
		field(payload, "result_desc"),
	)
}

func field(payload map[string]any, path ...string) string {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Redact masks secrets and personal data before a payload is stored: tokens, secrets and
// authorization headers are dropped, CVVs blanked, card numbers and phone numbers cut to
// their last digits, and emails reduced to initials.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = redactField(strings.ToLower(k), inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Redact(inner)
		}
		return out
	default:
		return v
	}
}

func redactField(key string, v any) any {
	switch {
	case strings.Contains(key, "token"), strings.Contains(key, "secret"), key == "authorization":
		return "<redacted>"
	case strings.Contains(key, "cvv"):
		return "***"
	case isCardKey(key, v):
		return maskTail(stringify(v), 4)
	case strings.Contains(key, "phone"), strings.Contains(key, "msisdn"):
		return maskTail(stringify(v), 2)
	case strings.Contains(key, "email"):
		return maskEmail(stringify(v))
	default:
		return Redact(v)
	}
}

// isCardKey matches card number fields by name. Keys that merely contain "pan" (maskedPan,
// panNumber) count only when they end in "pan" or carry a card-shaped value, so "company" is
// left alone.
func isCardKey(key string, v any) bool {
	if strings.Contains(key, "card_number") || strings.Contains(key, "cardnumber") {
		return true
	}
	if !strings.Contains(key, "pan") {
		return false
	}
	if strings.HasSuffix(key, "pan") || slices.Contains(strings.Split(key, "_"), "pan") {
		return true
	}
	return cardShaped(stringify(v))
}

// cardShaped reports whether s reads like a full or partly masked card number.
func cardShaped(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ', r == '-', r == '*', r == 'x', r == 'X':
		default:
			return false
		}
	}
	return digits >= 4 && utf8.RuneCountInString(s) >= 12
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return fmt.Sprint(val)
	}
}

func maskTail(s string, keep int) string {
	r := []rune(s)
	if len(r) <= keep {
		return strings.Repeat("*", keep)
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}

func maskEmail(s string) string {
	local, host, ok := strings.Cut(s, "@")
	if !ok || local == "" || host == "" {
		return "*"
	}
	return firstRune(local) + "***@" + firstRune(host) + "***"
}

func firstRune(s string) string {
	_, size := utf8.DecodeRuneInString(s)
	return s[:size]
}
