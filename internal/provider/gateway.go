package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/metrics"
)

type Mode string

const (
	// ModeAuto goes through the relay when one is configured and healthy, and falls back
	// to the direct endpoint when the relay cannot serve the request.
	ModeAuto   Mode = "auto"
	ModeRelay  Mode = "relay"
	ModeDirect Mode = "direct"
)

func (m Mode) IsValid() bool {
	return m == ModeAuto || m == ModeRelay || m == ModeDirect
}

const (
	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

type Config struct {
	BaseURL          string
	RelayURL         string
	APIKey           string
	CallbackURL      string
	Timeout          time.Duration
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	FailureThreshold uint32
	Cooldown         time.Duration
}

// Response is the normalized answer to one call. OK is false for a 4xx answer; the body is
// still returned so callers can record it.
type Response struct {
	OK          bool            `json:"ok"`
	Mode        Mode            `json:"mode"`
	Status      Status          `json:"-"`
	RawStatus   string          `json:"status"`
	HTTPStatus  int             `json:"-"`
	Data        json.RawMessage `json:"data,omitempty"`
	ProviderRef string          `json:"provider_ref,omitempty"`
}

type target struct {
	mode    Mode
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

// Gateway is the single way out to the payment provider. Each target endpoint has its own
// circuit breaker; every attempt runs inside it and failed attempts are retried with
// exponential backoff.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	direct     *target
	relay      *target
}

func New(cfg Config, log *slog.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	g := &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	g.direct = &target{mode: ModeDirect, baseURL: strings.TrimRight(cfg.BaseURL, "/"), breaker: newBreaker("provider-direct", cfg, log)}
	if cfg.RelayURL != "" {
		g.relay = &target{mode: ModeRelay, baseURL: strings.TrimRight(cfg.RelayURL, "/"), breaker: newBreaker("provider-relay", cfg, log)}
	}
	return g
}

func newBreaker(name string, cfg Config, log *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var te *throttledError
			return err == nil || errors.As(err, &te)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(breakerValue(to))
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Call performs action against the provider. A nil error means the provider answered; the
// answer may still be a rejection (OK false) or a pending status. An error means the provider
// could not be reached after all attempts, or the breaker is open, and the outcome is unknown.
func (g *Gateway) Call(ctx context.Context, action string, payload map[string]any, mode Mode, idempotencyKey string) (*Response, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["callback_url"]; !ok && g.cfg.CallbackURL != "" {
		payload["callback_url"] = g.cfg.CallbackURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("Call: marshal payload: %w", err)
	}

	var resp *Response
	switch mode {
	case ModeRelay:
		if g.relay == nil {
			return nil, fmt.Errorf("Call: relay not configured: %w", domain.ErrUnsupportedMode)
		}
		resp, err = g.send(ctx, g.relay, action, body, idempotencyKey)
	case ModeDirect:
		resp, err = g.send(ctx, g.direct, action, body, idempotencyKey)
	case ModeAuto, "":
		resp, err = g.auto(ctx, action, body, idempotencyKey)
	default:
		return nil, fmt.Errorf("Call: mode %q: %w", mode, domain.ErrUnsupportedMode)
	}

	label := "unreachable"
	if err == nil {
		label = resp.Status.String()
	} else if errors.Is(err, domain.ErrCircuitOpen) {
		label = "circuit_open"
	}
	metrics.ProviderCalls.WithLabelValues(action, label).Inc()

	if err != nil {
		return nil, fmt.Errorf("Call: %s: %w", action, err)
	}
	return resp, nil
}

// Status asks the provider for the current state of a transaction it knows by ref.
func (g *Gateway) Status(ctx context.Context, providerRef string) (*Response, error) {
	resp, err := g.Call(ctx, domain.ActionStatus, map[string]any{"transaction_id": providerRef}, ModeAuto, "")
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	return resp, nil
}

func (g *Gateway) auto(ctx context.Context, action string, body []byte, idempotencyKey string) (*Response, error) {
	if g.relay == nil || g.relay.breaker.State() == gobreaker.StateOpen {
		return g.send(ctx, g.direct, action, body, idempotencyKey)
	}
	resp, err := g.send(ctx, g.relay, action, body, idempotencyKey)
	if err == nil && !relayMiss(resp.HTTPStatus) {
		return resp, nil
	}
	log := logging.FromContext(ctx)
	if err != nil {
		log.Warn("relay unavailable, calling provider directly", "action", action, "error", err)
	} else {
		log.Warn("relay refused request, calling provider directly", "action", action, "status_code", resp.HTTPStatus)
	}
	return g.send(ctx, g.direct, action, body, idempotencyKey)
}

func relayMiss(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound
}

// send retries one target. 4xx answers are final; 5xx answers and transport errors are
// retried and count against the target's breaker. 429 is retried without touching the
// breaker and, if it persists, is reported as a pending answer.
func (g *Gateway) send(ctx context.Context, t *target, action string, body []byte, idempotencyKey string) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BackoffInitial
	b.MaxInterval = g.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0

	requestID := idempotencyKey
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		out, err := t.breaker.Execute(func() (interface{}, error) {
			return g.do(ctx, t, action, body, idempotencyKey, requestID)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(domain.ErrCircuitOpen)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out.(*Response)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.FromContext(ctx).Warn("provider attempt failed, retrying",
			"action", action,
			"mode", string(t.mode),
			"attempt", attempt,
			"retry_in_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var te *throttledError
		if errors.As(err, &te) {
			return te.resp, nil
		}
		if errors.Is(err, domain.ErrCircuitOpen) {
			return nil, fmt.Errorf("send: %s: %w", t.mode, err)
		}
		return nil, fmt.Errorf("send: %s after %d attempts: %w: %w", t.mode, attempt, domain.ErrExternalService, err)
	}
	return resp, nil
}

type throttledError struct {
	resp *Response
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("provider throttled request (%d)", e.resp.HTTPStatus)
}

type serverError struct {
	code int
	body string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.code, e.body)
}

func (g *Gateway) do(ctx context.Context, t *target, action string, body []byte, idempotencyKey, requestID string) (*Response, error) {
	url := t.baseURL + "/v1/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("do: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	if idempotencyKey != "" && action != domain.ActionStatus {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	log := logging.FromContext(ctx)
	log.Info("provider request sent", "action", action, "mode", string(t.mode), "request_id", requestID)

	start := time.Now()
	httpResp, err := g.httpClient.Do(req)
	elapsed := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(action).Observe(elapsed.Seconds())
	if err != nil {
		return nil, fmt.Errorf("do: send request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("do: read response: %w", err)
	}

	log.Info("provider response received",
		"action", action,
		"mode", string(t.mode),
		"status_code", httpResp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)

	if httpResp.StatusCode >= 500 {
		return nil, &serverError{code: httpResp.StatusCode, body: truncate(raw, maxErrorBody)}
	}
	resp := parseResponse(t.mode, httpResp.StatusCode, raw)
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, &throttledError{resp: resp}
	}
	return resp, nil
}

func parseResponse(mode Mode, code int, raw []byte) *Response {
	resp := &Response{
		OK:         code >= 200 && code < 300,
		Mode:       mode,
		HTTPStatus: code,
	}
	var body map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &body) == nil {
		resp.Data = raw
		resp.RawStatus = ExtractStatus(body)
		resp.ProviderRef = ExtractRef(body)
	}
	switch {
	case resp.OK:
		resp.Status = ParseStatus(resp.RawStatus)
	case undecided(code):
		resp.Status = Pending{}
	default:
		resp.Status = Failed{}
	}
	return resp
}

// undecided answers do not say whether the charge happened: 409 is a duplicate or in-flight
// reference, 429 a throttle, 408 and 425 an early give-up. The leg waits for a callback or
// a status poll.
func undecided(code int) bool {
	switch code {
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusTooEarly:
		return true
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
