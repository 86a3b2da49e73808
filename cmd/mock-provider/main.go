// Command mock-provider stands in for the payment rail in development. It accepts
// POST /v1/{action}, answers "queued" and reports the outcome to the callback URL a moment
// later, signed with the shared webhook secret.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/logging"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
)

type config struct {
	Port          int           `env:"PORT" envDefault:"8081"`
	AppEnv        string        `env:"APP_ENV" envDefault:"development"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
	CallbackDelay time.Duration `env:"CALLBACK_DELAY" envDefault:"2s"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init("mock-provider", cfg.LogLevel, cfg.AppEnv)

	p := newProvider(cfg.WebhookSecret, cfg.CallbackDelay, http.DefaultClient, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           p.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock provider started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	p.wait()
}

type transaction struct {
	ID          string `json:"transaction_id"`
	Reference   string `json:"reference"`
	Action      string `json:"action"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	CallbackURL string `json:"-"`
	final       string
}

type provider struct {
	secret string
	delay  time.Duration
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	txs   map[string]*transaction
	byKey map[string]string

	pending sync.WaitGroup
}

func newProvider(secret string, delay time.Duration, client *http.Client, logger *slog.Logger) *provider {
	return &provider{
		secret: secret,
		delay:  delay,
		client: client,
		logger: logger,
		txs:    make(map[string]*transaction),
		byKey:  make(map[string]string),
	}
}

func (p *provider) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/{action}", p.handleAction)
	return r
}

type actionRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Phone          string `json:"phone"`
	Account        string `json:"account"`
	OrderReference string `json:"order_reference"`
	TransactionID  string `json:"transaction_id"`
	CallbackURL    string `json:"callback_url"`
}

func (p *provider) handleAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "rejected", "message": "invalid json"})
		return
	}

	if action == domain.ActionStatus {
		p.handleStatus(w, req.TransactionID)
		return
	}

	if req.Amount <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "rejected", "message": "amount must be positive"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	tx, replay := p.open(key, action, req)
	if !replay {
		p.logger.Info("transaction accepted", "transaction_id", tx.ID, "action", action, "reference", tx.Reference, "outcome", tx.final)
		if tx.CallbackURL != "" {
			p.pending.Add(1)
			go p.callback(tx.ID)
		}
	}
	writeJSON(w, http.StatusAccepted, p.snapshot(tx.ID))
}

// open records a transaction, or returns the one already opened under key.
func (p *provider) open(key, action string, req actionRequest) (*transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byKey[key]; ok && key != "" {
		return p.txs[id], true
	}

	final, reason := outcome(action, req)
	tx := &transaction{
		ID:          "MP" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		Reference:   req.OrderReference,
		Action:      action,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      "queued",
		Reason:      reason,
		CallbackURL: req.CallbackURL,
		final:       final,
	}
	p.txs[tx.ID] = tx
	if key != "" {
		p.byKey[key] = tx.ID
	}
	return tx, false
}

// outcome decides how a transaction ends. Accounts ending in 000 are always short of funds;
// refunds always go through.
func outcome(action string, req actionRequest) (status, reason string) {
	if action == domain.ActionRefund {
		return "success", ""
	}
	account := req.Phone
	if account == "" {
		account = req.Account
	}
	if strings.HasSuffix(account, "000") {
		return "failed", "insufficient balance"
	}
	return "success", ""
}

func (p *provider) handleStatus(w http.ResponseWriter, id string) {
	p.mu.Lock()
	_, ok := p.txs[id]
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "failed", "message": "unknown transaction"})
		return
	}
	writeJSON(w, http.StatusOK, p.snapshot(id))
}

func (p *provider) snapshot(id string) transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.txs[id]
}

func (p *provider) callback(id string) {
	defer p.pending.Done()
	time.Sleep(p.delay)

	p.mu.Lock()
	tx := p.txs[id]
	tx.Status = tx.final
	snap := *tx
	p.mu.Unlock()

	eventType := "payment.completed"
	if snap.Status != "success" {
		eventType = "payment.failed"
	}
	body, err := json.Marshal(map[string]any{
		"event":          map[string]any{"id": uuid.NewString()},
		"type":           eventType,
		"transaction_id": snap.ID,
		"reference":      snap.Reference,
		"status":         snap.Status,
		"reason":         snap.Reason,
		"amount":         snap.Amount,
		"currency":       snap.Currency,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("failed to encode callback", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, snap.CallbackURL, bytes.NewReader(body))
	if err != nil {
		p.logger.Error("failed to build callback", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set("Lemonade-Signature", webhook.Sign(p.secret, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("callback failed", "transaction_id", snap.ID, "error", err)
		return
	}
	resp.Body.Close()
	p.logger.Info("callback delivered", "transaction_id", snap.ID, "status", snap.Status, "status_code", resp.StatusCode)
}

func (p *provider) wait() {
	p.pending.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
