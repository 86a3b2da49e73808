// Package server maps the HTTP surface onto the settlement services.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/josh-kwaku/wallet-settlement/internal/app"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/handler"
	"github.com/josh-kwaku/wallet-settlement/internal/metrics"
	mw "github.com/josh-kwaku/wallet-settlement/internal/middleware"
)

const (
	apiPrefix  = "/api/v1"
	rateWindow = time.Minute
)

func NewRouter(a *app.App) http.Handler {
	cfg := a.Config

	health := handler.NewHealthHandler(a.DB.Conn(), a.Cache)
	authH := handler.NewAuthHandler(a.Users, cfg.JWTSecret, cfg.JWTExpiry)
	users := handler.NewUserHandler(a.Users, a.Wallets)
	wallets := handler.NewWalletHandler(a.Balances, a.Ledger, a.TopUps)
	orders := handler.NewOrderHandler(a.Orders, a.Escrow, a.Installments)
	splits := handler.NewSplitHandler(a.Splits)
	intents := handler.NewIntentHandler(a.Intents)
	webhooks := handler.NewWebhookHandler(a.Webhooks)
	admin := handler.NewAdminHandler(a.Jobs, a.ProviderEvents, a.Audit, a.Intents)

	r := chi.NewRouter()
	r.Use(mw.RequestID, mw.Recovery, mw.Logging, mw.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Idempotent-Replayed", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/docs", handler.ServeDocs())
	r.Get("/docs/openapi.yaml", handler.ServeSpec())

	r.Route(apiPrefix, func(r chi.Router) {
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/register", authH.Register)

		r.With(mw.RateLimit(a.RateLimiter, "webhook", cfg.WebhookRateLimit, cfg.WebhookRateWindow, mw.ByIP)).
			Post("/webhooks/provider", webhooks.ReceiveProviderWebhook)

		r.Group(func(r chi.Router) {
			r.Use(mw.Auth(cfg.JWTSecret))

			r.Route("/admin", func(r chi.Router) {
				r.Use(mw.RequireRole(domain.UserRoleAdmin))
				r.Get("/jobs", admin.JobCounts)
				r.Get("/webhooks", admin.RecentWebhooks)
				r.Get("/audit/{subject}", admin.Audit)
				r.Post("/intents/{id}/reevaluate", admin.ReevaluateIntent)
				r.Post("/intents/{id}/compensate", admin.CompensateIntent)
			})

			r.Group(func(r chi.Router) {
				r.Use(mw.Idempotency(a.Idempotency))

				r.Get("/me", users.Me)

				r.Get("/wallets/{currency}/balance", wallets.Balance)
				r.Get("/wallets/{currency}/entries", wallets.Statement)
				r.Post("/wallets/{currency}/transfers", wallets.Transfer)
				r.Post("/wallets/{currency}/topup", wallets.TopUp)

				r.Post("/orders", orders.Create)
				r.Route("/orders/{id}", func(r chi.Router) {
					r.Get("/", orders.Get)
					r.Post("/pay-now", orders.PayNow)
					r.Get("/escrow", orders.GetEscrow)
					r.Post("/escrow", orders.FundEscrow)
					r.Post("/escrow/release", orders.ReleaseEscrow)
					r.Post("/escrow/cancel", orders.CancelEscrow)
					r.Post("/installments", orders.CreatePlan)
				})
				r.Get("/installments/{id}", orders.GetPlan)
				r.Post("/installments/{id}/tranches/{index}/pay", orders.PayTranche)

				r.With(mw.RateLimit(a.RateLimiter, "split-create", cfg.SplitCreateLimit, rateWindow, mw.ByUser)).
					Post("/splits", splits.Create)
				r.Get("/splits/{id}", splits.Get)
				r.With(mw.RateLimit(a.RateLimiter, "split-execute", cfg.SplitExecuteLimit, rateWindow, mw.ByUser)).
					Post("/splits/{id}/execute", splits.Execute)

				r.Post("/intents", intents.Create)
				r.Get("/intents/{id}", intents.Get)
				r.Post("/intents/{id}/confirm", intents.Confirm)
				r.Post("/intents/{id}/queue", intents.Queue)
			})
		})
	})

	return r
}
