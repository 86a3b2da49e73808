// Package app assembles the settlement core from configuration. The API server and the ops
// CLI build the same graph so both act on money the same way.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/josh-kwaku/wallet-settlement/internal/cache"
	"github.com/josh-kwaku/wallet-settlement/internal/config"
	"github.com/josh-kwaku/wallet-settlement/internal/domain"
	"github.com/josh-kwaku/wallet-settlement/internal/jobs"
	"github.com/josh-kwaku/wallet-settlement/internal/notify"
	"github.com/josh-kwaku/wallet-settlement/internal/provider"
	"github.com/josh-kwaku/wallet-settlement/internal/repository"
	"github.com/josh-kwaku/wallet-settlement/internal/service/billing"
	"github.com/josh-kwaku/wallet-settlement/internal/service/escrow"
	"github.com/josh-kwaku/wallet-settlement/internal/service/installment"
	"github.com/josh-kwaku/wallet-settlement/internal/service/intent"
	"github.com/josh-kwaku/wallet-settlement/internal/service/ledger"
	"github.com/josh-kwaku/wallet-settlement/internal/service/order"
	"github.com/josh-kwaku/wallet-settlement/internal/service/split"
	"github.com/josh-kwaku/wallet-settlement/internal/service/topup"
	"github.com/josh-kwaku/wallet-settlement/internal/service/webhook"
)

const dbConnectWait = 30 * time.Second

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// App holds every long-lived collaborator. Close releases them in reverse order.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB    *repository.DB
	Cache *cache.Store

	Users          *repository.UserRepository
	Wallets        *repository.WalletRepository
	Idempotency    *repository.IdempotencyRepository
	ProviderEvents *repository.ProviderEventRepository
	Audit          *repository.AuditRepository
	PaymentIntents *repository.IntentRepository

	Ledger       *ledger.Store
	Balances     *ledger.Balances
	Billing      *billing.Engine
	Orders       *order.Service
	Escrow       *escrow.Service
	Installments *installment.Service
	Splits       *split.Service
	Intents      *intent.Service
	TopUps       *topup.Service
	Webhooks     *webhook.Reconciler
	Notifier     *notify.Dispatcher
	Gateway      *provider.Gateway

	Jobs        *jobs.Client
	Runner      *jobs.Runner
	RateLimiter *cache.RateLimiter

	publisher publisher
}

// Build connects to the database, the cache and the broker, and wires the services. A
// missing cache or broker degrades to a disabled cache and a logging publisher.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	db, err := repository.ConnectWithRetry(ctx, log, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	}, dbConnectWait)
	if err != nil {
		return nil, fmt.Errorf("app.Build: %w", err)
	}

	store := connectCache(ctx, cfg, log)

	var pub publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("app.Build: %w", err)
		}
		pub = kp
	} else {
		log.Info("no kafka brokers configured, notifications are logged only")
		pub = notify.NewLogPublisher(log)
	}

	a := &App{Config: cfg, Logger: log, DB: db, Cache: store, publisher: pub}
	a.wire()
	return a, nil
}

func connectCache(ctx context.Context, cfg *config.Config, log *slog.Logger) *cache.Store {
	if cfg.RedisURL == "" {
		log.Info("no redis configured, caching disabled")
		return cache.NewStore(nil, log)
	}
	client, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn("redis unavailable, caching disabled", "error", err)
		return cache.NewStore(nil, log)
	}
	return cache.NewStore(client, log)
}

func (a *App) wire() {
	cfg := a.Config
	conn := a.DB.Conn()

	wallets := repository.NewWalletRepository(conn)
	a.Wallets = wallets
	payments := repository.NewExternalPaymentRepository(conn)
	walletTx := repository.NewWalletTransactionRepository(conn)
	orders := repository.NewOrderRepository(conn)

	a.Users = repository.NewUserRepository(conn)
	a.Idempotency = repository.NewIdempotencyRepository(conn)
	a.ProviderEvents = repository.NewProviderEventRepository(conn)
	a.Audit = repository.NewAuditRepository(conn)
	a.PaymentIntents = repository.NewIntentRepository(conn)

	entries := repository.NewLedgerRepository(conn)
	balanceCache := cache.NewBalanceCache(a.Cache, cfg.BalanceCacheTTL)
	a.Ledger = ledger.NewStore(wallets, entries, balanceCache, conn)
	a.Balances = ledger.NewBalances(wallets, entries, balanceCache)
	a.Billing = billing.NewEngine(repository.NewFeeRepository(conn), repository.NewBillingRepository(conn), a.Ledger, a.Cache, cfg.FeeCacheTTL, conn)

	a.Gateway = provider.New(provider.Config{
		BaseURL:          cfg.ProviderBaseURL,
		RelayURL:         cfg.ProviderRelayURL,
		APIKey:           cfg.ProviderAPIKey,
		CallbackURL:      cfg.WebhookCallbackURL,
		Timeout:          cfg.ProviderTimeout,
		MaxAttempts:      cfg.ProviderMaxAttempts,
		BackoffInitial:   cfg.ProviderBackoffInitial,
		BackoffMax:       cfg.ProviderBackoffMax,
		FailureThreshold: cfg.BreakerFailures,
		Cooldown:         cfg.BreakerCooldown,
	}, a.Logger)

	jobStore := repository.NewJobRepository(conn)
	queues := jobs.DefaultQueues(cfg)
	a.Jobs = jobs.NewClient(jobStore, queues)
	a.Runner = jobs.NewRunner(jobStore, queues, cfg.JobsPollInterval, a.Logger)
	a.RateLimiter = cache.NewRateLimiter(a.Cache, "ratelimit")

	a.Orders = order.NewService(orders, a.Users, a.Ledger, a.Billing, conn)
	a.Escrow = escrow.NewService(orders, repository.NewEscrowRepository(conn), a.Ledger, a.Billing, conn)
	a.Installments = installment.NewService(repository.NewInstallmentRepository(conn), orders, a.Ledger, a.Escrow, a.Billing, conn)
	a.Splits = split.NewService(repository.NewSplitRepository(conn), payments, a.Ledger, a.Gateway, a.Billing, conn)
	a.TopUps = topup.NewService(payments, walletTx, a.Ledger, a.Gateway, a.Billing, conn)
	a.Intents = intent.NewService(intent.Deps{
		Intents:  a.PaymentIntents,
		Payments: payments,
		WalletTx: walletTx,
		Users:    a.Users,
		Orders:   orders,
		Ledger:   a.Ledger,
		Gateway:  a.Gateway,
		Fees:     a.Billing,
		Jobs:     a.Jobs,
		DB:       conn,
	})

	a.Webhooks = webhook.NewReconciler(
		a.ProviderEvents,
		payments,
		a.Audit,
		a.Jobs,
		map[domain.ExternalPaymentPurpose]webhook.SettleFunc{
			domain.PurposeIntentLeg: a.Intents.SettleLeg,
			domain.PurposeRefund:    a.Intents.SettleRefund,
			domain.PurposeSplitLeg:  a.Splits.SettleLeg,
			domain.PurposeTopUp:     a.TopUps.Settle,
		},
		conn,
		webhook.Config{Secret: cfg.WebhookSecret, RedriveEvery: cfg.WebhookRedriveInterval},
		a.Logger,
	)
	a.Notifier = notify.NewDispatcher(a.publisher, cfg.NotificationTopicPrefix)

	a.Intents.Register(a.Runner)
	a.Webhooks.Register(a.Runner)
	a.Notifier.Register(a.Runner)
}

func (a *App) Close() {
	if err := a.publisher.Close(); err != nil {
		a.Logger.Warn("failed to close publisher", "error", err)
	}
	if err := a.Cache.Close(); err != nil {
		a.Logger.Warn("failed to close cache", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("failed to close database", "error", err)
	}
}
