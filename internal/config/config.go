package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	JWTSecret       string        `env:"JWT_SECRET,required"`
	JWTExpiry       time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
	Port            int           `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv          string        `env:"APP_ENV" envDefault:"production"`
	DefaultCurrency string        `env:"DEFAULT_CURRENCY" envDefault:"KES"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`

	RedisURL        string        `env:"REDIS_URL"`
	BalanceCacheTTL time.Duration `env:"BALANCE_CACHE_TTL" envDefault:"60s"`
	FeeCacheTTL     time.Duration `env:"FEE_CACHE_TTL" envDefault:"5m"`

	KafkaBrokers            []string `env:"KAFKA_BROKERS" envSeparator:","`
	NotificationTopicPrefix string   `env:"NOTIFICATION_TOPIC_PREFIX" envDefault:"notifications"`

	ProviderBaseURL        string        `env:"PROVIDER_BASE_URL" envDefault:"http://mock-provider:8081"`
	ProviderRelayURL       string        `env:"PROVIDER_RELAY_URL"`
	ProviderAPIKey         string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout        time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"12s"`
	ProviderMaxAttempts    int           `env:"PROVIDER_MAX_ATTEMPTS" envDefault:"3"`
	ProviderBackoffInitial time.Duration `env:"PROVIDER_BACKOFF_INITIAL" envDefault:"1s"`
	ProviderBackoffMax     time.Duration `env:"PROVIDER_BACKOFF_MAX" envDefault:"10s"`
	BreakerFailures        uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldown        time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`

	WebhookSecret          string        `env:"WEBHOOK_SECRET"`
	WebhookRateLimit       int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"60"`
	WebhookRateWindow      time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`
	WebhookRedriveInterval time.Duration `env:"WEBHOOK_REDRIVE_INTERVAL" envDefault:"10s"`
	WebhookCallbackURL     string        `env:"WEBHOOK_CALLBACK_URL" envDefault:"http://app:8080/api/v1/webhooks/provider"`

	SplitCreateLimit  int `env:"SPLIT_CREATE_LIMIT" envDefault:"30"`
	SplitExecuteLimit int `env:"SPLIT_EXECUTE_LIMIT" envDefault:"10"`

	JobsPollInterval             time.Duration `env:"JOBS_POLL_INTERVAL" envDefault:"500ms"`
	JobsPaymentsConcurrency      int           `env:"JOBS_PAYMENTS_CONCURRENCY" envDefault:"10"`
	JobsPaymentsRate             float64       `env:"JOBS_PAYMENTS_RATE" envDefault:"100"`
	JobsWebhooksConcurrency      int           `env:"JOBS_WEBHOOKS_CONCURRENCY" envDefault:"20"`
	JobsWebhooksRate             float64       `env:"JOBS_WEBHOOKS_RATE" envDefault:"200"`
	JobsNotificationsConcurrency int           `env:"JOBS_NOTIFICATIONS_CONCURRENCY" envDefault:"10"`
	JobsNotificationsRate        float64       `env:"JOBS_NOTIFICATIONS_RATE" envDefault:"100"`
	JobsCompensationConcurrency  int           `env:"JOBS_COMPENSATION_CONCURRENCY" envDefault:"4"`
	JobsCompensationRate         float64       `env:"JOBS_COMPENSATION_RATE" envDefault:"20"`
}

// IsDevelopment reports whether the service runs with local defaults.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config.Load: dotenv: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
