// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// CreditPackages maps top-up amount in RUB to credits granted. Fixed at build
// time; extending it must be mirrored in admission pricing and the payment UI.
var CreditPackages = map[int64]int64{
	100: 100,
	200: 200,
	300: 300,
	500: 500,
}

// GenerationCost maps tariff name to credit cost. The cost carried by a
// JobRequest remains authoritative at admission; this map feeds the callers.
var GenerationCost = map[string]int64{
	"nano_banana_pro": 19,
	"riverflow_pro":   45,
	"flux_2_pro":      9,
	"kling_video_5s":  70,
	"kling_video_10s": 140,
}

// Welcome and referral bonuses, in credits.
const (
	WelcomeCredits  = 11
	ReferralCredits = 11
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Telegram front-end provider.
	TelegramBotToken      string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramWebhookURL    string `env:"TELEGRAM_WEBHOOK_URL"`
	TelegramWebhookSecret string `env:"TELEGRAM_WEBHOOK_SECRET"`

	// Stores.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisSSL    bool   `env:"REDIS_SSL"`

	// Payments. Pipeline is disabled unless shop id and secret key are set.
	YookassaShopID        string `env:"YOOKASSA_SHOP_ID"`
	YookassaSecretKey     string `env:"YOOKASSA_SECRET_KEY"`
	YookassaWebhookSecret string `env:"YOOKASSA_WEBHOOK_SECRET"`

	// AdminIDs are telegram ids with admin privilege.
	AdminIDs []int64 `env:"ADMIN_IDS" envSeparator:","`

	SupportTGURL string `env:"SUPPORT_TG_URL"`

	// Queue & generation limits.
	MaxQueuedTasksPerUser int           `env:"MAX_QUEUED_TASKS_PER_USER" envDefault:"3"`
	MaxGlobalQueueSize    int           `env:"MAX_GLOBAL_QUEUE_SIZE" envDefault:"500"`
	MaxGPUJobs            int           `env:"MAX_GPU_JOBS" envDefault:"1"`
	GenerationLockTTL     time.Duration `env:"GENERATION_LOCK_TTL" envDefault:"300s"`
	GenerationTimeout     time.Duration `env:"GENERATION_TIMEOUT" envDefault:"200s"`

	// Generation backend endpoint (ComfyUI-compatible).
	BackendURL string `env:"BACKEND_URL" envDefault:"http://localhost:8188"`

	// HTTP server.
	MaxWebhookBodyBytes   int64         `env:"MAX_WEBHOOK_BODY_BYTES" envDefault:"1048576"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`

	// Periodic loops.
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileMaxAge   time.Duration `env:"RECONCILE_MAX_AGE" envDefault:"10m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"genbot-core"`
}

// Hosting platforms expose the store URLs under slightly different names;
// accept the common aliases.
var envAliases = map[string][]string{
	"DATABASE_URL": {"DATABASE_URL", "POSTGRES_URL", "POSTGRESQL_URL", "PGDATABASE_URL"},
	"REDIS_URL":    {"REDIS_URL", "REDIS_PRIVATE_URL", "REDIS_PUBLIC_URL"},
}

func envFirst(names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// Load parses environment variables into a Config and resolves aliases.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if v := envFirst(envAliases["DATABASE_URL"]); v != "" {
		cfg.DatabaseURL = v
	}
	if v := envFirst(envAliases["REDIS_URL"]); v != "" {
		cfg.RedisURL = v
	}
	return cfg, nil
}

// Validate checks required keys and webhook secrets. The returned error lists
// every problem so operators see the full picture in one crash log.
func (c Config) Validate() error {
	var missing []string

	if c.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN: bot token from @BotFather")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL: PostgreSQL connection string (or POSTGRES_URL / POSTGRESQL_URL)")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL: Redis connection string (or REDIS_PRIVATE_URL / REDIS_PUBLIC_URL)")
	}
	if c.TelegramWebhookURL != "" && (c.TelegramWebhookSecret == "" || c.TelegramWebhookSecret == "changeme") {
		missing = append(missing, "TELEGRAM_WEBHOOK_SECRET: set a strong secret when TELEGRAM_WEBHOOK_URL is set")
	}
	if c.PaymentsEnabled() && c.YookassaWebhookSecret == "" {
		missing = append(missing, "YOOKASSA_WEBHOOK_SECRET: required when YooKassa credentials are set")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing/invalid environment variables:\n  • %s", strings.Join(missing, "\n  • "))
	}
	return nil
}

// PaymentsEnabled reports whether the payment pipeline should run.
func (c Config) PaymentsEnabled() bool {
	return c.YookassaShopID != "" && c.YookassaSecretKey != ""
}

// RedisTLSEnabled reports whether the Redis connection should use TLS.
func (c Config) RedisTLSEnabled() bool {
	return c.RedisSSL || strings.HasPrefix(c.RedisURL, "rediss://")
}

// TelegramWebhookPath is the secret-bearing webhook route.
func (c Config) TelegramWebhookPath() string {
	return "/webhook/telegram/" + c.TelegramWebhookSecret
}

// FullTelegramWebhookURL is the externally visible webhook endpoint.
func (c Config) FullTelegramWebhookURL() string {
	return strings.TrimRight(c.TelegramWebhookURL, "/") + c.TelegramWebhookPath()
}

// GenerationTimeoutFor returns the backend deadline for a job kind; video
// jobs get double the base timeout.
func (c Config) GenerationTimeoutFor(videoClass bool) time.Duration {
	if videoClass {
		return 2 * c.GenerationTimeout
	}
	return c.GenerationTimeout
}

// IsAdminID reports whether the telegram id carries admin privilege.
func (c Config) IsAdminID(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
