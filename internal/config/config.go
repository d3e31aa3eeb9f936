package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
)

type Config struct {
	Primary    Primary                   `koanf:"primary"`
	Server     ServerConfig              `koanf:"server"`
	Database   DatabaseConfig            `koanf:"database"`
	Redis      RedisConfig               `koanf:"redis"`
	Queue      QueueConfig               `koanf:"queue"`
	Broker     BrokerConfig              `koanf:"broker"`
	Reconciler ReconcilerConfig          `koanf:"reconciler"`
	Webhook    WebhookConfig             `koanf:"webhook"`
	Logger     LoggerConfig              `koanf:"logger"`
	Providers  map[string]ProviderConfig `koanf:"providers" validate:"dive"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type ServerConfig struct {
	Port         string        `koanf:"port" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"required"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"required"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" validate:"required"`
}

type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"required"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password" validate:"required"`
	Name            string        `koanf:"name" validate:"required"`
	SSLMode         string        `koanf:"ssl_mode" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"required"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"required"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"required"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"required"`
	// LockTimeout bounds how long a transition waits on a reservation row
	// held by another worker. Zero uses defaultLockTimeout.
	LockTimeout     time.Duration `koanf:"lock_timeout"`
}

type RedisConfig struct {
	Addr        string        `koanf:"addr" validate:"required"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	DedupeTTL   time.Duration `koanf:"dedupe_ttl" validate:"required"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// QueueConfig configures the asynq server that runs confirmation, discard
// and reconciliation tasks.
type QueueConfig struct {
	Concurrency        int `koanf:"concurrency" validate:"required"`
	ConfirmMaxRetry    int `koanf:"confirm_max_retry"`
	DiscardMaxRetry    int `koanf:"discard_max_retry"`
	ReconcileTaskRetry int `koanf:"reconcile_task_retry"`
}

type BrokerConfig struct {
	URL      string `koanf:"url" validate:"required"`
	Exchange string `koanf:"exchange" validate:"required"`
}

type ReconcilerConfig struct {
	Interval       time.Duration `koanf:"interval" validate:"required"`
	BatchSize      int           `koanf:"batch_size" validate:"required"`
	Concurrency    int           `koanf:"concurrency" validate:"required"`
	Lease          time.Duration `koanf:"lease" validate:"required"`
	OfflineGrace   time.Duration `koanf:"offline_grace" validate:"required"`
	GatewayTimeout time.Duration `koanf:"gateway_timeout" validate:"required"`
}

type WebhookConfig struct {
	Workers        int           `koanf:"workers" validate:"required"`
	GatewayTimeout time.Duration `koanf:"gateway_timeout" validate:"required"`
}

// ProviderConfig is keyed by lower-case provider id (stripe, paypal, ...).
type ProviderConfig struct {
	Enabled          bool          `koanf:"enabled"`
	BaseURL          string        `koanf:"base_url"`
	APIKey           string        `koanf:"api_key"`
	WebhookSecret    string        `koanf:"webhook_secret"`
	Timeout          time.Duration `koanf:"timeout"`
	DisabledContexts []string      `koanf:"disabled_contexts"`
	Account          string        `koanf:"account"`
	// NotifyURL is the public base the provider posts notifications to,
	// e.g. https://tickets.example.com/webhooks.
	NotifyURL  string        `koanf:"notify_url"`
	MaxRetries int           `koanf:"max_retries"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

type LoggerConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaults fill settings that are optional in the environment. Keys use the
// same dotted form the env provider produces.
var defaults = map[string]interface{}{
	"primary.env":                 "development",
	"server.port":                 "8080",
	"server.read_timeout":         "10s",
	"server.write_timeout":        "30s",
	"server.idle_timeout":         "60s",
	"database.ssl_mode":           "disable",
	"database.max_open_conns":     25,
	"database.max_idle_conns":     5,
	"database.conn_max_lifetime":  "1h",
	"database.conn_max_idle_time": "15m",
	"database.lock_timeout":       "5s",
	"redis.dedupe_ttl":            "24h",
	"redis.dial_timeout":          "5s",
	"queue.concurrency":           10,
	"queue.confirm_max_retry":     25,
	"queue.discard_max_retry":     5,
	"queue.reconcile_task_retry":  1,
	"broker.exchange":             "ticketing.inventory",
	"reconciler.interval":         "1m",
	"reconciler.batch_size":       100,
	"reconciler.concurrency":      4,
	"reconciler.lease":            "5m",
	"reconciler.offline_grace":    "72h",
	"reconciler.gateway_timeout":  "15s",
	"webhook.workers":             16,
	"webhook.gateway_timeout":     "10s",
	"logger.level":                "info",
	"logger.format":               "json",
}

const envPrefix = "TICKETING_"

// LoadConfig reads TICKETING_* variables (and a .env file when present) over
// the built-in defaults. A double underscore separates nested keys, so
// TICKETING_PROVIDERS__STRIPE__API_KEY sets providers.stripe.api_key.
func LoadConfig() (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		logger.Error("failed to load config defaults", "error", err)
		return nil, err
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		logger.Error("failed to read environment", "prefix", envPrefix, "error", err)
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		logger.Error("could not unmarshal config", "error", err)
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return cfg, nil
}
