package config

import (
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/humanagencyorg/twilio-stub/pkg/webhook"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// StubConfig holds configuration for the twilio-stub service.
type StubConfig struct {
	config.ConfigurationDefault

	// Conversation store
	StoreBackend string `envDefault:"sqlite"                   env:"STORE_BACKEND"`
	SQLitePath   string `envDefault:"./twilio-stub.db"         env:"SQLITE_PATH"`
	RedisURL     string `envDefault:"redis://localhost:6379/0" env:"REDIS_URL"`
	RedisPrefix  string `envDefault:"twilio-stub:"             env:"REDIS_PREFIX"`

	// Schema
	SchemaFile  string `envDefault:""      env:"SCHEMA_FILE"`
	SchemaWatch bool   `envDefault:"false" env:"SCHEMA_WATCH"`

	// Engine
	PacingIntervalMs int  `envDefault:"500"   env:"PACING_INTERVAL_MS"`
	MaxRedirects     int  `envDefault:"64"    env:"MAX_REDIRECTS"`
	StrictTypes      bool `envDefault:"false" env:"STRICT_VALIDATION_TYPES"`
	TurnDelayMs      int  `envDefault:"1000"  env:"TURN_DELAY_MS"`

	// Outbound webhooks
	WebhookTimeoutSec    int    `envDefault:"10"    env:"WEBHOOK_TIMEOUT_SEC"`
	WebhookAuthToken     string `envDefault:""      env:"WEBHOOK_AUTH_TOKEN"`
	AllowPrivateWebhooks bool   `envDefault:"true"  env:"ALLOW_PRIVATE_WEBHOOKS"`
	CBFailThreshold      int    `envDefault:"5"     env:"WEBHOOK_CB_FAIL_THRESHOLD"`
	CBResetTimeoutSec    int    `envDefault:"30"    env:"WEBHOOK_CB_RESET_TIMEOUT_SEC"`
	AdminAuthRequired    bool   `envDefault:"false" env:"ADMIN_AUTH_REQUIRED"`
}

// PacingInterval is the pause after each bot message.
func (c *StubConfig) PacingInterval() time.Duration {
	return time.Duration(c.PacingIntervalMs) * time.Millisecond
}

// TurnDelay is the wait before an asynchronous js_api turn runs.
func (c *StubConfig) TurnDelay() time.Duration {
	return time.Duration(c.TurnDelayMs) * time.Millisecond
}

// WebhookTimeout bounds one outbound webhook call.
func (c *StubConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}

// WebhookBreaker configures the per-host webhook circuit breaker.
func (c *StubConfig) WebhookBreaker() webhook.BreakerConfig {
	return webhook.BreakerConfig{
		FailureThreshold: c.CBFailThreshold,
		ResetTimeout:     time.Duration(c.CBResetTimeoutSec) * time.Second,
	}
}
