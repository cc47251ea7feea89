package config

import (
	"fmt"
	"os"
	"strings"

	"whatsbot/internal/constants"
	"whatsbot/internal/models"

	"github.com/spf13/viper"
)

var (
	ErrMissingGatewayURL = models.ConfigError{Message: "missing WAHA API URL"}
	ErrMissingDSN        = models.ConfigError{Message: "missing database DSN"}
	ErrUnknownDriver     = models.ConfigError{Message: "database driver must be sqlite3 or pgx"}
)

// legacyEnv maps bare environment names used by older deployments onto config keys.
var legacyEnv = map[string]string{
	"ADMIN_NUMBER":   "notify.admin_number",
	"DATABASE_URL":   "database.dsn",
	"WAHA_API_URL":   "waha.api_base_url",
	"WAHA_API_KEY":   "waha.api_key",
	"SMTP_PASSWORD":  "notify.smtp.password",
	"WEBHOOK_SECRET": "waha.webhook_secret",
}

// LoadConfig reads the JSON file at path (optional when empty), applies defaults and
// WHATSBOT_* environment overrides, then validates the result.
func LoadConfig(path string) (*models.Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("WHATSBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", constants.DefaultServerPort)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.read_timeout_sec", constants.DefaultServerReadTimeoutSec)
	v.SetDefault("server.write_timeout_sec", constants.DefaultServerWriteTimeoutSec)
	v.SetDefault("server.idle_timeout_sec", constants.DefaultServerIdleTimeoutSec)

	v.SetDefault("waha.api_base_url", constants.DefaultWAHABaseURL)
	v.SetDefault("waha.api_key", "")
	v.SetDefault("waha.timeout_sec", constants.DefaultHTTPTimeoutSec)
	v.SetDefault("waha.webhook_secret", "")
	v.SetDefault("waha.use_websocket", true)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "whatsbot.db")

	v.SetDefault("session.reconnect_delay_ms", constants.DefaultReconnectDelayMs)
	v.SetDefault("session.login_code_expiry_sec", constants.DefaultLoginCodeExpirySec)
	v.SetDefault("session.first_login_restart_sec", constants.DefaultFirstLoginRestartSec)
	v.SetDefault("session.restart_settle_ms", constants.DefaultRestartSettleMs)
	v.SetDefault("session.close_wait_sec", constants.DefaultSessionCloseWaitSec)
	v.SetDefault("session.breaker_max_failures", constants.DefaultBreakerMaxFailures)
	v.SetDefault("session.breaker_cooldown_sec", constants.DefaultBreakerCooldownSec)
	v.SetDefault("session.command_prefix", constants.DefaultCommandPrefix)
	v.SetDefault("session.restore_on_startup", true)

	v.SetDefault("queue.task_timeout_sec", 0)

	v.SetDefault("credentials.sweep_interval_sec", constants.DefaultLimitSweepSec)
	v.SetDefault("credentials.default_max_ram_mb", constants.DefaultMaxRAMMB)
	v.SetDefault("credentials.default_max_rom_mb", constants.DefaultMaxROMMB)

	v.SetDefault("notify.admin_number", "")
	v.SetDefault("notify.operator_email", "")
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "whatsbot")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.use_console", false)

	v.SetDefault("retry.initial_backoff_ms", constants.DefaultBackoffInitialMs)
	v.SetDefault("retry.max_backoff_ms", constants.DefaultBackoffMaxSec*1000)
	v.SetDefault("retry.max_attempts", constants.DefaultStartupRetryAttempts)
}

func decode(v *viper.Viper) (*models.Config, error) {
	for env, key := range legacyEnv {
		prefixed := "WHATSBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if val := os.Getenv(env); val != "" && os.Getenv(prefixed) == "" {
			v.Set(key, val)
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(c *models.Config) error {
	if c.WAHA.APIBaseURL == "" {
		return ErrMissingGatewayURL
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return ErrUnknownDriver
	}

	if c.Session.ReconnectDelayMs <= 0 {
		c.Session.ReconnectDelayMs = constants.DefaultReconnectDelayMs
	}
	if c.Session.LoginCodeExpirySec <= 0 {
		c.Session.LoginCodeExpirySec = constants.DefaultLoginCodeExpirySec
	}
	if c.Session.BreakerMaxFailures <= 0 {
		c.Session.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Session.CommandPrefix == "" {
		c.Session.CommandPrefix = constants.DefaultCommandPrefix
	}
	if c.Credentials.SweepIntervalSec <= 0 {
		c.Credentials.SweepIntervalSec = constants.DefaultLimitSweepSec
	}
	if c.Queue.TaskTimeoutSec < 0 {
		return models.ConfigError{Message: "queue.task_timeout_sec must not be negative"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}

	if os.Getenv("WHATSBOT_ENV") == "production" {
		if c.WAHA.WebhookSecret == "" {
			return models.ConfigError{Message: "WAHA webhook secret is required in production (set WHATSBOT_WAHA_WEBHOOK_SECRET)"}
		}
		if c.Server.APIKey == "" {
			return models.ConfigError{Message: "admin API key is required in production (set WHATSBOT_SERVER_API_KEY)"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production"}
		}
	}
	return nil
}
