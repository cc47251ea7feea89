package models

import "time"

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	WAHA        WAHAConfig        `json:"waha" mapstructure:"waha"`
	Database    DatabaseConfig    `json:"database" mapstructure:"database"`
	Session     SessionConfig     `json:"session" mapstructure:"session"`
	Queue       QueueConfig       `json:"queue" mapstructure:"queue"`
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`
	Notify      NotifyConfig      `json:"notify" mapstructure:"notify"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Retry       RetryConfig       `json:"retry" mapstructure:"retry"`
	LogLevel    string            `json:"log_level" mapstructure:"log_level"`
}

// ServerConfig holds the admin HTTP server settings
type ServerConfig struct {
	Port            int    `json:"port" mapstructure:"port"`
	APIKey          string `json:"api_key" mapstructure:"api_key"`
	ReadTimeoutSec  int    `json:"read_timeout_sec" mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec" mapstructure:"write_timeout_sec"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec" mapstructure:"idle_timeout_sec"`
}

// WAHAConfig holds the chat gateway settings
type WAHAConfig struct {
	APIBaseURL    string `json:"api_base_url" mapstructure:"api_base_url"`
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	TimeoutSec    int    `json:"timeout_sec" mapstructure:"timeout_sec"`
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret"`
	// UseWebsocket subscribes to the gateway event stream instead of relying on webhooks.
	UseWebsocket bool `json:"use_websocket" mapstructure:"use_websocket"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx".
	Driver string `json:"driver" mapstructure:"driver"`
	// DSN is a file path for sqlite3 or a connection URL for pgx.
	DSN string `json:"dsn" mapstructure:"dsn"`
}

// SessionConfig holds session lifecycle timings
type SessionConfig struct {
	ReconnectDelayMs     int    `json:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
	LoginCodeExpirySec   int    `json:"login_code_expiry_sec" mapstructure:"login_code_expiry_sec"`
	FirstLoginRestartSec int    `json:"first_login_restart_sec" mapstructure:"first_login_restart_sec"`
	RestartSettleMs      int    `json:"restart_settle_ms" mapstructure:"restart_settle_ms"`
	CloseWaitSec         int    `json:"close_wait_sec" mapstructure:"close_wait_sec"`
	BreakerMaxFailures   int    `json:"breaker_max_failures" mapstructure:"breaker_max_failures"`
	BreakerCooldownSec   int    `json:"breaker_cooldown_sec" mapstructure:"breaker_cooldown_sec"`
	CommandPrefix        string `json:"command_prefix" mapstructure:"command_prefix"`
	RestoreOnStartup     bool   `json:"restore_on_startup" mapstructure:"restore_on_startup"`
}

// QueueConfig holds task queue settings
type QueueConfig struct {
	// TaskTimeoutSec bounds a single task; zero disables the bound.
	TaskTimeoutSec int `json:"task_timeout_sec" mapstructure:"task_timeout_sec"`
}

// CredentialsConfig holds credential store settings
type CredentialsConfig struct {
	SweepIntervalSec int `json:"sweep_interval_sec" mapstructure:"sweep_interval_sec"`
	DefaultMaxRAMMB  int `json:"default_max_ram_mb" mapstructure:"default_max_ram_mb"`
	DefaultMaxROMMB  int `json:"default_max_rom_mb" mapstructure:"default_max_rom_mb"`
}

// NotifyConfig holds operator and user notification settings
type NotifyConfig struct {
	AdminNumber   string     `json:"admin_number" mapstructure:"admin_number"`
	OperatorEmail string     `json:"operator_email" mapstructure:"operator_email"`
	SMTP          SMTPConfig `json:"smtp" mapstructure:"smtp"`
}

// SMTPConfig holds mail relay settings
type SMTPConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	From     string `json:"from" mapstructure:"from"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName    string  `json:"service_name" mapstructure:"service_name"`
	ServiceVersion string  `json:"service_version" mapstructure:"service_version"`
	Environment    string  `json:"environment" mapstructure:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample_rate"`
	UseConsole     bool    `json:"use_console" mapstructure:"use_console"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts" mapstructure:"max_attempts"`
}

// Duration helpers used by the wiring code.

func (s SessionConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

func (s SessionConfig) LoginCodeExpiry() time.Duration {
	return time.Duration(s.LoginCodeExpirySec) * time.Second
}

func (s SessionConfig) FirstLoginRestart() time.Duration {
	return time.Duration(s.FirstLoginRestartSec) * time.Second
}

func (s SessionConfig) RestartSettle() time.Duration {
	return time.Duration(s.RestartSettleMs) * time.Millisecond
}

func (s SessionConfig) CloseWait() time.Duration {
	return time.Duration(s.CloseWaitSec) * time.Second
}

func (s SessionConfig) BreakerCooldown() time.Duration {
	return time.Duration(s.BreakerCooldownSec) * time.Second
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
