// Package config provides configuration management for agentdeck.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentdeck.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Quotas    QuotaConfig     `mapstructure:"quotas"`
	Hooks     HookConfig      `mapstructure:"hooks"`
	Policies  PolicyConfig    `mapstructure:"policies"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite
	Path   string `mapstructure:"path"`   // sqlite file path
}

// NATSConfig holds NATS messaging configuration. When URL is empty the
// in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds working-directory and archive storage configuration.
type StorageConfig struct {
	// Root is the directory under which per-session working directories
	// are created (<root>/active/<session_id>).
	Root string `mapstructure:"root"`
	// ArchiveStore is the directory archives are written to.
	ArchiveStore string `mapstructure:"archiveStore"`
	// ArchiveCompression selects the archive format: gzip, zip, or tar.
	ArchiveCompression string `mapstructure:"archiveCompression"`
}

// AgentConfig holds agent subprocess defaults.
type AgentConfig struct {
	// Command is the agent CLI binary invoked per session.
	Command string `mapstructure:"command"`
	// DefaultModel is used when the session config does not name one.
	DefaultModel string `mapstructure:"defaultModel"`
	// MaxRetries bounds connect and background-turn retries.
	MaxRetries int `mapstructure:"maxRetries"`
	// RetryDelayMS is the base backoff delay in milliseconds.
	RetryDelayMS int `mapstructure:"retryDelayMs"`
	// TimeoutMS is the per-turn timeout in milliseconds. Zero disables it.
	TimeoutMS int `mapstructure:"timeoutMs"`
}

// QuotaConfig holds per-user quota defaults.
type QuotaConfig struct {
	MaxConcurrentSessions int     `mapstructure:"maxConcurrentSessions"`
	MonthlyBudgetUSD      float64 `mapstructure:"monthlyBudgetUsd"`
}

// HookConfig controls which built-in hooks are enabled by default.
type HookConfig struct {
	EnableAudit        bool `mapstructure:"enableAudit"`
	EnableMetrics      bool `mapstructure:"enableMetrics"`
	EnableNotification bool `mapstructure:"enableNotification"`
}

// PolicyConfig holds built-in policy configuration.
type PolicyConfig struct {
	// BlockedCommands are substrings denied for Bash tool invocations.
	BlockedCommands []string `mapstructure:"blockedCommands"`
	// RestrictedPaths are path prefixes denied for file tools.
	RestrictedPaths []string `mapstructure:"restrictedPaths"`
	// File optionally points at a YAML file with additional policy
	// definitions loaded at startup.
	File string `mapstructure:"file"`
}

// MetricsConfig holds metrics snapshot configuration.
type MetricsConfig struct {
	SnapshotIntervalMS int `mapstructure:"snapshotIntervalMs"`
}

// AuthConfig holds the static bearer-token map used by the transport layer.
// Token minting and verification proper live outside this service.
type AuthConfig struct {
	// Tokens maps bearer token -> user id.
	Tokens map[string]string `mapstructure:"tokens"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	// TickInterval is the scheduler resolution. Must be <= 1s per the
	// scheduling contract; defaults to 500ms.
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RetryDelay returns the base retry delay as a time.Duration.
func (a *AgentConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMS) * time.Millisecond
}

// Timeout returns the per-turn timeout as a time.Duration.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// SnapshotInterval returns the snapshot interval as a time.Duration.
func (m *MetricsConfig) SnapshotInterval() time.Duration {
	return time.Duration(m.SnapshotIntervalMS) * time.Millisecond
}

// Load reads configuration from the optional config file and environment.
// Environment variables use the documented names (STORAGE_ROOT,
// ARCHIVE_STORE, DEFAULT_MODEL, ...) and override file values.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("agentdeck")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.agentdeck")
	v.AddConfigPath("/etc/agentdeck")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only surface real parse errors.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated env lists
	if raw := v.GetString("BLOCKED_COMMANDS"); raw != "" {
		cfg.Policies.BlockedCommands = splitList(raw)
	}
	if raw := v.GetString("RESTRICTED_PATHS"); raw != "" {
		cfg.Policies.RestrictedPaths = splitList(raw)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentdeck.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdeck")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("storage.root", "./data/workdirs")
	v.SetDefault("storage.archiveStore", "./data/archives")
	v.SetDefault("storage.archiveCompression", "gzip")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.defaultModel", "claude-sonnet-4-5")
	v.SetDefault("agent.maxRetries", 3)
	v.SetDefault("agent.retryDelayMs", 1000)
	v.SetDefault("agent.timeoutMs", 0)

	v.SetDefault("quotas.maxConcurrentSessions", 5)
	v.SetDefault("quotas.monthlyBudgetUsd", 100.0)

	v.SetDefault("hooks.enableAudit", true)
	v.SetDefault("hooks.enableMetrics", true)
	v.SetDefault("hooks.enableNotification", true)

	v.SetDefault("metrics.snapshotIntervalMs", 60000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("scheduler.tickInterval", 500*time.Millisecond)
}

// bindEnvOverrides maps the documented environment variable names onto
// config keys.
func bindEnvOverrides(v *viper.Viper) {
	bindings := map[string]string{
		"storage.root":                 "STORAGE_ROOT",
		"storage.archiveStore":         "ARCHIVE_STORE",
		"storage.archiveCompression":   "ARCHIVE_COMPRESSION",
		"agent.command":                "AGENT_COMMAND",
		"agent.defaultModel":           "DEFAULT_MODEL",
		"agent.maxRetries":             "DEFAULT_MAX_RETRIES",
		"agent.retryDelayMs":           "DEFAULT_RETRY_DELAY_MS",
		"agent.timeoutMs":              "DEFAULT_TIMEOUT_MS",
		"quotas.maxConcurrentSessions": "MAX_CONCURRENT_SESSIONS_PER_USER",
		"quotas.monthlyBudgetUsd":      "USER_MONTHLY_BUDGET_USD",
		"metrics.snapshotIntervalMs":   "METRICS_SNAPSHOT_INTERVAL_MS",
		"hooks.enableAudit":            "ENABLE_AUDIT_HOOK",
		"hooks.enableMetrics":          "ENABLE_METRICS_HOOK",
		"hooks.enableNotification":     "ENABLE_NOTIFICATION_HOOK",
		"database.path":                "DATABASE_PATH",
		"nats.url":                     "NATS_URL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
