// Package config loads host configuration from a YAML file plus JOBS_*
// environment overrides. All knobs have working defaults; only the owner
// key is mandatory.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full host configuration.
type Config struct {
	// OwnerKey is the principal key of the single owner identity. Required.
	OwnerKey string `mapstructure:"owner_key"`

	Store        StoreConfig        `mapstructure:"store"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Session      SessionConfig      `mapstructure:"session"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// StoreConfig selects and parameterizes the durable store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path     string `mapstructure:"path"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CapabilitiesConfig is the per-role operation allow list plus role
// instruction text.
type CapabilitiesConfig struct {
	Owner    []string `mapstructure:"owner"`
	External []string `mapstructure:"external"`

	OwnerInstructions    string `mapstructure:"owner_instructions"`
	ExternalInstructions string `mapstructure:"external_instructions"`
}

// SessionConfig parameterizes the session registry.
type SessionConfig struct {
	IdleTTL     time.Duration `mapstructure:"idle_ttl"`
	MaxSessions int           `mapstructure:"max_sessions"`
	LockWait    time.Duration `mapstructure:"lock_wait"`
	LockCeiling time.Duration `mapstructure:"lock_ceiling"`
}

// AdmissionConfig parameterizes external identity admission.
type AdmissionConfig struct {
	// ExternalRate is sustained events per second per external identity.
	ExternalRate  float64 `mapstructure:"external_rate"`
	ExternalBurst int     `mapstructure:"external_burst"`
}

// SchedulerConfig parameterizes the timer source.
type SchedulerConfig struct {
	PollPeriod time.Duration `mapstructure:"poll_period"`
}

// HeartbeatConfig parameterizes the periodic sweep.
type HeartbeatConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	OwnerCheckPrompt string        `mapstructure:"owner_check_prompt"`
}

// DispatcherConfig parameterizes trigger delivery.
type DispatcherConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	WorkerIdle  time.Duration `mapstructure:"worker_idle"`
	OwnerPrefix string        `mapstructure:"owner_prefix"`
}

// AgentConfig selects and parameterizes the reasoning-engine provider.
type AgentConfig struct {
	// Provider is "anthropic" or "openai".
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LoggingConfig parameterizes the slog backend.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// Load reads the configuration file at path (optional; empty path uses
// defaults and environment only) and applies JOBS_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field constraints a bad file can violate.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OwnerKey) == "" {
		return fmt.Errorf("config: owner_key is required")
	}
	switch c.Agent.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown agent provider %q", c.Agent.Provider)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	if c.Session.LockCeiling < c.Session.LockWait {
		return fmt.Errorf("config: session.lock_ceiling must not be below session.lock_wait")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Registering the key makes the JOBS_OWNER_KEY env override visible to
	// Unmarshal even without a config file.
	v.SetDefault("owner_key", "")

	v.SetDefault("store.path", "")
	v.SetDefault("store.pool_size", 4)

	v.SetDefault("capabilities.owner", []string{
		"send_message", "schedule_task", "cancel_task", "delegate_task",
		"list_tasks", "manage_subscriptions",
	})
	v.SetDefault("capabilities.external", []string{"send_message"})
	v.SetDefault("capabilities.owner_instructions",
		"You are the owner's personal assistant. You may use every available operation.")
	v.SetDefault("capabilities.external_instructions",
		"You are talking to a guest. Be helpful but never reveal the owner's private data.")

	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.max_sessions", 1024)
	v.SetDefault("session.lock_wait", 10*time.Second)
	v.SetDefault("session.lock_ceiling", 5*time.Minute)

	v.SetDefault("admission.external_rate", 1.0)
	v.SetDefault("admission.external_burst", 5)

	v.SetDefault("scheduler.poll_period", 30*time.Second)

	v.SetDefault("heartbeat.interval", 30*time.Minute)
	v.SetDefault("heartbeat.owner_check_prompt", "")

	v.SetDefault("dispatcher.queue_size", 64)
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("dispatcher.retry_base", 250*time.Millisecond)
	v.SetDefault("dispatcher.worker_idle", 5*time.Minute)
	v.SetDefault("dispatcher.owner_prefix", "[background]")

	v.SetDefault("agent.provider", "anthropic")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.temperature", 0.7)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}
