package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Engine         EngineConfig         `yaml:"engine"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Hub            HubConfig            `yaml:"hub"`
	Fees           FeeConfig            `yaml:"fees"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Discord        DiscordConfig        `yaml:"discord"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx", "sql" or "memory"
	// Migrate applies the bundled schema on startup.
	Migrate bool `yaml:"migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	HealthPort      int           `yaml:"health_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// EngineConfig tunes entry into an auction's critical section.
type EngineConfig struct {
	// LockWait bounds a single attempt to enter an auction's critical section.
	LockWait time.Duration `yaml:"lock_wait"`
	// LockRetries is how many further attempts are made after the first times out.
	LockRetries int `yaml:"lock_retries"`
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// RecoveryConcurrency limits parallel auction rebuilds on startup.
	RecoveryConcurrency int `yaml:"recovery_concurrency"`
}

// SchedulerConfig holds settings for the close/start timer.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HubConfig holds broadcast settings.
type HubConfig struct {
	// MaxBacklog is the number of undelivered messages after which a
	// subscriber is disconnected.
	MaxBacklog int `yaml:"max_backlog"`
}

// FeeTier is one band of the sliding fee schedule. Amounts are minor units.
type FeeTier struct {
	UpTo    int64  `yaml:"up_to"` // 0 means unbounded
	Percent string `yaml:"percent"`
}

// FeeConfig holds the platform fee schedule.
type FeeConfig struct {
	Tiers []FeeTier `yaml:"tiers"`
	Floor int64     `yaml:"floor"`
	// Waived disables platform fees entirely.
	Waived bool `yaml:"waived"`
}

// SettlementConfig holds payment capture settings.
type SettlementConfig struct {
	// CaptureRetries is how many further attempts follow a failed capture.
	CaptureRetries int           `yaml:"capture_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			HealthPort:      8081,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Engine: EngineConfig{
			LockWait:            250 * time.Millisecond,
			LockRetries:         3,
			RetryDelay:          50 * time.Millisecond,
			RecoveryConcurrency: 8,
		},
		Scheduler: SchedulerConfig{
			Interval: time.Second,
		},
		Hub: HubConfig{
			MaxBacklog: 1024,
		},
		Fees: FeeConfig{
			Tiers: []FeeTier{
				{UpTo: 100_000, Percent: "10"},
				{UpTo: 0, Percent: "5"},
			},
			Floor: 100,
		},
		Settlement: SettlementConfig{
			CaptureRetries: 3,
			RetryDelay:     2 * time.Second,
			CaptureTimeout: 30 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "sql", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"sqlx\", \"sql\" or \"memory\"", c.Database.Driver)
	}
	if c.Engine.LockWait <= 0 {
		return fmt.Errorf("engine.lock_wait must be positive")
	}
	if c.Engine.LockRetries < 0 {
		return fmt.Errorf("engine.lock_retries must not be negative")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Hub.MaxBacklog <= 0 {
		return fmt.Errorf("hub.max_backlog must be positive")
	}
	if c.Settlement.CaptureRetries < 0 {
		return fmt.Errorf("settlement.capture_retries must not be negative")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required when discord is enabled")
	}
	return nil
}
