// Package config loads and validates tmig configuration from layered
// YAML files and TMIG_* environment variables.
package config

import (
	"fmt"
	"time"

	migerrors "github.com/randalmurphal/tmig/internal/errors"
)

const (
	// ProjectFileName is the per-project config file looked up in the
	// working directory.
	ProjectFileName = "tmig.yaml"
	// UserConfigDir is the directory under the user config root that
	// holds the user-level config file.
	UserConfigDir = "tmig"
	// SystemConfigPath is the optional machine-wide config file.
	SystemConfigPath = "/etc/tmig/config.yaml"
)

// Config is the merged tmig configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Target    TargetConfig    `yaml:"target"`
	Store     StoreConfig     `yaml:"store"`
	Migration MigrationConfig `yaml:"migration"`
	Fields    []FieldMapping  `yaml:"fields"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
}

// SourceConfig holds the Source (Zephyr-style) service connection.
type SourceConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	ProjectKey string `yaml:"project_key"`
	PageSize   int    `yaml:"page_size"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// TargetConfig holds the Target (qTest-style) service connection.
type TargetConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	ProjectID  int64  `yaml:"project_id"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the database path for sqlite or a connection string for
	// postgres.
	DSN string `yaml:"dsn"`
}

// MigrationConfig carries the workflow knobs.
type MigrationConfig struct {
	BatchSize  int `yaml:"batch_size"`
	MaxWorkers int `yaml:"max_workers"`
	// TimeoutSec bounds each ETL phase; zero disables the bound.
	TimeoutSec        int         `yaml:"timeout_seconds"`
	ValidationEnabled bool        `yaml:"validation_enabled"`
	RollbackEnabled   bool        `yaml:"rollback_enabled"`
	AttachmentsDir    string      `yaml:"attachments_dir"`
	OutputDir         string      `yaml:"output_dir"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig parameterizes the transient-failure retry policy.
type RetryConfig struct {
	MaxRetries      int     `yaml:"max_retries"`
	InitialDelaySec float64 `yaml:"initial_delay_seconds"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
}

// FieldMapping maps one source custom field onto a target property.
type FieldMapping struct {
	Source     string `yaml:"source"`
	TargetID   int64  `yaml:"target_id"`
	TargetName string `yaml:"target_name"`
	// Kind is the target field type: string, number, bool, date or list.
	Kind string `yaml:"kind"`
}

// LogConfig configures the slog handler the CLI installs.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "text" or "json"; the --json flag overrides.
	Format string `yaml:"format"`
}

// ServerConfig configures tmig serve.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			PageSize:   100,
			TimeoutSec: 60,
		},
		Target: TargetConfig{
			TimeoutSec: 60,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "tmig.db",
		},
		Migration: MigrationConfig{
			BatchSize:         50,
			MaxWorkers:        5,
			TimeoutSec:        0,
			ValidationEnabled: true,
			RollbackEnabled:   false,
			OutputDir:         "tmig-output",
			Retry: RetryConfig{
				MaxRetries:      3,
				InitialDelaySec: 1.0,
				BackoffFactor:   2.0,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// PhaseTimeout returns the configured per-phase bound as a duration.
func (m MigrationConfig) PhaseTimeout() time.Duration {
	if m.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(m.TimeoutSec) * time.Second
}

// InitialDelay returns the retry initial delay as a duration.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySec * float64(time.Second))
}

// Validate checks the merged configuration. Connection credentials are
// only required by commands that open a connection, so they are checked
// separately via ValidateSource/ValidateTarget.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return migerrors.ErrConfigInvalid("store.driver",
			fmt.Sprintf("unknown driver %q, want sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		return migerrors.ErrConfigMissing("store.dsn")
	}
	if c.Migration.BatchSize <= 0 {
		return migerrors.ErrConfigInvalid("migration.batch_size", "must be positive")
	}
	if c.Migration.MaxWorkers <= 0 {
		return migerrors.ErrConfigInvalid("migration.max_workers", "must be positive")
	}
	if c.Migration.Retry.MaxRetries < 0 {
		return migerrors.ErrConfigInvalid("migration.retry.max_retries", "must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return migerrors.ErrConfigInvalid("log.level",
			fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return migerrors.ErrConfigInvalid("log.format",
			fmt.Sprintf("unknown format %q, want text or json", c.Log.Format))
	}
	for i, fm := range c.Fields {
		if fm.Source == "" {
			return migerrors.ErrConfigInvalid(fmt.Sprintf("fields[%d].source", i), "must not be empty")
		}
		switch fm.Kind {
		case "", "string", "number", "bool", "date", "list":
		default:
			return migerrors.ErrConfigInvalid(fmt.Sprintf("fields[%d].kind", i),
				fmt.Sprintf("unknown kind %q", fm.Kind))
		}
	}
	return nil
}

// ValidateSource checks the fields a live Source connection needs.
func (c *Config) ValidateSource() error {
	if c.Source.BaseURL == "" {
		return migerrors.ErrConfigMissing("source.base_url")
	}
	if c.Source.Token == "" {
		return migerrors.ErrConfigMissing("source.token")
	}
	if c.Source.ProjectKey == "" {
		return migerrors.ErrConfigMissing("source.project_key")
	}
	return nil
}

// ValidateTarget checks the fields a live Target connection needs.
func (c *Config) ValidateTarget() error {
	if c.Target.BaseURL == "" {
		return migerrors.ErrConfigMissing("target.base_url")
	}
	if c.Target.Token == "" {
		return migerrors.ErrConfigMissing("target.token")
	}
	if c.Target.ProjectID <= 0 {
		return migerrors.ErrConfigMissing("target.project_id")
	}
	return nil
}
