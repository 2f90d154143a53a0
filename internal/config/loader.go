package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Source identifies which layer supplied a config value.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceUser    Source = "user"
	SourceProject Source = "project"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// TrackedConfig pairs the merged Config with the layer each known
// path last came from.
type TrackedConfig struct {
	Config  *Config
	sources map[string]Source
}

// NewTrackedConfig returns a tracked config seeded with defaults.
func NewTrackedConfig() *TrackedConfig {
	tc := &TrackedConfig{
		Config:  Default(),
		sources: make(map[string]Source),
	}
	for _, path := range knownPaths {
		tc.sources[path] = SourceDefault
	}
	return tc
}

// SetSource records the layer that supplied path.
func (tc *TrackedConfig) SetSource(path string, source Source) {
	tc.sources[path] = source
}

// SourceOf reports the layer that supplied path.
func (tc *TrackedConfig) SourceOf(path string) Source {
	if s, ok := tc.sources[path]; ok {
		return s
	}
	return SourceDefault
}

// Sources returns a copy of the path-to-layer map.
func (tc *TrackedConfig) Sources() map[string]Source {
	out := make(map[string]Source, len(tc.sources))
	for k, v := range tc.sources {
		out[k] = v
	}
	return out
}

var knownPaths = []string{
	"source.base_url", "source.token", "source.project_key",
	"source.page_size", "source.timeout_seconds",
	"target.base_url", "target.token", "target.project_id",
	"target.timeout_seconds",
	"store.driver", "store.dsn",
	"migration.batch_size", "migration.max_workers",
	"migration.timeout_seconds", "migration.validation_enabled",
	"migration.rollback_enabled", "migration.attachments_dir",
	"migration.output_dir",
	"migration.retry.max_retries", "migration.retry.initial_delay_seconds",
	"migration.retry.backoff_factor",
	"fields",
	"log.level", "log.format",
	"server.addr",
}

// Load loads configuration from the standard layers and validates the
// merged result. explicitFile, when non-empty, replaces the project
// layer (and its errors are fatal, like project config errors).
//
// Load order, later layers override earlier:
//  1. Built-in defaults
//  2. System config (/etc/tmig/config.yaml), optional
//  3. User config (~/.config/tmig/config.yaml), optional
//  4. Project config (./tmig.yaml) or explicitFile
//  5. Environment variables (TMIG_*)
func Load(explicitFile string) (*TrackedConfig, error) {
	tc, err := loadLayers(explicitFile)
	if err != nil {
		return nil, err
	}
	if err := tc.Config.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

func loadLayers(explicitFile string) (*TrackedConfig, error) {
	tc := NewTrackedConfig()

	if _, err := os.Stat(SystemConfigPath); err == nil {
		if err := mergeFromFile(tc, SystemConfigPath, SourceSystem); err != nil {
			slog.Warn("could not load system config", "path", SystemConfigPath, "error", err)
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		userPath := filepath.Join(dir, UserConfigDir, "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(tc, userPath, SourceUser); err != nil {
				slog.Warn("could not load user config", "path", userPath, "error", err)
			}
		}
	}

	projectPath := explicitFile
	if projectPath == "" {
		projectPath = ProjectFileName
	}
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFromFile(tc, projectPath, SourceProject); err != nil {
			return nil, err
		}
	} else if explicitFile != "" {
		return nil, fmt.Errorf("config file %s: %w", explicitFile, err)
	}

	ApplyEnvVars(tc)
	return tc, nil
}

// mergeFromFile merges one YAML file into tc, tracking which paths it
// set. Presence is decided against the raw document so that explicit
// zero values override earlier layers.
func mergeFromFile(tc *TrackedConfig, path string, source Source) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	mergeConfig(tc, &fileCfg, raw, source)
	return nil
}

func mergeConfig(tc *TrackedConfig, fileCfg *Config, raw map[string]any, source Source) {
	cfg := tc.Config

	if rawSource, ok := section(raw, "source"); ok {
		set(rawSource, "base_url", source, tc, "source.base_url", func() { cfg.Source.BaseURL = fileCfg.Source.BaseURL })
		set(rawSource, "token", source, tc, "source.token", func() { cfg.Source.Token = fileCfg.Source.Token })
		set(rawSource, "project_key", source, tc, "source.project_key", func() { cfg.Source.ProjectKey = fileCfg.Source.ProjectKey })
		set(rawSource, "page_size", source, tc, "source.page_size", func() { cfg.Source.PageSize = fileCfg.Source.PageSize })
		set(rawSource, "timeout_seconds", source, tc, "source.timeout_seconds", func() { cfg.Source.TimeoutSec = fileCfg.Source.TimeoutSec })
	}
	if rawTarget, ok := section(raw, "target"); ok {
		set(rawTarget, "base_url", source, tc, "target.base_url", func() { cfg.Target.BaseURL = fileCfg.Target.BaseURL })
		set(rawTarget, "token", source, tc, "target.token", func() { cfg.Target.Token = fileCfg.Target.Token })
		set(rawTarget, "project_id", source, tc, "target.project_id", func() { cfg.Target.ProjectID = fileCfg.Target.ProjectID })
		set(rawTarget, "timeout_seconds", source, tc, "target.timeout_seconds", func() { cfg.Target.TimeoutSec = fileCfg.Target.TimeoutSec })
	}
	if rawStore, ok := section(raw, "store"); ok {
		set(rawStore, "driver", source, tc, "store.driver", func() { cfg.Store.Driver = fileCfg.Store.Driver })
		set(rawStore, "dsn", source, tc, "store.dsn", func() { cfg.Store.DSN = fileCfg.Store.DSN })
	}
	if rawMig, ok := section(raw, "migration"); ok {
		set(rawMig, "batch_size", source, tc, "migration.batch_size", func() { cfg.Migration.BatchSize = fileCfg.Migration.BatchSize })
		set(rawMig, "max_workers", source, tc, "migration.max_workers", func() { cfg.Migration.MaxWorkers = fileCfg.Migration.MaxWorkers })
		set(rawMig, "timeout_seconds", source, tc, "migration.timeout_seconds", func() { cfg.Migration.TimeoutSec = fileCfg.Migration.TimeoutSec })
		set(rawMig, "validation_enabled", source, tc, "migration.validation_enabled", func() { cfg.Migration.ValidationEnabled = fileCfg.Migration.ValidationEnabled })
		set(rawMig, "rollback_enabled", source, tc, "migration.rollback_enabled", func() { cfg.Migration.RollbackEnabled = fileCfg.Migration.RollbackEnabled })
		set(rawMig, "attachments_dir", source, tc, "migration.attachments_dir", func() { cfg.Migration.AttachmentsDir = fileCfg.Migration.AttachmentsDir })
		set(rawMig, "output_dir", source, tc, "migration.output_dir", func() { cfg.Migration.OutputDir = fileCfg.Migration.OutputDir })
		if rawRetry, ok := section(rawMig, "retry"); ok {
			set(rawRetry, "max_retries", source, tc, "migration.retry.max_retries", func() { cfg.Migration.Retry.MaxRetries = fileCfg.Migration.Retry.MaxRetries })
			set(rawRetry, "initial_delay_seconds", source, tc, "migration.retry.initial_delay_seconds", func() { cfg.Migration.Retry.InitialDelaySec = fileCfg.Migration.Retry.InitialDelaySec })
			set(rawRetry, "backoff_factor", source, tc, "migration.retry.backoff_factor", func() { cfg.Migration.Retry.BackoffFactor = fileCfg.Migration.Retry.BackoffFactor })
		}
	}
	if _, ok := raw["fields"]; ok {
		cfg.Fields = fileCfg.Fields
		tc.SetSource("fields", source)
	}
	if rawLog, ok := section(raw, "log"); ok {
		set(rawLog, "level", source, tc, "log.level", func() { cfg.Log.Level = fileCfg.Log.Level })
		set(rawLog, "format", source, tc, "log.format", func() { cfg.Log.Format = fileCfg.Log.Format })
	}
	if rawServer, ok := section(raw, "server"); ok {
		set(rawServer, "addr", source, tc, "server.addr", func() { cfg.Server.Addr = fileCfg.Server.Addr })
	}
}

func section(raw map[string]any, key string) (map[string]any, bool) {
	m, ok := raw[key].(map[string]any)
	return m, ok
}

func set(raw map[string]any, key string, source Source, tc *TrackedConfig, path string, assign func()) {
	if _, ok := raw[key]; !ok {
		return
	}
	assign()
	tc.SetSource(path, source)
}
