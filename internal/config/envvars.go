package config

import (
	"os"
	"strconv"
)

// envBindings maps environment variables to config paths. Tokens come
// from the environment in most deployments, so every credential and
// connection field has a binding.
var envBindings = []struct {
	env   string
	path  string
	apply func(*Config, string) bool
}{
	{"TMIG_SOURCE_URL", "source.base_url", func(c *Config, v string) bool { c.Source.BaseURL = v; return true }},
	{"TMIG_SOURCE_TOKEN", "source.token", func(c *Config, v string) bool { c.Source.Token = v; return true }},
	{"TMIG_SOURCE_PROJECT", "source.project_key", func(c *Config, v string) bool { c.Source.ProjectKey = v; return true }},
	{"TMIG_SOURCE_PAGE_SIZE", "source.page_size", func(c *Config, v string) bool { return setInt(&c.Source.PageSize, v) }},
	{"TMIG_TARGET_URL", "target.base_url", func(c *Config, v string) bool { c.Target.BaseURL = v; return true }},
	{"TMIG_TARGET_TOKEN", "target.token", func(c *Config, v string) bool { c.Target.Token = v; return true }},
	{"TMIG_TARGET_PROJECT_ID", "target.project_id", func(c *Config, v string) bool { return setInt64(&c.Target.ProjectID, v) }},
	{"TMIG_STORE_DRIVER", "store.driver", func(c *Config, v string) bool { c.Store.Driver = v; return true }},
	{"TMIG_STORE_DSN", "store.dsn", func(c *Config, v string) bool { c.Store.DSN = v; return true }},
	{"TMIG_BATCH_SIZE", "migration.batch_size", func(c *Config, v string) bool { return setInt(&c.Migration.BatchSize, v) }},
	{"TMIG_MAX_WORKERS", "migration.max_workers", func(c *Config, v string) bool { return setInt(&c.Migration.MaxWorkers, v) }},
	{"TMIG_TIMEOUT_SECONDS", "migration.timeout_seconds", func(c *Config, v string) bool { return setInt(&c.Migration.TimeoutSec, v) }},
	{"TMIG_VALIDATION_ENABLED", "migration.validation_enabled", func(c *Config, v string) bool { return setBool(&c.Migration.ValidationEnabled, v) }},
	{"TMIG_ROLLBACK_ENABLED", "migration.rollback_enabled", func(c *Config, v string) bool { return setBool(&c.Migration.RollbackEnabled, v) }},
	{"TMIG_ATTACHMENTS_DIR", "migration.attachments_dir", func(c *Config, v string) bool { c.Migration.AttachmentsDir = v; return true }},
	{"TMIG_OUTPUT_DIR", "migration.output_dir", func(c *Config, v string) bool { c.Migration.OutputDir = v; return true }},
	{"TMIG_LOG_LEVEL", "log.level", func(c *Config, v string) bool { c.Log.Level = v; return true }},
	{"TMIG_LOG_FORMAT", "log.format", func(c *Config, v string) bool { c.Log.Format = v; return true }},
	{"TMIG_SERVER_ADDR", "server.addr", func(c *Config, v string) bool { c.Server.Addr = v; return true }},
}

// ApplyEnvVars overlays TMIG_* environment variables onto tc.
// Unparseable numeric or boolean values are ignored rather than
// clobbering a good file value.
func ApplyEnvVars(tc *TrackedConfig) {
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.env)
		if !ok || v == "" {
			continue
		}
		if b.apply(tc.Config, v) {
			tc.SetSource(b.path, SourceEnv)
		}
	}
}

func setInt(dst *int, v string) bool {
	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	*dst = n
	return true
}

func setInt64(dst *int64, v string) bool {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	*dst = n
	return true
}

func setBool(dst *bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	*dst = b
	return true
}
