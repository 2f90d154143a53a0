package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "oracle" }, "store.driver"},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"zero batch size", func(c *Config) { c.Migration.BatchSize = 0 }, "migration.batch_size"},
		{"zero workers", func(c *Config) { c.Migration.MaxWorkers = 0 }, "migration.max_workers"},
		{"negative retries", func(c *Config) { c.Migration.Retry.MaxRetries = -1 }, "migration.retry.max_retries"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"field without source", func(c *Config) { c.Fields = []FieldMapping{{TargetName: "x"}} }, "fields[0].source"},
		{"field with bad kind", func(c *Config) {
			c.Fields = []FieldMapping{{Source: "Severity", Kind: "enum"}}
		}, "fields[0].kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSourceAndTarget(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Error(t, cfg.ValidateSource())
	require.Error(t, cfg.ValidateTarget())

	cfg.Source = SourceConfig{BaseURL: "https://src.example.com", Token: "s", ProjectKey: "PROJ"}
	cfg.Target = TargetConfig{BaseURL: "https://tgt.example.com", Token: "t", ProjectID: 7}
	require.NoError(t, cfg.ValidateSource())
	require.NoError(t, cfg.ValidateTarget())
}

func TestPhaseTimeout(t *testing.T) {
	t.Parallel()

	m := MigrationConfig{TimeoutSec: 0}
	assert.Zero(t, m.PhaseTimeout())
	m.TimeoutSec = 90
	assert.Equal(t, "1m30s", m.PhaseTimeout().String())
}
