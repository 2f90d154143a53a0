package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/tmig/internal/config"
	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/db/driver"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/lock"
	"github.com/randalmurphal/tmig/internal/metrics"
	"github.com/randalmurphal/tmig/internal/orchestrator"
	"github.com/randalmurphal/tmig/internal/qtest"
	"github.com/randalmurphal/tmig/internal/retry"
	"github.com/randalmurphal/tmig/internal/transform"
	"github.com/randalmurphal/tmig/internal/zephyr"
)

// loadConfig loads the layered configuration honoring the --config
// flag.
func loadConfig() (*config.Config, error) {
	tc, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return tc.Config, nil
}

// openStore opens the configured persistent store and applies pending
// migrations.
func openStore(cfg *config.Config) (*db.DB, error) {
	dialect, err := driver.ParseDialect(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}
	store, err := db.OpenWithDialect(dialect, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// sourceClient builds the live Source client from config.
func sourceClient(cfg *config.Config, m *metrics.Metrics) (zephyr.Client, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, err
	}
	return zephyr.NewHTTPClient(zephyr.Config{
		BaseURL:    cfg.Source.BaseURL,
		Token:      cfg.Source.Token,
		ProjectKey: cfg.Source.ProjectKey,
		PageSize:   cfg.Source.PageSize,
		Timeout:    time.Duration(cfg.Source.TimeoutSec) * time.Second,
	}, m)
}

// targetClient builds the live Target client from config.
func targetClient(cfg *config.Config, m *metrics.Metrics) (qtest.Client, error) {
	if err := cfg.ValidateTarget(); err != nil {
		return nil, err
	}
	return qtest.NewHTTPClient(qtest.Config{
		BaseURL:   cfg.Target.BaseURL,
		Token:     cfg.Target.Token,
		ProjectID: cfg.Target.ProjectID,
		Timeout:   time.Duration(cfg.Target.TimeoutSec) * time.Second,
	}, m)
}

// fieldMapper builds the custom-field mapper from the configured
// mappings. Unmapped source fields pass through by name.
func fieldMapper(cfg *config.Config) *transform.FieldMapper {
	if len(cfg.Fields) == 0 {
		return transform.NewFieldMapper(nil, true)
	}
	mappings := make(map[string]transform.TargetField, len(cfg.Fields))
	for _, fm := range cfg.Fields {
		kind := domain.FieldKind(fm.Kind)
		if fm.Kind == "" {
			kind = domain.FieldString
		}
		name := fm.TargetName
		if name == "" {
			name = fm.Source
		}
		mappings[fm.Source] = transform.TargetField{
			ID:   fm.TargetID,
			Name: name,
			Kind: kind,
		}
	}
	return transform.NewFieldMapper(mappings, true)
}

// buildOrchestrator wires config, store and clients into a run-ready
// orchestrator. The caller owns store and pub; the orchestrator owns
// nothing it was handed.
func buildOrchestrator(cfg *config.Config, projectKey string, store *db.DB,
	pub events.Publisher, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {

	source, err := sourceClient(cfg, m)
	if err != nil {
		return nil, err
	}
	target, err := targetClient(cfg, m)
	if err != nil {
		return nil, err
	}

	lockDir := filepath.Join(cfg.Migration.OutputDir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	return orchestrator.New(orchestrator.Config{
		ProjectKey:        projectKey,
		Store:             store,
		Source:            source,
		Target:            target,
		TargetProjectID:   cfg.Target.ProjectID,
		BatchSize:         cfg.Migration.BatchSize,
		MaxWorkers:        cfg.Migration.MaxWorkers,
		PhaseTimeout:      cfg.Migration.PhaseTimeout(),
		ValidationEnabled: cfg.Migration.ValidationEnabled,
		RollbackEnabled:   cfg.Migration.RollbackEnabled,
		AttachmentsDir:    cfg.Migration.AttachmentsDir,
		OutputDir:         cfg.Migration.OutputDir,
		FieldMapper:       fieldMapper(cfg),
		Retry: retry.New(retry.Config{
			MaxRetries:    cfg.Migration.Retry.MaxRetries,
			InitialDelay:  cfg.Migration.Retry.InitialDelay(),
			BackoffFactor: cfg.Migration.Retry.BackoffFactor,
		}),
		Publisher: pub,
		Locker:    lock.NewFileLocker(lockDir, ""),
		Metrics:   m,
	})
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
