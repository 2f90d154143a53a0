// Package etl executes the migration phases. Extract pulls source
// entities into the store, transform shapes them into target payloads,
// load creates the payloads on the target and records entity mappings,
// and rollback deletes what load created. Each phase operation runs in
// batches reconciled against the persisted plan, so an interrupted
// phase resumes at batch granularity and already-mapped entities are
// never created twice.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/tmig/internal/batch"
	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/metrics"
	"github.com/randalmurphal/tmig/internal/qtest"
	"github.com/randalmurphal/tmig/internal/retry"
	"github.com/randalmurphal/tmig/internal/state"
	"github.com/randalmurphal/tmig/internal/tracker"
	"github.com/randalmurphal/tmig/internal/transform"
	"github.com/randalmurphal/tmig/internal/workqueue"
	"github.com/randalmurphal/tmig/internal/zephyr"
)

// errSkipped marks an entity that was deliberately passed over: already
// mapped from a prior run, or missing a prerequisite mapping. Skips are
// warned about but never fail a batch.
var errSkipped = errors.New("entity skipped")

// Config wires an Executor. Store, Source and Target are required;
// everything else has a usable default.
type Config struct {
	Store  *db.ProjectDB
	Source zephyr.Client
	Target qtest.Client

	Retry   *retry.Policy
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// TargetProjectID is the existing target project entities load into.
	TargetProjectID int64
	// FieldMapper translates source custom fields into target
	// properties. Nil passes fields through by name.
	FieldMapper *transform.FieldMapper

	BatchSize  int // default 50
	MaxWorkers int // default 4

	// AttachmentsDir, when set, stages attachment bytes on disk before
	// upload using the tc_/exec_ prefix layout.
	AttachmentsDir string

	// Incremental restricts extraction to entities changed since Since,
	// plus the dependencies later phases need.
	Incremental bool
	Since       time.Time
}

// Executor runs the migration phases for one project.
type Executor struct {
	store  *db.ProjectDB
	source zephyr.Client
	target qtest.Client

	retry *retry.Policy
	log   *slog.Logger
	met   *metrics.Metrics

	targetProjectID int64
	fields          *transform.FieldMapper

	batchSize      int
	maxWorkers     int
	attachmentsDir string

	incremental bool
	since       time.Time
	inc         *incrementalSet
}

// New validates cfg and builds an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, errors.New("etl: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("etl: source client is required")
	}
	if cfg.Target == nil {
		return nil, errors.New("etl: target client is required")
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewDefault()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FieldMapper == nil {
		cfg.FieldMapper = transform.NewFieldMapper(nil, true)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 4
	}
	return &Executor{
		store:           cfg.Store,
		source:          cfg.Source,
		target:          cfg.Target,
		retry:           cfg.Retry,
		log:             cfg.Logger.With("component", "etl"),
		met:             cfg.Metrics,
		targetProjectID: cfg.TargetProjectID,
		fields:          cfg.FieldMapper,
		batchSize:       cfg.BatchSize,
		maxWorkers:      cfg.MaxWorkers,
		attachmentsDir:  cfg.AttachmentsDir,
		incremental:     cfg.Incremental,
		since:           cfg.Since,
	}, nil
}

// Result counts entity outcomes for one phase operation.
type Result struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Total returns how many entities the operation covered.
func (r Result) Total() int { return r.Succeeded + r.Failed + r.Skipped }

// Status folds the counts into a phase status: completed when nothing
// failed, failed when failures stand alone, partial when failures sit
// next to successes.
func (r Result) Status() state.Status {
	switch {
	case r.Failed == 0:
		return state.StatusCompleted
	case r.Succeeded > 0:
		return state.StatusPartial
	default:
		return state.StatusFailed
	}
}

func (r Result) add(tl tally) Result {
	r.Succeeded += tl.ok
	r.Failed += tl.failed
	r.Skipped += tl.skipped
	return r
}

// PhaseOutcome maps the entity types one phase processed to their
// results.
type PhaseOutcome map[domain.EntityType]Result

// Overall sums the per-type results.
func (o PhaseOutcome) Overall() Result {
	var sum Result
	for _, r := range o {
		sum.Succeeded += r.Succeeded
		sum.Failed += r.Failed
		sum.Skipped += r.Skipped
	}
	return sum
}

// Status aggregates the phase status across entity types.
func (o PhaseOutcome) Status() state.Status {
	return o.Overall().Status()
}

// tally counts per-item outcomes inside one batch.
type tally struct {
	ok       int
	skipped  int
	failed   int
	firstErr error
}

func (t *tally) add(err error) {
	switch {
	case err == nil:
		t.ok++
	case errors.Is(err, errSkipped):
		t.skipped++
	default:
		t.failed++
		if t.firstErr == nil {
			t.firstErr = err
		}
	}
}

// runBatches drives one batched phase operation. Items are split by the
// strategy, the split is reconciled with the persisted plan, and every
// batch not already completed runs through fn in plan order. Items of
// previously completed batches count as succeeded so a resumed phase
// reports totals over the whole plan.
func runBatches[T any](ctx context.Context, e *Executor, phase string, entity domain.EntityType,
	strat batch.Strategy[T], items []T, fn func(context.Context, []T) tally) (Result, error) {

	batches := strat.Partition(items)
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}

	tr := tracker.New(e.store, entity)
	rows, err := tr.InitializePlan(ctx, sizes, e.incremental)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for i, row := range rows {
		if row.Complete() {
			e.log.Debug("batch already completed, skipping",
				"phase", phase, "entity_type", entity, "batch_number", row.BatchNumber)
			res.Succeeded += row.ItemsCount
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := tr.UpdateBatchStatus(row.BatchNumber, 0, db.BatchInProgress, nil); err != nil {
			return res, err
		}

		tl := fn(ctx, batches[i])

		status := db.BatchCompleted
		switch {
		case tl.failed > 0 && tl.ok == 0:
			status = db.BatchFailed
		case tl.failed > 0:
			status = db.BatchPartial
		}
		if err := tr.UpdateBatchStatus(row.BatchNumber, tl.ok+tl.skipped, status, tl.firstErr); err != nil {
			return res, err
		}

		e.met.ObserveBatch(string(entity), status)
		e.met.ObserveEntities(phase, string(entity), "succeeded", tl.ok)
		e.met.ObserveEntities(phase, string(entity), "failed", tl.failed)
		e.met.ObserveEntities(phase, string(entity), "skipped", tl.skipped)
		e.log.Info("batch processed",
			"phase", phase,
			"entity_type", entity,
			"batch_number", row.BatchNumber,
			"total_batches", row.TotalBatches,
			"succeeded", tl.ok,
			"failed", tl.failed,
			"skipped", tl.skipped,
			"status", status)

		res = res.add(tl)
	}
	return res, nil
}

// forEachParallel fans the items of one batch through a bounded work
// queue and tallies the outcomes. Retries happen inside fn around
// individual API calls, so the queue runs every item exactly once.
func forEachParallel[T any](ctx context.Context, e *Executor, items []T, fn func(context.Context, T) error) tally {
	q := workqueue.New(workqueue.Config{
		MaxWorkers: e.maxWorkers,
		Logger:     e.log,
	})
	defer q.Stop(false)

	var tl tally
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := q.Enqueue(workqueue.Task{
			Fn: func(ctx context.Context, _ any) (any, error) {
				return nil, fn(ctx, item)
			},
		})
		if err != nil {
			tl.add(err)
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := q.Wait(ctx, id)
		tl.add(err)
	}
	return tl
}

// ClearPlans drops the persisted batch plans of every entity type.
// Phases share the plan keyspace, so a phase entered fresh must clear
// the previous phase's plans first. Resuming a failed or partial phase
// keeps them, which is what lets completed batches skip.
func (e *Executor) ClearPlans() error {
	for _, entity := range domain.ValidEntityTypes() {
		if err := e.store.DeleteEntityBatches(entity); err != nil {
			return fmt.Errorf("clear %s plan: %w", entity, err)
		}
	}
	return nil
}

// filterByID keeps the items whose id is in keep. A nil keep set keeps
// everything.
func filterByID[T any](items []T, keep map[string]bool, id func(T) string) []T {
	if keep == nil {
		return items
	}
	out := make([]T, 0, len(keep))
	for _, item := range items {
		if keep[id(item)] {
			out = append(out, item)
		}
	}
	return out
}

// opError wraps an entity-level failure with enough context for batch
// error messages and logs.
func opError(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w", op, id, err)
}
