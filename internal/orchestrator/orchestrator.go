// Package orchestrator sequences the migration phases for one project:
// extract, transform, load and validate, with rollback as the reverse
// path. It owns the per-project run lock, the phase state machine and
// the workflow event stream; the per-entity work happens in the etl
// executor it drives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
	"github.com/randalmurphal/tmig/internal/etl"
	"github.com/randalmurphal/tmig/internal/events"
	"github.com/randalmurphal/tmig/internal/lock"
	"github.com/randalmurphal/tmig/internal/metrics"
	"github.com/randalmurphal/tmig/internal/qtest"
	"github.com/randalmurphal/tmig/internal/retry"
	"github.com/randalmurphal/tmig/internal/state"
	"github.com/randalmurphal/tmig/internal/transform"
	"github.com/randalmurphal/tmig/internal/validation"
	"github.com/randalmurphal/tmig/internal/zephyr"
)

// Phase names one orchestrated workflow phase. The three ETL phases
// carry a persisted status; validate reports through issues, reports
// and events only.
type Phase string

const (
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
	PhaseValidate  Phase = "validate"
)

// runOrder is the canonical forward order of a full migration.
var runOrder = []Phase{PhaseExtract, PhaseTransform, PhaseLoad, PhaseValidate}

// Config wires an Orchestrator. ProjectKey, Store, Source and Target
// are required; everything else has a usable default.
type Config struct {
	ProjectKey string
	Store      *db.DB
	Source     zephyr.Client
	Target     qtest.Client

	// TargetProjectID is the existing target project entities load into.
	TargetProjectID int64

	BatchSize  int
	MaxWorkers int

	// PhaseTimeout bounds each ETL phase; zero or negative disables
	// the bound.
	PhaseTimeout time.Duration

	ValidationEnabled bool
	RollbackEnabled   bool

	// AttachmentsDir, when set, stages attachment bytes on disk before
	// upload.
	AttachmentsDir string
	// OutputDir receives validation report files when set.
	OutputDir string

	// FieldMapper translates source custom fields into target
	// properties, shared by the transform phase and the validation
	// rules that dry-run it.
	FieldMapper *transform.FieldMapper

	Retry     *retry.Policy
	Registry  *validation.Registry
	Publisher events.Publisher
	Locker    lock.Locker
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator runs migrations for a single project key. One run at a
// time: a second start on the same key is refused, in-process through
// the running flag and across processes through the run lock.
type Orchestrator struct {
	cfg     Config
	project *db.ProjectDB
	fields  *transform.FieldMapper
	log     *slog.Logger
	met     *metrics.Metrics
	pub     events.Publisher
	locker  lock.Locker

	ownsPub bool

	mu      sync.Mutex
	running bool
}

// New validates cfg and builds an Orchestrator. When no publisher is
// given, events persist to the store's event log; when no registry is
// given, the built-in rule set loads with any stored enablement
// overrides applied.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.ProjectKey == "" {
		return nil, errors.New("orchestrator: project key is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("orchestrator: source client is required")
	}
	if cfg.Target == nil {
		return nil, errors.New("orchestrator: target client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "orchestrator", "project", cfg.ProjectKey)

	o := &Orchestrator{
		cfg:     cfg,
		project: db.NewProjectDB(cfg.Store, cfg.ProjectKey),
		fields:  cfg.FieldMapper,
		log:     log,
		met:     cfg.Metrics,
		pub:     cfg.Publisher,
		locker:  cfg.Locker,
	}
	if o.fields == nil {
		o.fields = transform.NewFieldMapper(nil, true)
	}
	if o.pub == nil {
		o.pub = events.NewPersistentPublisher(cfg.Store, log)
		o.ownsPub = true
	}
	if o.locker == nil {
		o.locker = lock.NewNoOpLocker()
	}
	if o.cfg.Registry == nil {
		o.cfg.Registry = validation.DefaultRegistry(log)
		if err := o.cfg.Registry.LoadEnablement(cfg.Store); err != nil {
			log.Warn("could not load rule enablement", "error", err)
		}
	}
	return o, nil
}

// Close releases resources the orchestrator created. A publisher
// passed in through Config stays open.
func (o *Orchestrator) Close() {
	if o.ownsPub {
		o.pub.Close()
	}
}

// Events returns the publisher runs emit through.
func (o *Orchestrator) Events() events.Publisher { return o.pub }

// Store returns the per-project store view.
func (o *Orchestrator) Store() *db.ProjectDB { return o.project }

// Running reports whether a run is active in this process.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Run executes a full migration in canonical order.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.run(ctx, runOrder, runOpts{})
}

// RunPhases executes the requested phases, reordered into canonical
// order.
func (o *Orchestrator) RunPhases(ctx context.Context, phases ...Phase) error {
	ordered, err := canonical(phases)
	if err != nil {
		return err
	}
	return o.run(ctx, ordered, runOpts{})
}

// Resume continues an interrupted migration: every phase not yet
// completed runs again, then a closing validate. Batches completed by
// the earlier run are not reprocessed.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.run(ctx, nil, runOpts{resume: true})
}

// RunIncremental migrates only entities changed since the last
// recorded run, plus the dependencies later phases need.
func (o *Orchestrator) RunIncremental(ctx context.Context) error {
	return o.run(ctx, runOrder, runOpts{incremental: true})
}

type runOpts struct {
	resume      bool
	incremental bool
}

func (o *Orchestrator) run(ctx context.Context, phases []Phase, opts runOpts) error {
	if err := o.begin(); err != nil {
		return err
	}
	defer o.end()

	release, err := o.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	machine, err := state.Load(o.project)
	if err != nil {
		return fmt.Errorf("load migration state: %w", err)
	}
	if err := o.recoverInterrupted(machine); err != nil {
		return err
	}

	if opts.resume {
		phases = resumePhases(machine)
	} else {
		// An incremental run re-executes finished phases over the
		// changed window; mappings keep already loaded entities from
		// being recreated.
		if opts.incremental {
			if err := machine.Rearm(); err != nil {
				return fmt.Errorf("rearm phases: %w", err)
			}
		}
		if err := machine.SetIncremental(opts.incremental); err != nil {
			return fmt.Errorf("set incremental flag: %w", err)
		}
	}
	if len(phases) == 0 {
		o.log.Info("nothing to run")
		return nil
	}

	exec, err := o.newExecutor(machine)
	if err != nil {
		return err
	}
	validator := o.newValidator()

	o.log.Info("run starting", "phases", phaseNames(phases),
		"incremental", machine.IsIncremental(), "resume", opts.resume)

	for _, ph := range phases {
		if err := o.runPhase(ctx, machine, exec, validator, ph); err != nil {
			return err
		}
	}
	return o.recordRun(machine)
}

// begin guards against concurrent runs inside one process. The run
// lock covers other processes.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return migerrors.ErrMigrationRunning(o.cfg.ProjectKey)
	}
	o.running = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// acquireLock takes the per-project run lock and starts its heartbeat.
// The returned release stops the heartbeat and drops the lock.
func (o *Orchestrator) acquireLock(ctx context.Context) (func(), error) {
	if err := o.locker.Acquire(o.cfg.ProjectKey); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, migerrors.ErrMigrationRunning(o.cfg.ProjectKey).WithCause(err)
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	hb := lock.NewHeartbeatRunner(o.locker, o.cfg.ProjectKey, 0)
	hb.Start(ctx)
	return func() {
		hb.Stop()
		if err := o.locker.Release(o.cfg.ProjectKey); err != nil {
			o.log.Warn("run lock release failed", "error", err)
		}
	}, nil
}

// recoverInterrupted marks phases a dead run left in_progress as
// failed, so the ordinary resume path picks them up.
func (o *Orchestrator) recoverInterrupted(m *state.Machine) error {
	for _, ph := range []state.Phase{state.PhaseExtract, state.PhaseTransform,
		state.PhaseLoad, state.PhaseRollback} {
		if m.PhaseStatus(ph) != state.StatusInProgress {
			continue
		}
		o.log.Warn("phase left in_progress by an earlier run, marking failed", "phase", ph)
		cause := fmt.Errorf("%s was interrupted before finishing", ph)
		if err := m.UpdatePhaseStatus(ph, state.StatusFailed, cause); err != nil {
			return fmt.Errorf("recover %s: %w", ph, err)
		}
		o.pub.Publish(events.Warning(o.cfg.ProjectKey, string(ph),
			"phase was interrupted, marked failed for resume"))
	}
	return nil
}

// resumePhases selects what a resume must run: every ETL phase not yet
// completed, in canonical order, then a closing validate.
func resumePhases(m *state.Machine) []Phase {
	var phases []Phase
	for _, ph := range m.IncompletePhases() {
		phases = append(phases, Phase(ph))
	}
	return append(phases, PhaseValidate)
}

func canonical(phases []Phase) ([]Phase, error) {
	want := make(map[Phase]bool, len(phases))
	for _, ph := range phases {
		switch ph {
		case PhaseExtract, PhaseTransform, PhaseLoad, PhaseValidate:
			want[ph] = true
		default:
			return nil, fmt.Errorf("unknown phase %q", ph)
		}
	}
	var ordered []Phase
	for _, ph := range runOrder {
		if want[ph] {
			ordered = append(ordered, ph)
		}
	}
	return ordered, nil
}

func (o *Orchestrator) newExecutor(m *state.Machine) (*etl.Executor, error) {
	var since time.Time
	if m.IsIncremental() && m.LastRunAt() != nil {
		since = *m.LastRunAt()
	}
	exec, err := etl.New(etl.Config{
		Store:           o.project,
		Source:          o.cfg.Source,
		Target:          o.cfg.Target,
		Retry:           o.cfg.Retry,
		Logger:          o.cfg.Logger,
		Metrics:         o.met,
		TargetProjectID: o.cfg.TargetProjectID,
		FieldMapper:     o.fields,
		BatchSize:       o.cfg.BatchSize,
		MaxWorkers:      o.cfg.MaxWorkers,
		AttachmentsDir:  o.cfg.AttachmentsDir,
		Incremental:     m.IsIncremental(),
		Since:           since,
	})
	if err != nil {
		return nil, fmt.Errorf("build executor: %w", err)
	}
	return exec, nil
}

// newValidator builds the per-run validation manager, nil when
// validation is disabled.
func (o *Orchestrator) newValidator() *validation.Manager {
	if !o.cfg.ValidationEnabled {
		return nil
	}
	return validation.NewManager(o.project, o.cfg.Registry, o.cfg.Logger, o.met)
}

func (o *Orchestrator) runPhase(ctx context.Context, m *state.Machine, exec *etl.Executor,
	v *validation.Manager, ph Phase) error {
	switch ph {
	case PhaseExtract, PhaseTransform, PhaseLoad:
		return o.runETL(ctx, m, exec, v, ph)
	case PhaseValidate:
		return o.runValidate(ctx, m, v)
	default:
		return fmt.Errorf("unknown phase %q", ph)
	}
}

// runETL drives one ETL phase end to end: entry guards, state
// transitions, events, the timeout bound and the post-phase validation
// hook. A partial or failed outcome persists, then stops the run so a
// resume can retry just the incomplete batches.
func (o *Orchestrator) runETL(ctx context.Context, m *state.Machine, exec *etl.Executor,
	v *validation.Manager, ph Phase) error {
	sp := state.Phase(ph)
	key := o.cfg.ProjectKey

	if m.PhaseStatus(sp) == state.StatusCompleted {
		o.log.Info("phase already completed, skipping", "phase", ph)
		o.pub.Publish(events.PhaseSkipped(key, string(ph)))
		return nil
	}

	switch ph {
	case PhaseTransform:
		if !m.CanTransform() {
			return migerrors.ErrStateViolation(string(ph), string(PhaseExtract))
		}
	case PhaseLoad:
		if !m.CanLoad() {
			return migerrors.ErrStateViolation(string(ph), string(PhaseTransform))
		}
	}

	// A fresh phase plans from scratch; failed and partial entries
	// keep their plan so only incomplete batches rerun.
	if m.PhaseStatus(sp) == state.StatusNotStarted {
		if err := exec.ClearPlans(); err != nil {
			return fmt.Errorf("%s: clear stale plans: %w", ph, err)
		}
	}

	if err := m.UpdatePhaseStatus(sp, state.StatusInProgress, nil); err != nil {
		return err
	}
	o.log.Info("phase started", "phase", ph)
	o.pub.Publish(events.PhaseStarted(key, string(ph)))

	start := time.Now()
	outcome, err := o.executeWithTimeout(ctx, ph, exec)
	elapsed := time.Since(start)
	o.met.ObservePhase(string(ph), elapsed)

	if err != nil {
		if stateErr := m.UpdatePhaseStatus(sp, state.StatusFailed, err); stateErr != nil {
			o.log.Error("could not persist failed status", "phase", ph, "error", stateErr)
		}
		o.pub.Publish(events.PhaseFailed(key, string(ph), err))
		return fmt.Errorf("%s: %w", ph, err)
	}

	o.publishOutcome(ph, outcome)

	switch outcome.Status() {
	case state.StatusCompleted:
		if err := m.UpdatePhaseStatus(sp, state.StatusCompleted, nil); err != nil {
			return err
		}
		o.log.Info("phase completed", "phase", ph, "elapsed", elapsed)
		o.pub.Publish(events.PhaseCompleted(key, string(ph)))
	case state.StatusPartial:
		msg := outcomeMessage(outcome)
		if err := m.UpdatePhaseStatus(sp, state.StatusPartial, errors.New(msg)); err != nil {
			return err
		}
		o.log.Warn("phase partially completed", "phase", ph, "outcome", msg)
		o.pub.Publish(events.PhasePartial(key, string(ph), msg))
		return fmt.Errorf("%s finished with failures: %s", ph, msg)
	default:
		failErr := fmt.Errorf("%s: %s", ph, outcomeMessage(outcome))
		if err := m.UpdatePhaseStatus(sp, state.StatusFailed, failErr); err != nil {
			return err
		}
		o.pub.Publish(events.PhaseFailed(key, string(ph), failErr))
		return failErr
	}

	return o.postPhaseValidation(ctx, v, ph)
}

// executeWithTimeout runs the phase operation under the configured
// time budget. A budget overrun surfaces as a phase timeout error;
// cancellation from the caller passes through untouched.
func (o *Orchestrator) executeWithTimeout(ctx context.Context, ph Phase, exec *etl.Executor) (etl.PhaseOutcome, error) {
	run := func(ctx context.Context) (etl.PhaseOutcome, error) {
		switch ph {
		case PhaseExtract:
			return exec.Extract(ctx)
		case PhaseTransform:
			return exec.Transform(ctx)
		default:
			return exec.Load(ctx)
		}
	}
	if o.cfg.PhaseTimeout <= 0 {
		return run(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()

	warnAt := o.cfg.PhaseTimeout * 4 / 5
	warn := time.AfterFunc(warnAt, func() {
		o.log.Warn("phase nearing its time budget", "phase", ph, "timeout", o.cfg.PhaseTimeout)
		o.pub.Publish(events.Warning(o.cfg.ProjectKey, string(ph),
			fmt.Sprintf("phase still running after %s of its %s budget", warnAt, o.cfg.PhaseTimeout)))
	})
	defer warn.Stop()

	outcome, err := run(tctx)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return outcome, migerrors.ErrPhaseTimeout(string(ph), o.cfg.PhaseTimeout.String())
	}
	return outcome, err
}

// publishOutcome emits one progress event per entity type the phase
// touched, in a fixed order.
func (o *Orchestrator) publishOutcome(ph Phase, outcome etl.PhaseOutcome) {
	for _, et := range []domain.EntityType{domain.EntityFolders, domain.EntityTestCases,
		domain.EntityTestCycles, domain.EntityTestExecutions} {
		res, ok := outcome[et]
		if !ok || res.Total() == 0 {
			continue
		}
		msg := fmt.Sprintf("%d succeeded, %d failed, %d skipped",
			res.Succeeded, res.Failed, res.Skipped)
		o.pub.Publish(events.EntityProgress(o.cfg.ProjectKey, string(ph), string(et), res.Total(), msg))
	}
}

func outcomeMessage(outcome etl.PhaseOutcome) string {
	sum := outcome.Overall()
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped",
		sum.Succeeded, sum.Failed, sum.Skipped)
}

// recordRun stores the run watermark once every ETL phase stands
// completed; the next incremental run extracts changes after this
// point. Watermarks only move forward.
func (o *Orchestrator) recordRun(m *state.Machine) error {
	for _, ph := range []state.Phase{state.PhaseExtract, state.PhaseTransform, state.PhaseLoad} {
		if m.PhaseStatus(ph) != state.StatusCompleted {
			return nil
		}
	}
	now := time.Now().UTC()
	if last := m.LastRunAt(); last != nil && !now.After(*last) {
		now = last.Add(time.Second)
	}
	if err := m.RecordRun(now); err != nil {
		return fmt.Errorf("record run watermark: %w", err)
	}
	o.log.Info("run watermark recorded", "last_run_at", now)
	return nil
}

func phaseNames(phases []Phase) []string {
	names := make([]string, len(phases))
	for i, ph := range phases {
		names[i] = string(ph)
	}
	return names
}
