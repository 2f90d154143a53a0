package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/metrics"
)

// Manager executes rules and aggregates their findings. It keeps per-level,
// per-scope and per-phase counters so severity checks stay O(1) no matter
// how many issues accumulated, and persists issues through the project store
// in batches.
type Manager struct {
	store *db.ProjectDB
	reg   *Registry
	log   *slog.Logger
	met   *metrics.Metrics

	mu     sync.Mutex
	issues []*Issue
	saved  int

	byLevel map[Level]int
	byScope map[Scope]int
	byPhase map[Phase]int
}

// NewManager creates a manager over the registry. Store may be nil when
// findings are not persisted, as in ad-hoc checks; metrics may be nil.
func NewManager(store *db.ProjectDB, reg *Registry, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		reg:     reg,
		log:     logger.With("component", "validation"),
		met:     m,
		byLevel: make(map[Level]int),
		byScope: make(map[Scope]int),
		byPhase: make(map[Phase]int),
	}
}

// Registry returns the manager's rule registry.
func (m *Manager) Registry() *Registry { return m.reg }

// Execute runs every enabled rule registered for scope and phase against the
// entity and records the findings. A rule that errors or panics contributes
// a synthetic system issue instead of aborting the pass. The phase accepts
// pre_/post_ lookup variants.
func (m *Manager) Execute(ctx context.Context, entity any, scope Scope, phase string, vctx *Context) ([]*Issue, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("execute validation: unknown scope %q", scope)
	}
	normalized, ok := NormalizePhase(phase)
	if !ok {
		return nil, fmt.Errorf("execute validation: unknown phase %q", phase)
	}
	if vctx == nil {
		vctx = &Context{}
	}
	vctx.Phase = normalized

	var found []*Issue
	for _, rule := range m.reg.RulesFor(scope, phase) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		issues, err := m.runRule(ctx, rule, entity, vctx)
		if err != nil {
			issues = []*Issue{m.executionFailure(rule, entity, normalized, err)}
		}
		for _, issue := range issues {
			if issue == nil {
				continue
			}
			issue.Phase = normalized
			found = append(found, issue)
		}
	}

	m.record(found)
	return found, nil
}

// runRule invokes one rule, converting a panic into an error.
func (m *Manager) runRule(ctx context.Context, rule Rule, entity any, vctx *Context) (issues []*Issue, err error) {
	defer func() {
		if r := recover(); r != nil {
			issues = nil
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Validate(ctx, entity, vctx)
}

// executionFailure builds the synthetic issue recorded when a rule itself
// fails rather than the entity.
func (m *Manager) executionFailure(rule Rule, entity any, phase Phase, cause error) *Issue {
	entityType, entityID := entityRef(entity)
	m.log.Error("validation rule failed",
		"rule_id", rule.ID(), "phase", string(phase), "error", cause)
	return &Issue{
		ID:         fmt.Sprintf("rule_execution_error_%d", time.Now().UnixNano()),
		Level:      LevelError,
		Scope:      ScopeSystem,
		Phase:      phase,
		RuleID:     rule.ID(),
		Message:    fmt.Sprintf("rule %s failed to execute: %v", rule.ID(), cause),
		EntityType: entityType,
		EntityID:   entityID,
	}
}

// Record adds externally produced issues to the manager's tally. Issues
// without an id or timestamp get them assigned.
func (m *Manager) Record(issues ...*Issue) {
	m.record(issues)
}

func (m *Manager) record(issues []*Issue) {
	if len(issues) == 0 {
		return
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, issue := range issues {
		if issue.ID == "" {
			issue.ID = uuid.NewString()
		}
		if issue.CreatedAt.IsZero() {
			issue.CreatedAt = now
		}
		m.issues = append(m.issues, issue)
		m.byLevel[issue.Level]++
		m.byScope[issue.Scope]++
		m.byPhase[issue.Phase]++
		m.met.ObserveIssue(string(issue.Level), string(issue.Scope))
	}
}

// Flush persists issues recorded since the last flush. A nil store makes
// Flush a no-op so ad-hoc managers can skip persistence.
func (m *Manager) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	pending := m.issues[m.saved:]
	rows := make([]*db.ValidationIssue, 0, len(pending))
	for _, issue := range pending {
		rows = append(rows, issue.row(m.store.ProjectKey()))
	}
	m.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := m.store.SaveValidationIssues(ctx, rows); err != nil {
		return fmt.Errorf("flush validation issues: %w", err)
	}

	m.mu.Lock()
	m.saved += len(rows)
	m.mu.Unlock()
	return nil
}

// HasCriticalIssues reports whether any critical finding was recorded.
func (m *Manager) HasCriticalIssues() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byLevel[LevelCritical] > 0
}

// HasErrorIssues reports whether any error-or-worse finding was recorded.
func (m *Manager) HasErrorIssues() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byLevel[LevelError] > 0 || m.byLevel[LevelCritical] > 0
}

// TotalIssues returns the number of recorded findings.
func (m *Manager) TotalIssues() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issues)
}

// CountByLevel returns the number of findings at one level.
func (m *Manager) CountByLevel(l Level) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byLevel[l]
}

// Issues returns a copy of all recorded findings in recording order.
func (m *Manager) Issues() []*Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Issue, len(m.issues))
	copy(out, m.issues)
	return out
}

// IssuesAtLeast returns recorded findings at or above the given severity.
func (m *Manager) IssuesAtLeast(min Level) []*Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Issue
	for _, issue := range m.issues {
		if issue.Level.AtLeast(min) {
			out = append(out, issue)
		}
	}
	return out
}

// Reset clears all recorded findings and counters. Persisted rows are not
// touched.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = nil
	m.saved = 0
	m.byLevel = make(map[Level]int)
	m.byScope = make(map[Scope]int)
	m.byPhase = make(map[Phase]int)
}
