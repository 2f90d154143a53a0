package validation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/randalmurphal/tmig/internal/db"
)

// Registry indexes rules by id and answers scope/phase lookups. Rules are
// enabled on registration; enablement can be toggled and persisted so a
// disabled rule stays disabled across runs.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	rules map[string]*registeredRule
}

type registeredRule struct {
	rule    Rule
	enabled bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:   logger.With("component", "validation"),
		rules: make(map[string]*registeredRule),
	}
}

// Register adds a rule, enabled. Registering an id twice overwrites the
// earlier rule and logs a warning.
func (r *Registry) Register(rule Rule) error {
	if rule.ID() == "" {
		return fmt.Errorf("register rule: empty id")
	}
	if !rule.Scope().Valid() {
		return fmt.Errorf("register rule %s: unknown scope %q", rule.ID(), rule.Scope())
	}
	if !rule.Phase().Valid() {
		return fmt.Errorf("register rule %s: unknown phase %q", rule.ID(), rule.Phase())
	}
	if !rule.Level().Valid() {
		return fmt.Errorf("register rule %s: unknown level %q", rule.ID(), rule.Level())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.ID()]; exists {
		r.log.Warn("overwriting validation rule", "rule_id", rule.ID())
	}
	r.rules[rule.ID()] = &registeredRule{rule: rule, enabled: true}
	return nil
}

// MustRegister registers rules and panics on error. Intended for the
// built-in rule set, whose specs are static.
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Get returns a rule by id, or nil if unknown.
func (r *Registry) Get(id string) Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.rules[id]; ok {
		return reg.rule
	}
	return nil
}

// SetEnabled toggles a rule. Unknown ids are an error so config typos
// surface instead of silently enabling nothing.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.rules[id]
	if !ok {
		return fmt.Errorf("unknown validation rule: %s", id)
	}
	reg.enabled = enabled
	return nil
}

// Enabled reports whether a rule is registered and enabled.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.rules[id]
	return ok && reg.enabled
}

// RulesFor returns the enabled rules matching scope and phase, ordered by
// id. The phase accepts pre_/post_ lookup variants.
func (r *Registry) RulesFor(scope Scope, phase string) []Rule {
	normalized, ok := NormalizePhase(phase)
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []Rule
	for _, reg := range r.rules {
		if !reg.enabled {
			continue
		}
		if reg.rule.Scope() == scope && reg.rule.Phase() == normalized {
			matched = append(matched, reg.rule)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
	return matched
}

// All returns every registered rule ordered by id, enabled or not.
func (r *Registry) All() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := make([]Rule, 0, len(r.rules))
	for _, reg := range r.rules {
		rules = append(rules, reg.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID() < rules[j].ID() })
	return rules
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// SaveEnablement persists every rule's identity and enabled flag.
func (r *Registry) SaveEnablement(store *db.DB) error {
	r.mu.RLock()
	rows := make([]*db.ValidationRuleRow, 0, len(r.rules))
	for _, reg := range r.rules {
		rows = append(rows, &db.ValidationRuleRow{
			ID:          reg.rule.ID(),
			Name:        reg.rule.Name(),
			Description: reg.rule.Description(),
			Scope:       string(reg.rule.Scope()),
			Phase:       string(reg.rule.Phase()),
			Level:       string(reg.rule.Level()),
			Enabled:     reg.enabled,
		})
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	for _, row := range rows {
		if err := store.SaveValidationRule(row); err != nil {
			return err
		}
	}
	return nil
}

// LoadEnablement applies persisted enabled flags to registered rules.
// Persisted rows for rules no longer registered are ignored.
func (r *Registry) LoadEnablement(store *db.DB) error {
	rows, err := store.GetValidationRules()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		if reg, ok := r.rules[row.ID]; ok {
			reg.enabled = row.Enabled
		}
	}
	return nil
}
