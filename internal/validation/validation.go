// Package validation runs configurable rules against migration entities and
// aggregates the findings. Rules are registered per scope and phase; the
// manager executes matching rules, keeps per-level counters and persists
// issues and reports through the project store.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/transform"
)

// Level is the severity of a finding, ordered info < warning < error < critical.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelInfo:     0,
	LevelWarning:  1,
	LevelError:    2,
	LevelCritical: 3,
}

// Valid returns true if l is a known level.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtLeast returns true if l is as severe as min or more.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Levels returns all levels from least to most severe.
func Levels() []Level {
	return []Level{LevelInfo, LevelWarning, LevelError, LevelCritical}
}

// Scope names what kind of entity a rule inspects.
type Scope string

const (
	ScopeProject       Scope = "project"
	ScopeFolder        Scope = "folder"
	ScopeTestCase      Scope = "test_case"
	ScopeTestCaseStep  Scope = "test_case_step"
	ScopeTestCycle     Scope = "test_cycle"
	ScopeTestExecution Scope = "test_execution"
	ScopeAttachment    Scope = "attachment"
	ScopeCustomField   Scope = "custom_field"
	ScopeRelationship  Scope = "relationship"
	ScopeSystem        Scope = "system"
	ScopeDatabase      Scope = "database"
)

var validScopes = map[Scope]bool{
	ScopeProject: true, ScopeFolder: true, ScopeTestCase: true,
	ScopeTestCaseStep: true, ScopeTestCycle: true, ScopeTestExecution: true,
	ScopeAttachment: true, ScopeCustomField: true, ScopeRelationship: true,
	ScopeSystem: true, ScopeDatabase: true,
}

// Valid returns true if s is a known scope.
func (s Scope) Valid() bool { return validScopes[s] }

// Phase names when in the migration a rule applies.
type Phase string

const (
	PhasePreMigration   Phase = "pre_migration"
	PhaseExtraction     Phase = "extraction"
	PhaseTransformation Phase = "transformation"
	PhaseLoading        Phase = "loading"
	PhasePostMigration  Phase = "post_migration"
)

var validPhases = map[Phase]bool{
	PhasePreMigration: true, PhaseExtraction: true, PhaseTransformation: true,
	PhaseLoading: true, PhasePostMigration: true,
}

// Valid returns true if p is a known phase.
func (p Phase) Valid() bool { return validPhases[p] }

// NormalizePhase resolves a phase string used for rule lookup. Besides the
// five phases it accepts pre_/post_ variants of the inner phases, so
// "pre_extraction" and "post_loading" resolve to "extraction" and "loading".
func NormalizePhase(s string) (Phase, bool) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p, true
	}
	for _, prefix := range []string{"pre_", "post_"} {
		if rest, ok := strings.CutPrefix(string(p), prefix); ok {
			if base := Phase(rest); base.Valid() {
				return base, true
			}
		}
	}
	return "", false
}

// Issue is one validation finding. ID is assigned by the manager when the
// issue is recorded; rules leave it empty.
type Issue struct {
	ID         string         `json:"id"`
	Level      Level          `json:"level"`
	Scope      Scope          `json:"scope"`
	Phase      Phase          `json:"phase"`
	RuleID     string         `json:"rule_id"`
	Message    string         `json:"message"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	FieldName  string         `json:"field_name,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// row converts the issue into its persisted form.
func (i *Issue) row(projectKey string) *db.ValidationIssue {
	return &db.ValidationIssue{
		ID:         i.ID,
		ProjectKey: projectKey,
		Level:      string(i.Level),
		Scope:      string(i.Scope),
		Phase:      string(i.Phase),
		RuleID:     i.RuleID,
		Message:    i.Message,
		EntityType: i.EntityType,
		EntityID:   i.EntityID,
		FieldName:  i.FieldName,
		Details:    i.Details,
		CreatedAt:  i.CreatedAt,
	}
}

// Context carries the collaborators a rule may need. Cross-entity rules read
// SourceEntity/TargetEntity, uniqueness rules compare against Siblings, and
// store-backed rules require Store. Phase is set by the manager to the
// normalized phase being executed.
type Context struct {
	Store        *db.ProjectDB
	Phase        Phase
	SourceEntity any
	TargetEntity any
	Siblings     []any
	FieldMapper  *transform.FieldMapper
	Extra        map[string]any
}

// Rule is one validation check. Validate returns findings for the entity;
// a returned error (or a panic) is converted by the manager into a synthetic
// system issue rather than aborting the pass.
type Rule interface {
	ID() string
	Name() string
	Description() string
	Scope() Scope
	Phase() Phase
	Level() Level
	Validate(ctx context.Context, entity any, vctx *Context) ([]*Issue, error)
}

// RuleSpec is the common identity block shared by all rule constructors.
// Level may be left empty to take the rule's default severity.
type RuleSpec struct {
	ID          string
	Name        string
	Description string
	Scope       Scope
	Phase       Phase
	Level       Level
}

type baseRule struct {
	spec RuleSpec
}

func newBase(spec RuleSpec, defaultLevel Level) baseRule {
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.Level == "" {
		spec.Level = defaultLevel
	}
	return baseRule{spec: spec}
}

func (b *baseRule) ID() string          { return b.spec.ID }
func (b *baseRule) Name() string        { return b.spec.Name }
func (b *baseRule) Description() string { return b.spec.Description }
func (b *baseRule) Scope() Scope        { return b.spec.Scope }
func (b *baseRule) Phase() Phase        { return b.spec.Phase }
func (b *baseRule) Level() Level        { return b.spec.Level }

// issue builds a finding carrying the rule's identity and the entity's
// reference. Level falls back to the rule's configured severity.
func (b *baseRule) issue(level Level, entity any, field, message string) *Issue {
	if level == "" {
		level = b.spec.Level
	}
	entityType, entityID := entityRef(entity)
	return &Issue{
		Level:      level,
		Scope:      b.spec.Scope,
		RuleID:     b.spec.ID,
		Message:    message,
		EntityType: entityType,
		EntityID:   entityID,
		FieldName:  field,
	}
}

// entityRef resolves the entity type and id recorded on an issue.
func entityRef(entity any) (string, string) {
	switch e := entity.(type) {
	case *domain.Project:
		return "project", e.Key
	case domain.Project:
		return "project", e.Key
	case *domain.Folder:
		return string(domain.EntityFolders), e.ID
	case domain.Folder:
		return string(domain.EntityFolders), e.ID
	case *domain.TestCase:
		return string(domain.EntityTestCases), e.ID
	case domain.TestCase:
		return string(domain.EntityTestCases), e.ID
	case *domain.TestCycle:
		return string(domain.EntityTestCycles), e.ID
	case domain.TestCycle:
		return string(domain.EntityTestCycles), e.ID
	case *domain.TestExecution:
		return string(domain.EntityTestExecutions), e.ID
	case domain.TestExecution:
		return string(domain.EntityTestExecutions), e.ID
	case *domain.Attachment:
		return "attachment", e.ID
	case domain.Attachment:
		return "attachment", e.ID
	case map[string]any:
		id, _ := e["id"].(string)
		return "", id
	case nil:
		return "", ""
	default:
		return "", ""
	}
}

// entityDoc renders an entity as a flat JSON document so rules can address
// fields by their wire names. Maps pass through unchanged.
func entityDoc(entity any) (map[string]any, error) {
	if entity == nil {
		return nil, fmt.Errorf("no entity")
	}
	if doc, ok := entity.(map[string]any); ok {
		return doc, nil
	}
	b, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("entity is not an object: %w", err)
	}
	return doc, nil
}

// customFieldsOf returns the entity's custom fields when it carries any.
func customFieldsOf(entity any) (domain.Fields, bool) {
	switch e := entity.(type) {
	case *domain.TestCase:
		return e.CustomFields, true
	case domain.TestCase:
		return e.CustomFields, true
	case *domain.TestCycle:
		return e.CustomFields, true
	case domain.TestCycle:
		return e.CustomFields, true
	case *domain.TestExecution:
		return e.CustomFields, true
	case domain.TestExecution:
		return e.CustomFields, true
	default:
		return nil, false
	}
}

// stringField extracts a string-typed field from a document. The second
// return reports presence, the third whether the value was a string.
func stringField(doc map[string]any, field string) (string, bool, bool) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", ok, false
	}
	s, isStr := v.(string)
	return s, true, isStr
}
