package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/randalmurphal/tmig/internal/domain"
)

// RequiredFieldRule fails when any listed field is missing, null or an
// empty string.
type RequiredFieldRule struct {
	baseRule
	fields []string
}

// NewRequiredFieldRule checks that the listed fields carry a value.
func NewRequiredFieldRule(spec RuleSpec, fields ...string) *RequiredFieldRule {
	return &RequiredFieldRule{baseRule: newBase(spec, LevelError), fields: fields}
}

func (r *RequiredFieldRule) Validate(_ context.Context, entity any, _ *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}

	var issues []*Issue
	for _, field := range r.fields {
		v, ok := doc[field]
		if !ok || v == nil {
			issues = append(issues, r.issue("", entity, field,
				fmt.Sprintf("required field %q is missing", field)))
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			issues = append(issues, r.issue("", entity, field,
				fmt.Sprintf("required field %q is empty", field)))
		}
	}
	return issues, nil
}

// LengthBounds limits a string field's length in runes. Zero Max means
// unbounded.
type LengthBounds struct {
	Min int
	Max int
}

// StringLengthRule checks present string fields against length bounds.
// Absent fields pass; presence is RequiredFieldRule's concern.
type StringLengthRule struct {
	baseRule
	bounds map[string]LengthBounds
}

// NewStringLengthRule bounds the length of the given string fields.
func NewStringLengthRule(spec RuleSpec, bounds map[string]LengthBounds) *StringLengthRule {
	return &StringLengthRule{baseRule: newBase(spec, LevelError), bounds: bounds}
}

func (r *StringLengthRule) Validate(_ context.Context, entity any, _ *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(r.bounds))
	for field := range r.bounds {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var issues []*Issue
	for _, field := range fields {
		s, present, isStr := stringField(doc, field)
		if !present || !isStr {
			continue
		}
		b := r.bounds[field]
		n := utf8.RuneCountInString(s)
		if n < b.Min {
			issues = append(issues, r.issue("", entity, field,
				fmt.Sprintf("field %q is %d characters, minimum is %d", field, n, b.Min)))
		}
		if b.Max > 0 && n > b.Max {
			issues = append(issues, r.issue("", entity, field,
				fmt.Sprintf("field %q is %d characters, maximum is %d", field, n, b.Max)))
		}
	}
	return issues, nil
}

// PatternMatchRule checks present string fields against anchored regular
// expressions. Patterns match from the start of the value.
type PatternMatchRule struct {
	baseRule
	patterns map[string]*regexp.Regexp
}

// NewPatternMatchRule compiles the field patterns, anchoring each at the
// start of the value. Invalid patterns fail construction.
func NewPatternMatchRule(spec RuleSpec, patterns map[string]string) (*PatternMatchRule, error) {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for field, pattern := range patterns {
		re, err := regexp.Compile(`\A(?:` + pattern + `)`)
		if err != nil {
			return nil, fmt.Errorf("rule %s: pattern for %q: %w", spec.ID, field, err)
		}
		compiled[field] = re
	}
	return &PatternMatchRule{baseRule: newBase(spec, LevelError), patterns: compiled}, nil
}

func (r *PatternMatchRule) Validate(_ context.Context, entity any, _ *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(r.patterns))
	for field := range r.patterns {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var issues []*Issue
	for _, field := range fields {
		s, present, isStr := stringField(doc, field)
		if !present || !isStr {
			continue
		}
		if !r.patterns[field].MatchString(s) {
			issues = append(issues, r.issue("", entity, field,
				fmt.Sprintf("field %q value %q does not match the expected pattern", field, s)))
		}
	}
	return issues, nil
}

// UniqueValueRule flags entities whose field values collide with another
// entity in the context's sibling set.
type UniqueValueRule struct {
	baseRule
	fields []string
}

// NewUniqueValueRule checks the listed fields for duplicates across
// siblings of the same entity type.
func NewUniqueValueRule(spec RuleSpec, fields ...string) *UniqueValueRule {
	return &UniqueValueRule{baseRule: newBase(spec, LevelError), fields: fields}
}

func (r *UniqueValueRule) Validate(_ context.Context, entity any, vctx *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}
	selfType, selfID := entityRef(entity)

	type sibling struct {
		id  string
		doc map[string]any
	}
	var others []sibling
	for _, o := range vctx.Siblings {
		oType, oID := entityRef(o)
		if oType == selfType && oID == selfID {
			continue
		}
		odoc, err := entityDoc(o)
		if err != nil {
			continue
		}
		others = append(others, sibling{id: oID, doc: odoc})
	}

	var issues []*Issue
	for _, field := range r.fields {
		key, ok := scalarKey(doc[field])
		if !ok {
			continue
		}
		var dupes []string
		for _, o := range others {
			if okey, ok := scalarKey(o.doc[field]); ok && okey == key {
				dupes = append(dupes, o.id)
			}
		}
		if len(dupes) > 0 {
			issue := r.issue("", entity, field,
				fmt.Sprintf("field %q value is not unique, shared with %d other entities", field, len(dupes)))
			issue.Details = map[string]any{"value": doc[field], "duplicate_ids": dupes}
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// scalarKey renders a JSON scalar as a type-tagged comparison key so values
// of different types never collide. Composite values are not compared.
func scalarKey(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return "s:" + x, true
	case float64:
		return "n:" + strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	default:
		return "", false
	}
}

// FieldConstraint restricts one custom field's kind and, optionally, its
// allowed values.
type FieldConstraint struct {
	Kind          domain.FieldKind
	AllowedValues []string
}

// NormalizeFieldKind resolves configuration spellings of a field kind.
func NormalizeFieldKind(s string) (domain.FieldKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text":
		return domain.FieldString, true
	case "number", "numeric":
		return domain.FieldNumber, true
	case "bool", "boolean", "checkbox":
		return domain.FieldBool, true
	case "date", "datetime":
		return domain.FieldDate, true
	case "list", "array", "multiselect":
		return domain.FieldList, true
	default:
		return "", false
	}
}

// CustomFieldRule checks present custom fields against per-field kind and
// allowed-value constraints. Unconstrained and absent fields pass.
type CustomFieldRule struct {
	baseRule
	constraints map[string]FieldConstraint
}

// NewCustomFieldRule constrains the entity's custom fields.
func NewCustomFieldRule(spec RuleSpec, constraints map[string]FieldConstraint) *CustomFieldRule {
	return &CustomFieldRule{baseRule: newBase(spec, LevelError), constraints: constraints}
}

func (r *CustomFieldRule) Validate(_ context.Context, entity any, _ *Context) ([]*Issue, error) {
	fields, ok := customFieldsOf(entity)
	if !ok {
		return nil, fmt.Errorf("entity carries no custom fields")
	}

	names := make([]string, 0, len(r.constraints))
	for name := range r.constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	var issues []*Issue
	for _, name := range names {
		v, present := fields[name]
		if !present || v.IsEmpty() {
			continue
		}
		c := r.constraints[name]
		if c.Kind != "" && v.Kind != c.Kind {
			issues = append(issues, r.issue("", entity, name,
				fmt.Sprintf("custom field %q is %s, expected %s", name, v.Kind, c.Kind)))
		}
		if len(c.AllowedValues) > 0 {
			got := v.AsString()
			allowed := false
			for _, a := range c.AllowedValues {
				if got == a {
					allowed = true
					break
				}
			}
			if !allowed {
				issue := r.issue("", entity, name,
					fmt.Sprintf("custom field %q value %q is not an allowed value", name, got))
				issue.Details = map[string]any{"allowed_values": c.AllowedValues}
				issues = append(issues, issue)
			}
		}
	}
	return issues, nil
}

// AttachmentRule bounds attachment size and extension.
type AttachmentRule struct {
	baseRule
	maxSize     int64
	allowedExts map[string]bool
}

// NewAttachmentRule limits attachments to maxSize bytes (zero means
// unlimited) and the given extensions (empty means any). Extensions are
// matched case-insensitively with or without a leading dot.
func NewAttachmentRule(spec RuleSpec, maxSize int64, allowedExtensions []string) *AttachmentRule {
	exts := make(map[string]bool, len(allowedExtensions))
	for _, e := range allowedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &AttachmentRule{baseRule: newBase(spec, LevelError), maxSize: maxSize, allowedExts: exts}
}

func (r *AttachmentRule) Validate(_ context.Context, entity any, _ *Context) ([]*Issue, error) {
	var att *domain.Attachment
	switch e := entity.(type) {
	case *domain.Attachment:
		att = e
	case domain.Attachment:
		att = &e
	default:
		return nil, fmt.Errorf("entity is not an attachment")
	}

	var issues []*Issue
	if r.maxSize > 0 && att.Size > r.maxSize {
		issue := r.issue("", att, "size",
			fmt.Sprintf("attachment %q is %d bytes, maximum is %d", att.Filename, att.Size, r.maxSize))
		issue.Details = map[string]any{"size": att.Size, "max_size": r.maxSize}
		issues = append(issues, issue)
	}
	if len(r.allowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if !r.allowedExts[ext] {
			issues = append(issues, r.issue("", att, "filename",
				fmt.Sprintf("attachment %q has a disallowed extension", att.Filename)))
		}
	}
	return issues, nil
}

// TestStepValidationRule checks a test case's steps: at least one step and a
// description on every step. Missing expected results are reported as
// warnings, and only in phases after pre_migration.
type TestStepValidationRule struct {
	baseRule
}

// NewTestStepValidationRule checks test case step completeness.
func NewTestStepValidationRule(spec RuleSpec) *TestStepValidationRule {
	return &TestStepValidationRule{baseRule: newBase(spec, LevelError)}
}

func (r *TestStepValidationRule) Validate(_ context.Context, entity any, vctx *Context) ([]*Issue, error) {
	var tc *domain.TestCase
	switch e := entity.(type) {
	case *domain.TestCase:
		tc = e
	case domain.TestCase:
		tc = &e
	default:
		return nil, fmt.Errorf("entity is not a test case")
	}

	if len(tc.Steps) == 0 {
		return []*Issue{r.issue("", tc, "steps", "test case has no steps")}, nil
	}

	var issues []*Issue
	for _, step := range tc.Steps {
		if strings.TrimSpace(step.Description) == "" {
			issue := r.issue("", tc, "description",
				fmt.Sprintf("step %d has no description", step.Order))
			issue.Details = map[string]any{"step_order": step.Order}
			issues = append(issues, issue)
		}
		if strings.TrimSpace(step.ExpectedResult) == "" && vctx.Phase != PhasePreMigration {
			issue := r.issue(LevelWarning, tc, "expected_result",
				fmt.Sprintf("step %d has no expected result", step.Order))
			issue.Details = map[string]any{"step_order": step.Order}
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// JsonSchemaRule validates the entity's JSON form against a JSON Schema
// (draft 2020-12).
type JsonSchemaRule struct {
	baseRule
	schema *jsonschema.Schema
}

// NewJsonSchemaRule compiles the raw schema document. Invalid schemas fail
// construction.
func NewJsonSchemaRule(spec RuleSpec, rawSchema []byte) (*JsonSchemaRule, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawSchema))
	if err != nil {
		return nil, fmt.Errorf("rule %s: parse schema: %w", spec.ID, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("rule %s: add schema: %w", spec.ID, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("rule %s: compile schema: %w", spec.ID, err)
	}
	return &JsonSchemaRule{baseRule: newBase(spec, LevelError), schema: schema}, nil
}

func (r *JsonSchemaRule) Validate(_ context.Context, entity any, _ *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}

	err = r.schema.Validate(any(doc))
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}

	issue := r.issue("", entity, "", "entity does not satisfy the schema")
	issue.Details = map[string]any{"error": verr.Error()}
	return []*Issue{issue}, nil
}
