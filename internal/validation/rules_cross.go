package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
)

// RelationshipRule checks that the entity referenced by a field exists in
// the extracted data. The context must provide the project store.
type RelationshipRule struct {
	baseRule
	relationField string
	relatedType   domain.EntityType
}

// NewRelationshipRule checks relationField against extracted entities of
// relatedType. Empty reference fields pass.
func NewRelationshipRule(spec RuleSpec, relationField string, relatedType domain.EntityType) *RelationshipRule {
	return &RelationshipRule{
		baseRule:      newBase(spec, LevelError),
		relationField: relationField,
		relatedType:   relatedType,
	}
}

func (r *RelationshipRule) Validate(_ context.Context, entity any, vctx *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}
	id, present, isStr := stringField(doc, r.relationField)
	if !present || !isStr || id == "" {
		return nil, nil
	}
	if vctx.Store == nil {
		return nil, fmt.Errorf("relationship rule requires a store")
	}

	exists, err := vctx.Store.EntityExists(r.relatedType, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	issue := r.issue("", entity, r.relationField,
		fmt.Sprintf("field %q references %s %q which does not exist", r.relationField, r.relatedType, id))
	issue.Details = map[string]any{"related_type": string(r.relatedType), "related_id": id}
	return []*Issue{issue}, nil
}

// ReferentialIntegrityRule checks that a source id was mapped to a target
// id. It runs post-migration to catch entities the load never reached.
type ReferentialIntegrityRule struct {
	baseRule
	referenceField string
	mappingType    db.MappingType
}

// NewReferentialIntegrityRule checks referenceField against active entity
// mappings of mappingType. Empty reference fields pass.
func NewReferentialIntegrityRule(spec RuleSpec, referenceField string, mappingType db.MappingType) *ReferentialIntegrityRule {
	return &ReferentialIntegrityRule{
		baseRule:       newBase(spec, LevelError),
		referenceField: referenceField,
		mappingType:    mappingType,
	}
}

func (r *ReferentialIntegrityRule) Validate(_ context.Context, entity any, vctx *Context) ([]*Issue, error) {
	doc, err := entityDoc(entity)
	if err != nil {
		return nil, err
	}
	id, present, isStr := stringField(doc, r.referenceField)
	if !present || !isStr || id == "" {
		return nil, nil
	}
	if vctx.Store == nil {
		return nil, fmt.Errorf("referential integrity rule requires a store")
	}

	_, found, err := vctx.Store.GetMappedTargetID(r.mappingType, id)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, nil
	}
	issue := r.issue("", entity, r.referenceField,
		fmt.Sprintf("no %s mapping for source id %q", r.mappingType, id))
	issue.Details = map[string]any{"mapping_type": string(r.mappingType), "source_id": id}
	return []*Issue{issue}, nil
}

// FieldPair names a source field and the target field it must agree with.
type FieldPair struct {
	Source string
	Target string
}

// DataIntegrityRule compares the context's source and target entities field
// by field after normalization, catching silent data loss between systems.
type DataIntegrityRule struct {
	baseRule
	pairs []FieldPair
}

// NewDataIntegrityRule compares the given source/target field pairs.
func NewDataIntegrityRule(spec RuleSpec, pairs []FieldPair) *DataIntegrityRule {
	return &DataIntegrityRule{baseRule: newBase(spec, LevelError), pairs: pairs}
}

func (r *DataIntegrityRule) Validate(_ context.Context, _ any, vctx *Context) ([]*Issue, error) {
	if vctx.SourceEntity == nil || vctx.TargetEntity == nil {
		return nil, fmt.Errorf("data integrity rule requires source and target entities")
	}
	src, err := entityDoc(vctx.SourceEntity)
	if err != nil {
		return nil, fmt.Errorf("source entity: %w", err)
	}
	tgt, err := entityDoc(vctx.TargetEntity)
	if err != nil {
		return nil, fmt.Errorf("target entity: %w", err)
	}

	var issues []*Issue
	for _, pair := range r.pairs {
		sv := normalizeValue(src[pair.Source])
		tv := normalizeValue(tgt[pair.Target])
		if sv == tv {
			continue
		}
		issue := r.issue("", vctx.SourceEntity, pair.Source,
			fmt.Sprintf("field %q does not match target field %q after migration", pair.Source, pair.Target))
		issue.Details = map[string]any{
			"source_value": src[pair.Source],
			"target_value": tgt[pair.Target],
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// normalizeValue renders a value for cross-system comparison: null becomes
// empty, booleans and numbers their canonical strings, everything else is
// trimmed and lowercased.
func normalizeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case string:
		return strings.ToLower(strings.TrimSpace(x))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(x)))
	}
}

// TestStatusMappingRule checks that an execution's status was translated to
// the expected target status.
type TestStatusMappingRule struct {
	baseRule
	mappings map[string]string
}

// NewTestStatusMappingRule compares the context's source and target status
// fields against the given translation table. Source statuses without a
// table entry pass.
func NewTestStatusMappingRule(spec RuleSpec, mappings map[string]string) *TestStatusMappingRule {
	return &TestStatusMappingRule{baseRule: newBase(spec, LevelError), mappings: mappings}
}

func (r *TestStatusMappingRule) Validate(_ context.Context, _ any, vctx *Context) ([]*Issue, error) {
	if vctx.SourceEntity == nil || vctx.TargetEntity == nil {
		return nil, fmt.Errorf("status mapping rule requires source and target entities")
	}
	src, err := entityDoc(vctx.SourceEntity)
	if err != nil {
		return nil, fmt.Errorf("source entity: %w", err)
	}
	tgt, err := entityDoc(vctx.TargetEntity)
	if err != nil {
		return nil, fmt.Errorf("target entity: %w", err)
	}

	sourceStatus, _, _ := stringField(src, "status")
	expected, mapped := r.mappings[sourceStatus]
	if !mapped {
		return nil, nil
	}
	actual, _, _ := stringField(tgt, "status")
	if actual == expected {
		return nil, nil
	}

	issue := r.issue("", vctx.SourceEntity, "status",
		fmt.Sprintf("status %q migrated to %q, expected %q", sourceStatus, actual, expected))
	issue.Details = map[string]any{
		"source_status": sourceStatus,
		"expected":      expected,
		"actual":        actual,
	}
	return []*Issue{issue}, nil
}

// CustomFieldTransformationRule dry-runs the configured field mapper over
// the entity's custom fields and flags fields the mapping would drop, and
// numeric fields whose type the mapping would not preserve.
type CustomFieldTransformationRule struct {
	baseRule
}

// NewCustomFieldTransformationRule checks custom field survivability under
// the context's field mapper.
func NewCustomFieldTransformationRule(spec RuleSpec) *CustomFieldTransformationRule {
	return &CustomFieldTransformationRule{baseRule: newBase(spec, LevelWarning)}
}

func (r *CustomFieldTransformationRule) Validate(_ context.Context, entity any, vctx *Context) ([]*Issue, error) {
	fields, ok := customFieldsOf(entity)
	if !ok {
		return nil, fmt.Errorf("entity carries no custom fields")
	}
	if vctx.FieldMapper == nil {
		return nil, fmt.Errorf("custom field transformation rule requires a field mapper")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var issues []*Issue
	for _, name := range names {
		v := fields[name]
		if v.IsEmpty() {
			continue
		}
		props := vctx.FieldMapper.Map(domain.Fields{name: v})
		if len(props) == 0 {
			issues = append(issues, r.issue("", entity, name,
				fmt.Sprintf("custom field %q would be dropped by the field mapping", name)))
			continue
		}
		if v.Kind == domain.FieldNumber && !isNumeric(props[0].FieldValue) {
			issues = append(issues, r.issue("", entity, name,
				fmt.Sprintf("numeric custom field %q would lose its numeric type", name)))
		}
	}
	return issues, nil
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}
