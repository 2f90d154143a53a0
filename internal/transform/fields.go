package transform

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/qtest"
)

// TargetField describes one configured target custom field.
type TargetField struct {
	ID   int64
	Name string
	Kind domain.FieldKind
}

// FieldMapper translates source custom fields into target properties
// using a configured name mapping. Unmapped fields pass through by
// name unless the mapper is built strict.
type FieldMapper struct {
	byName       map[string]TargetField
	keepUnmapped bool
}

// NewFieldMapper builds a mapper from source field names (matched
// case-insensitively) to target field definitions.
func NewFieldMapper(mappings map[string]TargetField, keepUnmapped bool) *FieldMapper {
	byName := make(map[string]TargetField, len(mappings))
	for name, tf := range mappings {
		byName[strings.ToLower(name)] = tf
	}
	return &FieldMapper{byName: byName, keepUnmapped: keepUnmapped}
}

// Map converts a field set into target properties. Empty source values
// are dropped; output is ordered by source field name so payloads are
// deterministic.
func (m *FieldMapper) Map(fields domain.Fields) []qtest.Property {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var props []qtest.Property
	for _, name := range names {
		value := fields[name]
		if value.IsEmpty() {
			continue
		}
		if tf, ok := m.byName[strings.ToLower(name)]; ok {
			props = append(props, qtest.Property{
				FieldID:    tf.ID,
				FieldName:  tf.Name,
				FieldValue: convertValue(value, tf.Kind),
			})
			continue
		}
		if m.keepUnmapped {
			props = append(props, qtest.Property{
				FieldName:  name,
				FieldValue: naturalValue(value),
			})
		}
	}
	return props
}

// convertValue coerces a source value into the target field's kind.
// Numeric targets keep numbers as numbers; unconvertible values fall
// back to their string form and are left for validation to flag.
func convertValue(v domain.FieldValue, kind domain.FieldKind) any {
	switch kind {
	case domain.FieldNumber:
		if v.Kind == domain.FieldNumber {
			return v.Num
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), 64); err == nil {
			return f
		}
		return v.AsString()
	case domain.FieldBool:
		if v.Kind == domain.FieldBool {
			return v.Bool
		}
		if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.AsString()))); err == nil {
			return b
		}
		return v.AsString()
	case domain.FieldDate:
		if v.Kind == domain.FieldDate {
			return v.Date.Format(time.RFC3339)
		}
		return v.AsString()
	case domain.FieldList:
		if v.Kind == domain.FieldList {
			return v.List
		}
		return []string{v.AsString()}
	default:
		return v.AsString()
	}
}

// naturalValue renders a value in its own kind for pass-through fields.
func naturalValue(v domain.FieldValue) any {
	switch v.Kind {
	case domain.FieldNumber:
		return v.Num
	case domain.FieldBool:
		return v.Bool
	case domain.FieldList:
		return v.List
	case domain.FieldDate:
		return v.Date.Format(time.RFC3339)
	default:
		return v.Str
	}
}
