package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldKind tags the variant held by a FieldValue.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
	FieldBool   FieldKind = "bool"
	FieldDate   FieldKind = "date"
	FieldList   FieldKind = "list"
)

// FieldValue is the tagged variant for custom field values. Source custom
// fields are heterogeneous and field-sparse; normalizing them into this
// closed set once, at extraction, keeps the rest of the pipeline free of
// type probing.
type FieldValue struct {
	Kind FieldKind
	Str  string
	Num  float64
	Bool bool
	Date time.Time
	List []string
}

// Fields maps custom field names to their values.
type Fields map[string]FieldValue

// String builds a string field value.
func String(s string) FieldValue { return FieldValue{Kind: FieldString, Str: s} }

// Number builds a numeric field value.
func Number(f float64) FieldValue { return FieldValue{Kind: FieldNumber, Num: f} }

// Bool builds a boolean field value.
func Bool(b bool) FieldValue { return FieldValue{Kind: FieldBool, Bool: b} }

// Date builds a date field value.
func Date(t time.Time) FieldValue { return FieldValue{Kind: FieldDate, Date: t} }

// List builds a multi-value field.
func List(vs ...string) FieldValue { return FieldValue{Kind: FieldList, List: vs} }

// dateLayouts are the formats accepted when normalizing date-like strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FromAny normalizes an arbitrary decoded JSON value into a FieldValue.
// Strings that parse as dates become date values; arrays become string
// lists; anything unrecognized is stringified.
func FromAny(v any) FieldValue {
	switch x := v.(type) {
	case nil:
		return String("")
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return Date(t)
			}
		}
		return String(x)
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case []any:
		list := make([]string, 0, len(x))
		for _, item := range x {
			list = append(list, FromAny(item).AsString())
		}
		return List(list...)
	case []string:
		return List(x...)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// IsEmpty reports whether the value carries no content. Zero numbers and
// false booleans are content; empty strings, zero dates and empty lists
// are not.
func (v FieldValue) IsEmpty() bool {
	switch v.Kind {
	case FieldString:
		return strings.TrimSpace(v.Str) == ""
	case FieldDate:
		return v.Date.IsZero()
	case FieldList:
		return len(v.List) == 0
	case FieldNumber, FieldBool:
		return false
	default:
		return true
	}
}

// AsString renders the value for display and comparison.
func (v FieldValue) AsString() string {
	switch v.Kind {
	case FieldString:
		return v.Str
	case FieldNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case FieldBool:
		return strconv.FormatBool(v.Bool)
	case FieldDate:
		return v.Date.Format(time.RFC3339)
	case FieldList:
		return strings.Join(v.List, ", ")
	default:
		return ""
	}
}

// MarshalJSON writes the natural JSON shape for the variant: scalar for
// string/number/bool, RFC3339 string for dates, array for lists.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FieldString:
		return json.Marshal(v.Str)
	case FieldNumber:
		return json.Marshal(v.Num)
	case FieldBool:
		return json.Marshal(v.Bool)
	case FieldDate:
		return json.Marshal(v.Date.Format(time.RFC3339))
	case FieldList:
		return json.Marshal(v.List)
	default:
		return json.Marshal(nil)
	}
}

// UnmarshalJSON probes the JSON shape and normalizes it via FromAny, so a
// round trip through a store JSON column preserves the variant.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode field value: %w", err)
	}
	*v = FromAny(raw)
	return nil
}

// Clone returns a deep copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if v.Kind == FieldList {
			v.List = append([]string(nil), v.List...)
		}
		out[k] = v
	}
	return out
}
