package validation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/qtest"
	"github.com/randalmurphal/tmig/internal/transform"
)

func sampleCase() *domain.TestCase {
	return &domain.TestCase{
		ID:         "tc-1",
		Key:        "DEMO-T1",
		ProjectKey: "DEMO",
		FolderID:   "f-1",
		Name:       "Login works",
		Steps: []domain.TestStep{
			{ID: "s-1", TestCaseID: "tc-1", Order: 1, Description: "Open the login page", ExpectedResult: "Form is shown"},
		},
	}
}

func spec(id string, scope Scope, phase Phase) RuleSpec {
	return RuleSpec{ID: id, Scope: scope, Phase: phase}
}

func TestRequiredFieldRule(t *testing.T) {
	rule := NewRequiredFieldRule(spec("req", ScopeTestCase, PhasePreMigration), "id", "name", "objective")

	tests := []struct {
		name   string
		entity any
		fields []string
	}{
		{
			name:   "all fields present",
			entity: map[string]any{"id": "tc-1", "name": "Login", "objective": "verify login"},
			fields: nil,
		},
		{
			name:   "empty string fails",
			entity: map[string]any{"id": "tc-1", "name": "", "objective": "x"},
			fields: []string{"name"},
		},
		{
			name:   "null fails",
			entity: map[string]any{"id": "tc-1", "name": "Login", "objective": nil},
			fields: []string{"objective"},
		},
		{
			name:   "missing fails",
			entity: map[string]any{"id": "tc-1"},
			fields: []string{"name", "objective"},
		},
		{
			name:   "struct with omitted optional field",
			entity: &domain.TestCase{ID: "tc-1", Name: "Login"},
			fields: []string{"objective"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := rule.Validate(context.Background(), tt.entity, &Context{})
			require.NoError(t, err)
			require.Len(t, issues, len(tt.fields))
			for i, field := range tt.fields {
				assert.Equal(t, field, issues[i].FieldName)
				assert.Equal(t, LevelError, issues[i].Level)
				assert.Equal(t, "req", issues[i].RuleID)
			}
		})
	}
}

func TestStringLengthRule(t *testing.T) {
	rule := NewStringLengthRule(spec("len", ScopeTestCase, PhasePreMigration),
		map[string]LengthBounds{"name": {Min: 3, Max: 10}})

	tests := []struct {
		name    string
		value   any
		nIssues int
	}{
		{"within bounds", "Login", 0},
		{"at max", strings.Repeat("x", 10), 0},
		{"too long", strings.Repeat("x", 11), 1},
		{"too short", "ab", 1},
		{"runes not bytes", strings.Repeat("é", 10), 0},
		{"non string skipped", 42.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity := map[string]any{"id": "tc-1", "name": tt.value}
			issues, err := rule.Validate(context.Background(), entity, &Context{})
			require.NoError(t, err)
			assert.Len(t, issues, tt.nIssues)
		})
	}

	t.Run("absent field passes", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), map[string]any{"id": "tc-1"}, &Context{})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})
}

func TestPatternMatchRule(t *testing.T) {
	rule, err := NewPatternMatchRule(spec("pat", ScopeTestCase, PhasePreMigration),
		map[string]string{"key": `[A-Z]+-T\d+$`})
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     any
		nIssues int
	}{
		{"matches", "DEMO-T12", 0},
		{"lowercase rejected", "demo-t12", 1},
		{"anchored at start", "1DEMO-T12", 1},
		{"trailing junk rejected", "DEMO-T12x", 1},
		{"non string skipped", 7.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity := map[string]any{"id": "tc-1", "key": tt.key}
			issues, err := rule.Validate(context.Background(), entity, &Context{})
			require.NoError(t, err)
			assert.Len(t, issues, tt.nIssues)
		})
	}

	t.Run("invalid pattern fails construction", func(t *testing.T) {
		_, err := NewPatternMatchRule(spec("bad", ScopeTestCase, PhasePreMigration),
			map[string]string{"key": `(`})
		assert.Error(t, err)
	})
}

func TestUniqueValueRule(t *testing.T) {
	rule := NewUniqueValueRule(spec("uniq", ScopeTestCase, PhasePreMigration), "key")

	self := sampleCase()
	twin := sampleCase()
	twin.ID = "tc-2"
	other := sampleCase()
	other.ID = "tc-3"
	other.Key = "DEMO-T3"

	t.Run("duplicate key flagged", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), self,
			&Context{Siblings: []any{self, twin, other}})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, "key", issues[0].FieldName)
		assert.Equal(t, []string{"tc-2"}, issues[0].Details["duplicate_ids"])
	})

	t.Run("self is not a duplicate", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), self,
			&Context{Siblings: []any{self, other}})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("no siblings", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), self, &Context{})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})
}

func TestCustomFieldRule(t *testing.T) {
	rule := NewCustomFieldRule(spec("cf", ScopeTestCase, PhasePreMigration),
		map[string]FieldConstraint{
			"Region": {Kind: domain.FieldString, AllowedValues: []string{"EMEA", "NA"}},
			"Points": {Kind: domain.FieldNumber},
		})

	tests := []struct {
		name    string
		fields  domain.Fields
		nIssues int
	}{
		{"all valid", domain.Fields{"Region": domain.String("EMEA"), "Points": domain.Number(3)}, 0},
		{"disallowed value", domain.Fields{"Region": domain.String("APAC")}, 1},
		{"wrong kind", domain.Fields{"Points": domain.String("3")}, 1},
		{"unconstrained field ignored", domain.Fields{"Notes": domain.String("whatever")}, 0},
		{"absent constrained field passes", domain.Fields{}, 0},
		{"empty value passes", domain.Fields{"Region": domain.String("")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := sampleCase()
			tc.CustomFields = tt.fields
			issues, err := rule.Validate(context.Background(), tc, &Context{})
			require.NoError(t, err)
			assert.Len(t, issues, tt.nIssues)
		})
	}

	t.Run("entity without custom fields errors", func(t *testing.T) {
		_, err := rule.Validate(context.Background(), &domain.Folder{ID: "f-1"}, &Context{})
		assert.Error(t, err)
	})
}

func TestAttachmentRule(t *testing.T) {
	rule := NewAttachmentRule(spec("att", ScopeAttachment, PhaseExtraction),
		1024, []string{"png", ".PDF"})

	tests := []struct {
		name    string
		att     domain.Attachment
		nIssues int
	}{
		{"within limits", domain.Attachment{ID: "a-1", Filename: "shot.png", Size: 512}, 0},
		{"extension case insensitive", domain.Attachment{ID: "a-2", Filename: "doc.PDF", Size: 100}, 0},
		{"too large", domain.Attachment{ID: "a-3", Filename: "shot.png", Size: 2048}, 1},
		{"disallowed extension", domain.Attachment{ID: "a-4", Filename: "tool.exe", Size: 10}, 1},
		{"both violations", domain.Attachment{ID: "a-5", Filename: "tool.exe", Size: 2048}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := rule.Validate(context.Background(), &tt.att, &Context{})
			require.NoError(t, err)
			assert.Len(t, issues, tt.nIssues)
		})
	}

	t.Run("unlimited when unconfigured", func(t *testing.T) {
		open := NewAttachmentRule(spec("open", ScopeAttachment, PhaseExtraction), 0, nil)
		issues, err := open.Validate(context.Background(),
			&domain.Attachment{ID: "a-6", Filename: "huge.bin", Size: 1 << 30}, &Context{})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("non attachment errors", func(t *testing.T) {
		_, err := rule.Validate(context.Background(), sampleCase(), &Context{})
		assert.Error(t, err)
	})
}

func TestTestStepValidationRule(t *testing.T) {
	rule := NewTestStepValidationRule(spec("steps", ScopeTestCase, PhasePreMigration))

	t.Run("complete steps pass", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), sampleCase(), &Context{Phase: PhaseExtraction})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("no steps", func(t *testing.T) {
		tc := sampleCase()
		tc.Steps = nil
		issues, err := rule.Validate(context.Background(), tc, &Context{Phase: PhasePreMigration})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, LevelError, issues[0].Level)
		assert.Equal(t, "steps", issues[0].FieldName)
	})

	t.Run("missing description", func(t *testing.T) {
		tc := sampleCase()
		tc.Steps[0].Description = "  "
		issues, err := rule.Validate(context.Background(), tc, &Context{Phase: PhasePreMigration})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, LevelError, issues[0].Level)
		assert.Equal(t, "description", issues[0].FieldName)
	})

	t.Run("missing expected result warns after pre migration", func(t *testing.T) {
		tc := sampleCase()
		tc.Steps[0].ExpectedResult = ""
		issues, err := rule.Validate(context.Background(), tc, &Context{Phase: PhaseExtraction})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, LevelWarning, issues[0].Level)
		assert.Equal(t, "expected_result", issues[0].FieldName)
	})

	t.Run("missing expected result ignored pre migration", func(t *testing.T) {
		tc := sampleCase()
		tc.Steps[0].ExpectedResult = ""
		issues, err := rule.Validate(context.Background(), tc, &Context{Phase: PhasePreMigration})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})
}

func TestJsonSchemaRule(t *testing.T) {
	schema := `{
		"type": "object",
		"required": ["id", "name"],
		"properties": {"name": {"type": "string", "minLength": 1}}
	}`
	rule, err := NewJsonSchemaRule(spec("schema", ScopeTestCase, PhasePreMigration), []byte(schema))
	require.NoError(t, err)

	t.Run("valid entity", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), sampleCase(), &Context{})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("violating entity", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(),
			map[string]any{"id": "tc-1", "name": ""}, &Context{})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, LevelError, issues[0].Level)
		assert.NotEmpty(t, issues[0].Details["error"])
	})

	t.Run("missing required property", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(),
			map[string]any{"id": "tc-1"}, &Context{})
		require.NoError(t, err)
		assert.Len(t, issues, 1)
	})

	t.Run("invalid schema fails construction", func(t *testing.T) {
		_, err := NewJsonSchemaRule(spec("bad", ScopeTestCase, PhasePreMigration),
			[]byte(`{"type": 12}`))
		assert.Error(t, err)
	})
}

func TestRelationshipRule(t *testing.T) {
	store := db.NewTestProjectDB(t, "DEMO")
	require.NoError(t, store.SaveFolders(context.Background(), []*domain.Folder{
		{ID: "f-1", ProjectKey: "DEMO", Name: "Root", Kind: domain.FolderTestCase},
	}))

	rule := NewRelationshipRule(spec("rel", ScopeTestCase, PhasePreMigration),
		"folder_id", domain.EntityFolders)

	t.Run("existing reference", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), sampleCase(), &Context{Store: store})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("missing reference", func(t *testing.T) {
		tc := sampleCase()
		tc.FolderID = "f-404"
		issues, err := rule.Validate(context.Background(), tc, &Context{Store: store})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, "folder_id", issues[0].FieldName)
		assert.Equal(t, "f-404", issues[0].Details["related_id"])
	})

	t.Run("empty reference passes", func(t *testing.T) {
		tc := sampleCase()
		tc.FolderID = ""
		issues, err := rule.Validate(context.Background(), tc, &Context{Store: store})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("no store errors", func(t *testing.T) {
		_, err := rule.Validate(context.Background(), sampleCase(), &Context{})
		assert.Error(t, err)
	})
}

func TestReferentialIntegrityRule(t *testing.T) {
	store := db.NewTestProjectDB(t, "DEMO")
	require.NoError(t, store.SaveEntityMapping(&db.EntityMapping{
		MappingType: db.MappingCaseToCase, SourceID: "tc-1", TargetID: 5001,
	}))

	rule := NewReferentialIntegrityRule(spec("refint", ScopeTestCase, PhasePostMigration),
		"id", db.MappingCaseToCase)

	t.Run("mapped entity passes", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), sampleCase(), &Context{Store: store})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("unmapped entity flagged", func(t *testing.T) {
		tc := sampleCase()
		tc.ID = "tc-2"
		issues, err := rule.Validate(context.Background(), tc, &Context{Store: store})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, "tc-2", issues[0].Details["source_id"])
	})

	t.Run("rolled back mapping counts as unmapped", func(t *testing.T) {
		require.NoError(t, store.MarkMappingRolledBack(db.MappingCaseToCase, "tc-1", "test"))
		issues, err := rule.Validate(context.Background(), sampleCase(), &Context{Store: store})
		require.NoError(t, err)
		assert.Len(t, issues, 1)
	})
}

func TestDataIntegrityRule(t *testing.T) {
	rule := NewDataIntegrityRule(spec("integrity", ScopeTestCase, PhasePostMigration),
		[]FieldPair{{Source: "name", Target: "name"}})

	t.Run("normalized match", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), nil, &Context{
			SourceEntity: sampleCase(),
			TargetEntity: &qtest.TestCase{ID: 5001, Name: "  login WORKS "},
		})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("mismatch flagged", func(t *testing.T) {
		issues, err := rule.Validate(context.Background(), nil, &Context{
			SourceEntity: sampleCase(),
			TargetEntity: &qtest.TestCase{ID: 5001, Name: "Something else"},
		})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, "Login works", issues[0].Details["source_value"])
		assert.Equal(t, "Something else", issues[0].Details["target_value"])
	})

	t.Run("cross type normalization", func(t *testing.T) {
		pairs := []FieldPair{{Source: "flag", Target: "flag"}, {Source: "count", Target: "count"}, {Source: "gone", Target: "gone"}}
		r := NewDataIntegrityRule(spec("norm", ScopeTestCase, PhasePostMigration), pairs)
		issues, err := r.Validate(context.Background(), nil, &Context{
			SourceEntity: map[string]any{"id": "x", "flag": true, "count": 2.0, "gone": nil},
			TargetEntity: map[string]any{"id": "y", "flag": "TRUE ", "count": "2"},
		})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("missing context errors", func(t *testing.T) {
		_, err := rule.Validate(context.Background(), nil, &Context{SourceEntity: sampleCase()})
		assert.Error(t, err)
	})
}

func TestStatusMappingRuleTable(t *testing.T) {
	rule := NewTestStatusMappingRule(spec("status", ScopeTestExecution, PhasePostMigration),
		transform.StatusMappings())

	tests := []struct {
		name    string
		source  string
		target  string
		nIssues int
	}{
		{"pass maps to PASSED", "pass", qtest.RunPassed, 0},
		{"fail maps to FAILED", "fail", qtest.RunFailed, 0},
		{"wrong translation", "pass", qtest.RunFailed, 1},
		{"unmapped status passes", "mystery", qtest.RunNotRun, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := rule.Validate(context.Background(), nil, &Context{
				SourceEntity: &domain.TestExecution{ID: "ex-1", Status: tt.source},
				TargetEntity: &qtest.TestLog{Status: tt.target},
			})
			require.NoError(t, err)
			assert.Len(t, issues, tt.nIssues)
			if tt.nIssues > 0 {
				assert.Equal(t, tt.target, issues[0].Details["actual"])
			}
		})
	}
}

func TestCustomFieldTransformationRule(t *testing.T) {
	rule := NewCustomFieldTransformationRule(spec("survive", ScopeTestCase, PhaseTransformation))
	mapper := transform.NewFieldMapper(map[string]transform.TargetField{
		"region": {ID: 101, Name: "Region", Kind: domain.FieldString},
		"points": {ID: 102, Name: "Points", Kind: domain.FieldNumber},
	}, false)

	t.Run("mapped fields survive", func(t *testing.T) {
		tc := sampleCase()
		tc.CustomFields = domain.Fields{
			"Region": domain.String("EMEA"),
			"Points": domain.Number(3),
		}
		issues, err := rule.Validate(context.Background(), tc, &Context{FieldMapper: mapper})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("dropped field flagged", func(t *testing.T) {
		tc := sampleCase()
		tc.CustomFields = domain.Fields{"Orphan": domain.String("x")}
		issues, err := rule.Validate(context.Background(), tc, &Context{FieldMapper: mapper})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Equal(t, LevelWarning, issues[0].Level)
		assert.Equal(t, "Orphan", issues[0].FieldName)
	})

	t.Run("numeric type loss flagged", func(t *testing.T) {
		toString := transform.NewFieldMapper(map[string]transform.TargetField{
			"points": {ID: 102, Name: "Points", Kind: domain.FieldString},
		}, false)
		tc := sampleCase()
		tc.CustomFields = domain.Fields{"Points": domain.Number(3)}
		issues, err := rule.Validate(context.Background(), tc, &Context{FieldMapper: toString})
		require.NoError(t, err)
		require.Len(t, issues, 1)
		assert.Contains(t, issues[0].Message, "numeric")
	})

	t.Run("pass through keeps unmapped fields", func(t *testing.T) {
		keep := transform.NewFieldMapper(nil, true)
		tc := sampleCase()
		tc.CustomFields = domain.Fields{"Anything": domain.String("x")}
		issues, err := rule.Validate(context.Background(), tc, &Context{FieldMapper: keep})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("empty fields pass", func(t *testing.T) {
		tc := sampleCase()
		tc.CustomFields = domain.Fields{"Region": domain.String("")}
		issues, err := rule.Validate(context.Background(), tc, &Context{FieldMapper: mapper})
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("no mapper errors", func(t *testing.T) {
		_, err := rule.Validate(context.Background(), sampleCase(), &Context{})
		assert.Error(t, err)
	})
}
