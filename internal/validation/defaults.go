package validation

import (
	"log/slog"

	"github.com/randalmurphal/tmig/internal/db"
	"github.com/randalmurphal/tmig/internal/domain"
	"github.com/randalmurphal/tmig/internal/transform"
)

// DefaultMaxAttachmentSize is the built-in attachment size cap, matching
// the target API's upload limit.
const DefaultMaxAttachmentSize = 50 << 20

// testCaseSchema is the structural sanity check applied to extracted test
// cases before migration starts.
const testCaseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"steps": {"type": "array"}
	}
}`

// DefaultRegistry returns a registry loaded with the built-in rule set.
// Rules needing per-deployment configuration, such as custom field
// constraints and user schemas, are added on top by the config layer.
func DefaultRegistry(logger *slog.Logger) *Registry {
	reg := NewRegistry(logger)

	keyPattern, err := NewPatternMatchRule(RuleSpec{
		ID:          "test_case_key_format",
		Name:        "Test case key format",
		Description: "Test case keys follow the PROJECT-Tn convention",
		Scope:       ScopeTestCase,
		Phase:       PhasePreMigration,
		Level:       LevelWarning,
	}, map[string]string{"key": `[A-Z][A-Z0-9_]*-T\d+$`})
	if err != nil {
		panic(err)
	}
	caseSchema, err := NewJsonSchemaRule(RuleSpec{
		ID:          "test_case_schema",
		Name:        "Test case structure",
		Description: "Extracted test cases have the expected shape",
		Scope:       ScopeTestCase,
		Phase:       PhasePreMigration,
	}, []byte(testCaseSchema))
	if err != nil {
		panic(err)
	}

	reg.MustRegister(
		NewRequiredFieldRule(RuleSpec{
			ID:          "project_required_fields",
			Name:        "Project required fields",
			Description: "Projects carry a key and a name",
			Scope:       ScopeProject,
			Phase:       PhasePreMigration,
		}, "key", "name"),

		NewRequiredFieldRule(RuleSpec{
			ID:          "folder_required_fields",
			Name:        "Folder required fields",
			Description: "Folders carry an id and a name",
			Scope:       ScopeFolder,
			Phase:       PhasePreMigration,
		}, "id", "name"),

		NewRequiredFieldRule(RuleSpec{
			ID:          "test_case_required_fields",
			Name:        "Test case required fields",
			Description: "Test cases carry an id and a name",
			Scope:       ScopeTestCase,
			Phase:       PhasePreMigration,
		}, "id", "name"),
		NewStringLengthRule(RuleSpec{
			ID:          "test_case_name_length",
			Name:        "Test case name length",
			Description: "Test case names fit the target's column",
			Scope:       ScopeTestCase,
			Phase:       PhasePreMigration,
		}, map[string]LengthBounds{"name": {Min: 1, Max: 255}}),
		keyPattern,
		NewUniqueValueRule(RuleSpec{
			ID:          "test_case_unique_key",
			Name:        "Test case key uniqueness",
			Description: "Test case keys are unique within the project",
			Scope:       ScopeTestCase,
			Phase:       PhasePreMigration,
		}, "key"),
		NewRelationshipRule(RuleSpec{
			ID:          "test_case_folder_exists",
			Name:        "Test case folder reference",
			Description: "A test case's folder was extracted",
			Scope:       ScopeTestCase,
			Phase:       PhasePreMigration,
		}, "folder_id", domain.EntityFolders),
		NewTestStepValidationRule(RuleSpec{
			ID:          "test_case_step_completeness",
			Name:        "Test step completeness",
			Description: "Test cases have steps with descriptions",
			Scope:       ScopeTestCase,
			Phase:       PhasePreMigration,
		}),
		caseSchema,

		NewRequiredFieldRule(RuleSpec{
			ID:          "test_cycle_required_fields",
			Name:        "Test cycle required fields",
			Description: "Test cycles carry an id and a name",
			Scope:       ScopeTestCycle,
			Phase:       PhasePreMigration,
		}, "id", "name"),

		NewRequiredFieldRule(RuleSpec{
			ID:          "test_execution_required_fields",
			Name:        "Test execution required fields",
			Description: "Executions reference a case and a cycle",
			Scope:       ScopeTestExecution,
			Phase:       PhasePreMigration,
		}, "id", "test_case_id", "test_cycle_id"),
		NewRelationshipRule(RuleSpec{
			ID:          "test_execution_case_exists",
			Name:        "Execution case reference",
			Description: "An execution's test case was extracted",
			Scope:       ScopeTestExecution,
			Phase:       PhasePreMigration,
		}, "test_case_id", domain.EntityTestCases),
		NewRelationshipRule(RuleSpec{
			ID:          "test_execution_cycle_exists",
			Name:        "Execution cycle reference",
			Description: "An execution's test cycle was extracted",
			Scope:       ScopeTestExecution,
			Phase:       PhasePreMigration,
		}, "test_cycle_id", domain.EntityTestCycles),

		NewAttachmentRule(RuleSpec{
			ID:          "attachment_limits",
			Name:        "Attachment limits",
			Description: "Attachments fit the target's upload limit",
			Scope:       ScopeAttachment,
			Phase:       PhaseExtraction,
		}, DefaultMaxAttachmentSize, nil),

		NewCustomFieldTransformationRule(RuleSpec{
			ID:          "custom_field_survivability",
			Name:        "Custom field survivability",
			Description: "Custom fields survive the configured field mapping",
			Scope:       ScopeTestCase,
			Phase:       PhaseTransformation,
		}),

		NewReferentialIntegrityRule(RuleSpec{
			ID:          "test_case_mapped",
			Name:        "Test case mapping",
			Description: "Every test case was created on the target",
			Scope:       ScopeTestCase,
			Phase:       PhasePostMigration,
		}, "id", db.MappingCaseToCase),
		NewReferentialIntegrityRule(RuleSpec{
			ID:          "test_cycle_mapped",
			Name:        "Test cycle mapping",
			Description: "Every test cycle was created on the target",
			Scope:       ScopeTestCycle,
			Phase:       PhasePostMigration,
		}, "id", db.MappingCycleToCycle),
		NewReferentialIntegrityRule(RuleSpec{
			ID:          "test_execution_mapped",
			Name:        "Test execution mapping",
			Description: "Every execution produced a target run",
			Scope:       ScopeTestExecution,
			Phase:       PhasePostMigration,
		}, "id", db.MappingExecutionToRun),
		NewTestStatusMappingRule(RuleSpec{
			ID:          "execution_status_mapping",
			Name:        "Execution status mapping",
			Description: "Execution statuses were translated per the status table",
			Scope:       ScopeTestExecution,
			Phase:       PhasePostMigration,
		}, transform.StatusMappings()),
		NewDataIntegrityRule(RuleSpec{
			ID:          "test_case_name_integrity",
			Name:        "Test case name integrity",
			Description: "Test case names survived the migration",
			Scope:       ScopeTestCase,
			Phase:       PhasePostMigration,
		}, []FieldPair{{Source: "name", Target: "name"}}),
	)

	return reg
}
