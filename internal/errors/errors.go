// Package errors provides structured error types for tmig.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for tmig.
const (
	// Project errors
	CodeProjectNotFound  Code = "PROJECT_NOT_FOUND"
	CodeMigrationRunning Code = "MIGRATION_RUNNING"

	// Phase errors
	CodeStateViolation    Code = "STATE_VIOLATION"
	CodePhaseTimeout      Code = "PHASE_TIMEOUT"
	CodeMaxRetries        Code = "MAX_RETRIES_EXCEEDED"
	CodeValidationBlocked Code = "VALIDATION_BLOCKED"
	CodeRollbackResidue   Code = "ROLLBACK_RESIDUE"

	// Client errors
	CodeSourceUnavailable Code = "SOURCE_UNAVAILABLE"
	CodeTargetUnavailable Code = "TARGET_UNAVAILABLE"
	CodeSourceAPI         Code = "SOURCE_API_ERROR"
	CodeTargetAPI         Code = "TARGET_API_ERROR"

	// Store errors
	CodeStoreFailure Code = "STORE_FAILURE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeProjectNotFound:   CategoryNotFound,
	CodeMigrationRunning:  CategoryConflict,
	CodeStateViolation:    CategoryBadRequest,
	CodePhaseTimeout:      CategoryTimeout,
	CodeMaxRetries:        CategoryInternal,
	CodeValidationBlocked: CategoryConflict,
	CodeRollbackResidue:   CategoryInternal,
	CodeSourceUnavailable: CategoryUnavailable,
	CodeTargetUnavailable: CategoryUnavailable,
	CodeSourceAPI:         CategoryInternal,
	CodeTargetAPI:         CategoryInternal,
	CodeStoreFailure:      CategoryInternal,
	CodeConfigInvalid:     CategoryBadRequest,
	CodeConfigMissing:     CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// MigError is the structured error type for tmig.
type MigError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *MigError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *MigError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *MigError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *MigError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *MigError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *MigError) MarshalJSON() ([]byte, error) {
	type alias MigError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a MigError with the same code.
func (e *MigError) Is(target error) bool {
	t, ok := target.(*MigError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *MigError) WithCause(err error) *MigError {
	return &MigError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrProjectNotFound returns an error when a project has no local data.
func ErrProjectNotFound(key string) *MigError {
	return &MigError{
		Code:    CodeProjectNotFound,
		What:    fmt.Sprintf("project %s not found", key),
		Why:     "No migration data exists for this project key in the local store",
		Fix:     fmt.Sprintf("Run 'tmig migrate --project %s' to start a migration", key),
		DocsURL: "https://github.com/randalmurphal/tmig#quick-start",
	}
}

// ErrMigrationRunning returns an error when a migration is already in progress.
func ErrMigrationRunning(key string) *MigError {
	return &MigError{
		Code:    CodeMigrationRunning,
		What:    fmt.Sprintf("a migration for project %s is already in progress", key),
		Why:     "Concurrent runs on the same project key would corrupt batch progress",
		Fix:     "Wait for the active run to finish, or clear a stale lock with 'tmig status --unlock'",
		DocsURL: "https://github.com/randalmurphal/tmig#resume",
	}
}

// ErrStateViolation returns an error when a phase is attempted out of order.
func ErrStateViolation(phase, requires string) *MigError {
	return &MigError{
		Code:    CodeStateViolation,
		What:    fmt.Sprintf("cannot run %s phase", phase),
		Why:     fmt.Sprintf("The %s phase has not completed", requires),
		Fix:     fmt.Sprintf("Run the %s phase first, or 'tmig resume' to continue from the last good state", requires),
		DocsURL: "https://github.com/randalmurphal/tmig#phases",
	}
}

// ErrPhaseTimeout returns an error when a phase exceeds its time budget.
func ErrPhaseTimeout(phase string, duration string) *MigError {
	return &MigError{
		Code:    CodePhaseTimeout,
		What:    fmt.Sprintf("%s phase timed out", phase),
		Why:     fmt.Sprintf("No completion after %s", duration),
		Fix:     "Increase migration.timeout in config, then resume; completed batches are not reprocessed",
		DocsURL: "https://github.com/randalmurphal/tmig#timeouts",
	}
}

// ErrMaxRetries returns an error when retry attempts are exhausted.
func ErrMaxRetries(op string, attempts int) *MigError {
	return &MigError{
		Code:    CodeMaxRetries,
		What:    fmt.Sprintf("%s failed after %d attempts", op, attempts),
		Why:     "Maximum retry attempts exceeded without success",
		Fix:     "Check service availability and credentials, then resume the migration",
		DocsURL: "https://github.com/randalmurphal/tmig#retries",
	}
}

// ErrValidationBlocked returns an error when critical issues block a phase.
func ErrValidationBlocked(count int) *MigError {
	return &MigError{
		Code:    CodeValidationBlocked,
		What:    fmt.Sprintf("%d critical validation issue(s) block the migration", count),
		Why:     "Critical issues indicate data that would be corrupted or lost if migrated",
		Fix:     "Review issues with 'tmig validate --list', resolve them at the source, then resume",
		DocsURL: "https://github.com/randalmurphal/tmig#validation",
	}
}

// ErrRollbackResidue returns an error when rollback could not delete everything.
func ErrRollbackResidue(count int) *MigError {
	return &MigError{
		Code:    CodeRollbackResidue,
		What:    fmt.Sprintf("rollback left %d target artifact(s) in place", count),
		Why:     "Some delete calls failed after retries; the mappings record which ids remain",
		Fix:     "Re-run 'tmig rollback' once the target service recovers, or remove the artifacts manually",
		DocsURL: "https://github.com/randalmurphal/tmig#rollback",
	}
}

// ErrSourceUnavailable returns an error when the source service is unreachable.
func ErrSourceUnavailable(baseURL string) *MigError {
	return &MigError{
		Code:    CodeSourceUnavailable,
		What:    "source service is not reachable",
		Why:     fmt.Sprintf("Connection check against %s failed", baseURL),
		Fix:     "Verify source.base_url and source.api_token in config, and network access to the service",
		DocsURL: "https://github.com/randalmurphal/tmig#configuration",
	}
}

// ErrTargetUnavailable returns an error when the target service is unreachable.
func ErrTargetUnavailable(baseURL string) *MigError {
	return &MigError{
		Code:    CodeTargetUnavailable,
		What:    "target service is not reachable",
		Why:     fmt.Sprintf("Connection check against %s failed", baseURL),
		Fix:     "Verify target.base_url and target.api_token in config, and network access to the service",
		DocsURL: "https://github.com/randalmurphal/tmig#configuration",
	}
}

// ErrStoreFailure returns an error for a failed store operation.
func ErrStoreFailure(op string, cause error) *MigError {
	return &MigError{
		Code:  CodeStoreFailure,
		What:  fmt.Sprintf("store operation failed: %s", op),
		Why:   "The local database rejected the operation",
		Fix:   "Check store.path (or store.dsn) and disk space; the migration can be resumed",
		Cause: cause,
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *MigError {
	return &MigError{
		Code:    CodeConfigInvalid,
		What:    fmt.Sprintf("invalid configuration: %s", field),
		Why:     reason,
		Fix:     "Check tmig.yaml and fix the invalid field",
		DocsURL: "https://github.com/randalmurphal/tmig#configuration",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *MigError {
	return &MigError{
		Code:    CodeConfigMissing,
		What:    fmt.Sprintf("missing required configuration: %s", field),
		Why:     "This field is required but not set in configuration",
		Fix:     fmt.Sprintf("Add '%s' to tmig.yaml or set the matching TMIG_ environment variable", field),
		DocsURL: "https://github.com/randalmurphal/tmig#configuration",
	}
}

// AsMigError attempts to convert an error to a MigError.
// Returns nil if the error is not a MigError.
func AsMigError(err error) *MigError {
	var migErr *MigError
	if As(err, &migErr) {
		return migErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if migErr, ok := err.(*MigError); ok {
		if t, ok := target.(**MigError); ok {
			*t = migErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a MigError with unknown code.
func Wrap(err error, what string) *MigError {
	return &MigError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
