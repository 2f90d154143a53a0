package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestMigErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *MigError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &MigError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &MigError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &MigError{
				What:    "something broke",
				Why:     "bad input",
				Fix:     "try again",
				DocsURL: "https://example.com",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again\n\nDocs: https://example.com",
		},
		{
			name: "with cause",
			err: &MigError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestMigErrorJSON(t *testing.T) {
	err := &MigError{
		Code:    CodeProjectNotFound,
		What:    "project DEMO not found",
		Why:     "No migration data exists for this key",
		Fix:     "Run 'tmig migrate --project DEMO'",
		DocsURL: "https://example.com",
		Cause:   errors.New("sql: no rows in result set"),
	}

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeProjectNotFound) {
		t.Errorf("code = %v, want %v", result["code"], CodeProjectNotFound)
	}
	if result["what"] != "project DEMO not found" {
		t.Errorf("what = %v, want %v", result["what"], "project DEMO not found")
	}
	if result["cause"] != "sql: no rows in result set" {
		t.Errorf("cause = %v, want %v", result["cause"], "sql: no rows in result set")
	}
}

func TestMigErrorIs(t *testing.T) {
	err := ErrStateViolation("transform", "extract")
	wrapped := fmt.Errorf("run phase: %w", err)

	if !errors.Is(wrapped, &MigError{Code: CodeStateViolation}) {
		t.Error("Is should match on code through wrapping")
	}
	if errors.Is(wrapped, &MigError{Code: CodeConfigInvalid}) {
		t.Error("Is should not match a different code")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *MigError
		code Code
	}{
		{"project not found", ErrProjectNotFound("DEMO"), CodeProjectNotFound},
		{"migration running", ErrMigrationRunning("DEMO"), CodeMigrationRunning},
		{"state violation", ErrStateViolation("load", "transform"), CodeStateViolation},
		{"phase timeout", ErrPhaseTimeout("extract", "30m"), CodePhaseTimeout},
		{"max retries", ErrMaxRetries("create test case", 3), CodeMaxRetries},
		{"validation blocked", ErrValidationBlocked(2), CodeValidationBlocked},
		{"rollback residue", ErrRollbackResidue(1), CodeRollbackResidue},
		{"source unavailable", ErrSourceUnavailable("https://src.example.com"), CodeSourceUnavailable},
		{"target unavailable", ErrTargetUnavailable("https://tgt.example.com"), CodeTargetUnavailable},
		{"config invalid", ErrConfigInvalid("migration.batch_size", "must be positive"), CodeConfigInvalid},
		{"config missing", ErrConfigMissing("source.api_token"), CodeConfigMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.What == "" {
				t.Error("What should not be empty")
			}
			if tt.err.Fix == "" {
				t.Error("Fix should not be empty")
			}
		})
	}
}

func TestAsMigError(t *testing.T) {
	orig := ErrConfigMissing("target.api_token")
	wrapped := fmt.Errorf("load config: %w", orig)

	got := AsMigError(wrapped)
	if got == nil {
		t.Fatal("AsMigError returned nil for wrapped MigError")
	}
	if got.Code != CodeConfigMissing {
		t.Errorf("Code = %v, want %v", got.Code, CodeConfigMissing)
	}

	if AsMigError(errors.New("plain")) != nil {
		t.Error("AsMigError should return nil for non-MigError")
	}
}

func TestWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrSourceUnavailable("https://src.example.com").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
	if err.Code != CodeSourceUnavailable {
		t.Errorf("Code = %v, want %v", err.Code, CodeSourceUnavailable)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeProjectNotFound, 404},
		{CodeMigrationRunning, 409},
		{CodeStateViolation, 400},
		{CodePhaseTimeout, 504},
		{CodeSourceUnavailable, 503},
		{CodeStoreFailure, 500},
		{Code("UNKNOWN"), 500},
	}

	for _, tt := range tests {
		err := &MigError{Code: tt.code}
		if got := err.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAPIError(t *testing.T) {
	err := NewAPIError("target", "POST", "https://tgt.example.com/api/v3/projects/1/test-cases", 429, "rate limited")

	if got := StatusCodeOf(err); got != 429 {
		t.Errorf("StatusCodeOf = %d, want 429", got)
	}
	wrapped := fmt.Errorf("create test case: %w", err)
	if got := StatusCodeOf(wrapped); got != 429 {
		t.Errorf("StatusCodeOf(wrapped) = %d, want 429", got)
	}
	if StatusCodeOf(errors.New("plain")) != 0 {
		t.Error("StatusCodeOf should be 0 without an APIError in the chain")
	}

	nf := NewAPIError("target", "DELETE", "https://tgt.example.com/api/v3/test-runs/9", 404, "")
	if !IsNotFound(fmt.Errorf("delete run: %w", nf)) {
		t.Error("IsNotFound should detect 404 through wrapping")
	}
	if IsNotFound(err) {
		t.Error("IsNotFound should be false for 429")
	}
}

func TestAPIErrorBodyTruncation(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	err := NewAPIError("source", "GET", "https://src.example.com/testcases", 500, string(long))
	if len(err.Body) != 512 {
		t.Errorf("Body length = %d, want 512", len(err.Body))
	}
}
