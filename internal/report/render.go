package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/randalmurphal/tmig/internal/util"
)

// Format selects a report rendering.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// ParseFormat maps a user-supplied format name onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "text", "txt", "plain":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown report format %q (expected json, markdown or text)", s)
}

// Ext returns the file extension for the format.
func (f Format) Ext() string {
	switch f {
	case FormatMarkdown:
		return ".md"
	case FormatText:
		return ".txt"
	default:
		return ".json"
	}
}

// Render produces the report in the requested format.
func (r *Report) Render(f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("render report json: %w", err)
		}
		return append(out, '\n'), nil
	case FormatMarkdown:
		return r.execute("markdown", markdownTemplate)
	case FormatText:
		return r.execute("text", textTemplate)
	}
	return nil, fmt.Errorf("unknown report format %q", f)
}

// WriteFile renders the report and writes it atomically.
func (r *Report) WriteFile(path string, f Format) error {
	out, err := r.Render(f)
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

func (r *Report) execute(name, tmpl string) ([]byte, error) {
	t := template.Must(template.New(name).Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("render report %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

const markdownTemplate = `# Migration Report: {{.ProjectKey}}

| Field | Value |
|-------|-------|
| Status | {{.Status}} |
| Generated | {{.GeneratedAt.Format "2006-01-02 15:04:05"}} |
{{- if .Summary.LastRunAt}}
| Last run | {{.Summary.LastRunAt.Format "2006-01-02 15:04:05"}} |
{{- end}}
{{- if .Summary.Incremental}}
| Mode | incremental |
{{- end}}
{{- if .Summary.Error}}
| Error | {{.Summary.Error}} |
{{- end}}

## Phases

| Phase | Status | Duration |
|-------|--------|----------|
{{- range .Summary.Phases}}
| {{.Name}} | {{.Status}} | {{.Duration}} |
{{- end}}

## Entities

| Entity | Extracted | Transformed | Mapped |
|--------|-----------|-------------|--------|
{{- range .Summary.Entities}}
| {{.Name}} | {{.Extracted}} | {{.Transformed}} | {{.Mapped}} |
{{- end}}

Attachments downloaded: {{.Summary.AttachmentsDownloaded}}/{{.Summary.AttachmentsTotal}}

## Validation

{{if .Validation.Levels -}}
Unresolved issues: {{.Validation.TotalIssues}}

| Level | Count |
|-------|-------|
{{- range .Validation.Levels}}
| {{.Level}} | {{.Count}} |
{{- end}}
{{- else -}}
No unresolved issues.
{{- end}}
{{if .Events}}
## Recent Events

| Time | Phase | Status | Message |
|------|-------|--------|---------|
{{- range .Events}}
| {{.When}} | {{.Phase}} | {{.Status}} | {{.Message}} |
{{- end}}
{{end}}
---
*Generated by tmig on {{.GeneratedAt.Format "2006-01-02 15:04:05"}}*
`

const textTemplate = `Migration report: {{.ProjectKey}}
Status:    {{.Status}}
Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05"}}
{{- if .Summary.LastRunAt}}
Last run:  {{.Summary.LastRunAt.Format "2006-01-02 15:04:05"}}
{{- end}}
{{- if .Summary.Incremental}}
Mode:      incremental
{{- end}}
{{- if .Summary.Error}}
Error:     {{.Summary.Error}}
{{- end}}

Phases:
{{- range .Summary.Phases}}
  {{printf "%-10s" .Name}} {{printf "%-12s" .Status}} {{.Duration}}
{{- end}}

Entities:
{{- range .Summary.Entities}}
  {{printf "%-16s" .Name}} extracted={{.Extracted}} transformed={{.Transformed}} mapped={{.Mapped}}
{{- end}}

Attachments downloaded: {{.Summary.AttachmentsDownloaded}}/{{.Summary.AttachmentsTotal}}
{{if .Validation.Levels}}
Unresolved issues: {{.Validation.TotalIssues}}
{{- range .Validation.Levels}}
  {{printf "%-10s" .Level}} {{.Count}}
{{- end}}
{{- else}}
No unresolved issues.
{{- end}}
{{- if .Events}}

Recent events:
{{- range .Events}}
  {{.When}}  {{printf "%-10s" .Phase}} {{printf "%-12s" .Status}} {{.Message}}
{{- end}}
{{- end}}
`
