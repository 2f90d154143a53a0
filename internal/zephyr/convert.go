package zephyr

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/tmig/internal/domain"
)

// Wire payloads carry nested objects for enumerated fields
// ({"status": {"name": "Pass"}}) while older endpoints inline plain
// strings. The *From converters accept both and normalize into domain
// records so nothing downstream touches raw JSON.

func projectFrom(v gjson.Result) *domain.Project {
	return &domain.Project{
		Key:         v.Get("key").String(),
		Name:        v.Get("name").String(),
		Description: v.Get("description").String(),
	}
}

func folderFrom(v gjson.Result, projectKey string) *domain.Folder {
	return &domain.Folder{
		ID:         v.Get("id").String(),
		ProjectKey: projectKey,
		ParentID:   v.Get("parentId").String(),
		Name:       v.Get("name").String(),
		Kind:       domain.FolderKind(stringOrName(v.Get("folderType"))),
	}
}

func caseFrom(v gjson.Result, projectKey string) *domain.TestCase {
	return &domain.TestCase{
		ID:           v.Get("id").String(),
		Key:          v.Get("key").String(),
		ProjectKey:   projectKey,
		FolderID:     v.Get("folder.id").String(),
		Name:         v.Get("name").String(),
		Objective:    v.Get("objective").String(),
		Precondition: v.Get("precondition").String(),
		Priority:     stringOrName(v.Get("priority")),
		Status:       stringOrName(v.Get("status")),
		CustomFields: fieldsFrom(v.Get("customFields")),
		Attachments:  attachmentsFrom(v.Get("attachments"), domain.RelatedTestCase, v.Get("id").String()),
	}
}

// stepFrom converts one step. Scripted cases nest content under
// "inline"; the fallback order covers endpoints that flatten it.
func stepFrom(v gjson.Result, caseID string, fallbackOrder int) domain.TestStep {
	content := v.Get("inline")
	if !content.Exists() {
		content = v
	}
	order := int(v.Get("index").Int())
	if order == 0 {
		order = fallbackOrder
	}
	return domain.TestStep{
		ID:             v.Get("id").String(),
		TestCaseID:     caseID,
		Order:          order,
		Description:    content.Get("description").String(),
		ExpectedResult: content.Get("expectedResult").String(),
		TestData:       content.Get("testData").String(),
	}
}

func cycleFrom(v gjson.Result, projectKey string) *domain.TestCycle {
	return &domain.TestCycle{
		ID:           v.Get("id").String(),
		Key:          v.Get("key").String(),
		ProjectKey:   projectKey,
		FolderID:     v.Get("folder.id").String(),
		Name:         v.Get("name").String(),
		Description:  v.Get("description").String(),
		PlannedStart: timePtr(v.Get("plannedStartDate")),
		PlannedEnd:   timePtr(v.Get("plannedEndDate")),
		Status:       stringOrName(v.Get("status")),
		CustomFields: fieldsFrom(v.Get("customFields")),
	}
}

func executionFrom(v gjson.Result, projectKey string) *domain.TestExecution {
	id := v.Get("id").String()
	exec := &domain.TestExecution{
		ID:           id,
		ProjectKey:   projectKey,
		TestCycleID:  v.Get("testCycle.id").String(),
		TestCaseID:   v.Get("testCase.id").String(),
		Status:       stringOrName(v.Get("status")),
		ExecutedBy:   v.Get("executedBy").String(),
		Environment:  stringOrName(v.Get("environment")),
		Comment:      v.Get("comment").String(),
		CustomFields: fieldsFrom(v.Get("customFields")),
		Attachments:  attachmentsFrom(v.Get("attachments"), domain.RelatedTestExecution, id),
	}
	for i, sr := range v.Get("stepResults").Array() {
		order := int(sr.Get("index").Int())
		if order == 0 {
			order = i + 1
		}
		exec.StepResults = append(exec.StepResults, domain.StepResult{
			Order:        order,
			Status:       stringOrName(sr.Get("status")),
			ActualResult: sr.Get("actualResult").String(),
			Comment:      sr.Get("comment").String(),
		})
	}
	return exec
}

func attachmentsFrom(v gjson.Result, relatedType domain.RelatedType, relatedID string) []domain.Attachment {
	var out []domain.Attachment
	for _, a := range v.Array() {
		out = append(out, domain.Attachment{
			ID:          a.Get("id").String(),
			RelatedType: relatedType,
			RelatedID:   relatedID,
			Filename:    a.Get("filename").String(),
			Size:        a.Get("fileSize").Int(),
			ContentURL:  a.Get("url").String(),
		})
	}
	return out
}

// fieldsFrom normalizes the customFields object into the tagged
// variant map.
func fieldsFrom(v gjson.Result) domain.Fields {
	if !v.Exists() || !v.IsObject() {
		return nil
	}
	fields := make(domain.Fields)
	v.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = domain.FromAny(value.Value())
		return true
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// stringOrName accepts either a plain string or an object carrying a
// name field.
func stringOrName(v gjson.Result) string {
	if v.IsObject() {
		return v.Get("name").String()
	}
	return v.String()
}

var wireDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func timePtr(v gjson.Result) *time.Time {
	s := v.String()
	if s == "" {
		return nil
	}
	for _, layout := range wireDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
