// Package transform converts normalized source records into
// target-shaped payloads: priority and status tables, step conversion
// and the custom field mapper. Everything here is pure; persistence
// and API calls stay in the executor.
package transform

import (
	"strings"

	"github.com/randalmurphal/tmig/internal/qtest"
)

// DefaultPriorityID is assigned when the source priority is unknown.
const DefaultPriorityID = 3

// priorityIDs maps lowercased source priority names to target ids.
var priorityIDs = map[string]int{
	"highest":  1,
	"critical": 1,
	"blocker":  1,
	"high":     2,
	"major":    2,
	"medium":   3,
	"low":      4,
	"minor":    4,
	"lowest":   5,
	"trivial":  5,
}

// MapPriority translates a source priority name to the target priority
// id, falling back to DefaultPriorityID for unknown names.
func MapPriority(name string) int {
	if id, ok := priorityIDs[normalizeKey(name)]; ok {
		return id
	}
	return DefaultPriorityID
}

// runStatuses maps lowercased source execution statuses to target run
// statuses.
var runStatuses = map[string]string{
	"pass":         qtest.RunPassed,
	"fail":         qtest.RunFailed,
	"wip":          qtest.RunInProgress,
	"in_progress":  qtest.RunInProgress,
	"executing":    qtest.RunInProgress,
	"incomplete":   qtest.RunInProgress,
	"blocked":      qtest.RunBlocked,
	"unexecuted":   qtest.RunNotRun,
	"not_executed": qtest.RunNotRun,
	"not_tested":   qtest.RunNotRun,
}

// MapStatus translates a source execution status to the target run
// status, falling back to NOT_RUN for unknown values.
func MapStatus(status string) string {
	if s, ok := runStatuses[normalizeKey(status)]; ok {
		return s
	}
	return qtest.RunNotRun
}

// StatusMappings returns a copy of the status translation table, keyed by
// normalized source status.
func StatusMappings() map[string]string {
	out := make(map[string]string, len(runStatuses))
	for k, v := range runStatuses {
		out[k] = v
	}
	return out
}

// normalizeKey lowercases and joins words so display names like
// "In Progress" hit the same table entry as "in_progress".
func normalizeKey(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
