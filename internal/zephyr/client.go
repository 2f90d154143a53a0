// Package zephyr implements the source test-management client. The
// HTTP implementation walks paginated endpoints and normalizes wire
// payloads into domain records once, at the extraction boundary.
package zephyr

import (
	"context"
	"time"

	"github.com/randalmurphal/tmig/internal/domain"
)

// Client is the source-side surface the extract phase consumes.
// Listing calls return fully normalized domain records; test case
// steps are a separate sub-request per case.
type Client interface {
	GetProject(ctx context.Context, key string) (*domain.Project, error)
	CheckConnection(ctx context.Context) error

	GetFolders(ctx context.Context) ([]*domain.Folder, error)
	GetTestCases(ctx context.Context) ([]*domain.TestCase, error)
	GetTestSteps(ctx context.Context, caseID string) ([]domain.TestStep, error)
	GetTestCycles(ctx context.Context) ([]*domain.TestCycle, error)
	GetTestExecutions(ctx context.Context) ([]*domain.TestExecution, error)

	DownloadAttachment(ctx context.Context, id string) ([]byte, error)

	// ChangedIDs returns the ids of entities of the given type updated
	// since t. Incremental runs use it to restrict extraction.
	ChangedIDs(ctx context.Context, entityType domain.EntityType, since time.Time) (map[string]bool, error)
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Fake)(nil)
)
