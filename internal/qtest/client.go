package qtest

import (
	"context"
	"io"
)

// ObjectType names the target object families attachments hang off.
type ObjectType string

const (
	ObjectTestCase ObjectType = "test-cases"
	ObjectTestRun  ObjectType = "test-runs"
	ObjectTestLog  ObjectType = "test-logs"
)

// Client is the target-side surface the load and rollback phases use.
// Create calls return the created entity with its target id filled in.
type Client interface {
	GetProject(ctx context.Context) (*Project, error)
	CheckConnection(ctx context.Context) error

	CreateModule(ctx context.Context, m *Module) (*Module, error)
	CreateTestCase(ctx context.Context, tc *TestCase) (*TestCase, error)
	CreateTestCycle(ctx context.Context, tc *TestCycle) (*TestCycle, error)
	CreateTestRun(ctx context.Context, r *TestRun) (*TestRun, error)
	SubmitTestLog(ctx context.Context, runID int64, log *TestLog) error

	UploadAttachment(ctx context.Context, objectType ObjectType, objectID int64, filename string, content io.Reader) error

	DeleteTestRun(ctx context.Context, id int64) error
	DeleteTestCycle(ctx context.Context, id int64) error
	DeleteTestCase(ctx context.Context, id int64) error
	DeleteModule(ctx context.Context, id int64) error
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Fake)(nil)
)
