package zephyr

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/randalmurphal/tmig/internal/domain"
	migerrors "github.com/randalmurphal/tmig/internal/errors"
)

// Fake is an in-memory Client serving fixture data for tests. Steps
// live apart from their cases so the per-case sub-request path is
// exercised the same way as against the live service.
type Fake struct {
	mu sync.Mutex

	project     domain.Project
	folders     []*domain.Folder
	cases       []*domain.TestCase
	steps       map[string][]domain.TestStep
	cycles      []*domain.TestCycle
	executions  []*domain.TestExecution
	attachments map[string][]byte
	changed     map[domain.EntityType]map[string]bool

	calls     map[string]int
	stickyErr map[string]error

	// LastChangedSince records the cutoff of the latest ChangedIDs call.
	LastChangedSince time.Time
}

// NewFake builds an empty fake for the given project.
func NewFake(project domain.Project) *Fake {
	return &Fake{
		project:     project,
		steps:       make(map[string][]domain.TestStep),
		attachments: make(map[string][]byte),
		changed:     make(map[domain.EntityType]map[string]bool),
		calls:       make(map[string]int),
		stickyErr:   make(map[string]error),
	}
}

// AddFolders appends folder fixtures.
func (f *Fake) AddFolders(folders ...*domain.Folder) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folders...)
	return f
}

// AddTestCase appends a case fixture; its steps are served through
// GetTestSteps only.
func (f *Fake) AddTestCase(tc *domain.TestCase, steps ...domain.TestStep) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	stripped := *tc
	stripped.Steps = nil
	f.cases = append(f.cases, &stripped)
	f.steps[tc.ID] = append(f.steps[tc.ID], steps...)
	return f
}

// AddCycles appends cycle fixtures.
func (f *Fake) AddCycles(cycles ...*domain.TestCycle) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles = append(f.cycles, cycles...)
	return f
}

// AddExecutions appends execution fixtures.
func (f *Fake) AddExecutions(execs ...*domain.TestExecution) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, execs...)
	return f
}

// PutAttachment stores downloadable attachment content.
func (f *Fake) PutAttachment(id string, content []byte) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[id] = content
	return f
}

// SetChanged marks entity ids as changed for incremental runs.
func (f *Fake) SetChanged(entityType domain.EntityType, ids ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	f.changed[entityType] = set
	return f
}

// SetError makes every subsequent call to op fail with err until
// cleared with a nil err.
func (f *Fake) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.stickyErr, op)
		return
	}
	f.stickyErr[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls[op]++
	return f.stickyErr[op]
}

func (f *Fake) GetProject(ctx context.Context, key string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetProject"); err != nil {
		return nil, err
	}
	if key != f.project.Key {
		return nil, migerrors.NewAPIError(ServiceName, http.MethodGet, "/projects/"+key,
			http.StatusNotFound, "no such project")
	}
	p := f.project
	return &p, nil
}

func (f *Fake) CheckConnection(ctx context.Context) error {
	_, err := f.GetProject(ctx, f.project.Key)
	return err
}

func (f *Fake) GetFolders(ctx context.Context) ([]*domain.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetFolders"); err != nil {
		return nil, err
	}
	out := make([]*domain.Folder, len(f.folders))
	for i, folder := range f.folders {
		cp := *folder
		out[i] = &cp
	}
	return out, nil
}

func (f *Fake) GetTestCases(ctx context.Context) ([]*domain.TestCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetTestCases"); err != nil {
		return nil, err
	}
	out := make([]*domain.TestCase, len(f.cases))
	for i, tc := range f.cases {
		cp := *tc
		cp.CustomFields = tc.CustomFields.Clone()
		cp.Attachments = append([]domain.Attachment(nil), tc.Attachments...)
		out[i] = &cp
	}
	return out, nil
}

func (f *Fake) GetTestSteps(ctx context.Context, caseID string) ([]domain.TestStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetTestSteps"); err != nil {
		return nil, err
	}
	return append([]domain.TestStep(nil), f.steps[caseID]...), nil
}

func (f *Fake) GetTestCycles(ctx context.Context) ([]*domain.TestCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetTestCycles"); err != nil {
		return nil, err
	}
	out := make([]*domain.TestCycle, len(f.cycles))
	for i, cy := range f.cycles {
		cp := *cy
		cp.CustomFields = cy.CustomFields.Clone()
		out[i] = &cp
	}
	return out, nil
}

func (f *Fake) GetTestExecutions(ctx context.Context) ([]*domain.TestExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetTestExecutions"); err != nil {
		return nil, err
	}
	out := make([]*domain.TestExecution, len(f.executions))
	for i, te := range f.executions {
		cp := *te
		cp.CustomFields = te.CustomFields.Clone()
		cp.StepResults = append([]domain.StepResult(nil), te.StepResults...)
		cp.Attachments = append([]domain.Attachment(nil), te.Attachments...)
		out[i] = &cp
	}
	return out, nil
}

func (f *Fake) DownloadAttachment(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DownloadAttachment"); err != nil {
		return nil, err
	}
	content, ok := f.attachments[id]
	if !ok {
		return nil, migerrors.NewAPIError(ServiceName, http.MethodGet,
			fmt.Sprintf("/attachments/%s/content", id), http.StatusNotFound, "no such attachment")
	}
	return append([]byte(nil), content...), nil
}

func (f *Fake) ChangedIDs(ctx context.Context, entityType domain.EntityType, since time.Time) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "ChangedIDs"); err != nil {
		return nil, err
	}
	f.LastChangedSince = since
	out := make(map[string]bool, len(f.changed[entityType]))
	for id := range f.changed[entityType] {
		out[id] = true
	}
	return out, nil
}
