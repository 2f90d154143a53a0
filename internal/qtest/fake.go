package qtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	migerrors "github.com/randalmurphal/tmig/internal/errors"
)

// FakeAttachment records one uploaded attachment.
type FakeAttachment struct {
	ObjectType ObjectType
	ObjectID   int64
	Filename   string
	Size       int64
}

// Fake is an in-memory Client for tests. It hands out sequential ids,
// remembers everything created, and can inject failures per operation.
type Fake struct {
	mu sync.Mutex

	nextID      int64
	project     Project
	modules     map[int64]*Module
	testCases   map[int64]*TestCase
	testCycles  map[int64]*TestCycle
	testRuns    map[int64]*TestRun
	testLogs    map[int64][]*TestLog
	attachments []FakeAttachment

	calls     map[string]int
	stickyErr map[string]error
	failFirst map[string]int
}

// NewFake builds a Fake serving the given project.
func NewFake(project Project) *Fake {
	return &Fake{
		nextID:     1000,
		project:    project,
		modules:    make(map[int64]*Module),
		testCases:  make(map[int64]*TestCase),
		testCycles: make(map[int64]*TestCycle),
		testRuns:   make(map[int64]*TestRun),
		testLogs:   make(map[int64][]*TestLog),
		calls:      make(map[string]int),
		stickyErr:  make(map[string]error),
		failFirst:  make(map[string]int),
	}
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

// FailFirst makes the next n calls to op fail with a 503 before
// succeeding. Used to exercise retry paths.
func (f *Fake) FailFirst(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFirst[op] = n
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// begin records the call and returns any injected failure.
// Callers must hold the lock.
func (f *Fake) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls[op]++
	if n := f.failFirst[op]; n > 0 {
		f.failFirst[op] = n - 1
		return migerrors.NewAPIError(ServiceName, "POST", "/fake/"+op, http.StatusServiceUnavailable, "injected outage")
	}
	if err := f.stickyErr[op]; err != nil {
		return err
	}
	return nil
}

func (f *Fake) allocID() int64 {
	f.nextID++
	return f.nextID
}

func notFound(op string, id int64) error {
	return migerrors.NewAPIError(ServiceName, "DELETE", fmt.Sprintf("/fake/%s/%d", op, id), http.StatusNotFound, "no such entity")
}

func (f *Fake) GetProject(ctx context.Context) (*Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "GetProject"); err != nil {
		return nil, err
	}
	p := f.project
	return &p, nil
}

func (f *Fake) CheckConnection(ctx context.Context) error {
	_, err := f.GetProject(ctx)
	return err
}

func (f *Fake) CreateModule(ctx context.Context, m *Module) (*Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "CreateModule"); err != nil {
		return nil, err
	}
	created := *m
	created.ID = f.allocID()
	f.modules[created.ID] = &created
	out := created
	return &out, nil
}

func (f *Fake) CreateTestCase(ctx context.Context, tc *TestCase) (*TestCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "CreateTestCase"); err != nil {
		return nil, err
	}
	created := *tc
	created.ID = f.allocID()
	f.testCases[created.ID] = &created
	out := created
	return &out, nil
}

func (f *Fake) CreateTestCycle(ctx context.Context, tc *TestCycle) (*TestCycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "CreateTestCycle"); err != nil {
		return nil, err
	}
	created := *tc
	created.ID = f.allocID()
	f.testCycles[created.ID] = &created
	out := created
	return &out, nil
}

func (f *Fake) CreateTestRun(ctx context.Context, r *TestRun) (*TestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "CreateTestRun"); err != nil {
		return nil, err
	}
	if _, ok := f.testCases[r.TestCaseID]; !ok {
		return nil, migerrors.NewAPIError(ServiceName, "POST", "/fake/CreateTestRun", http.StatusBadRequest,
			fmt.Sprintf("unknown test case %d", r.TestCaseID))
	}
	if _, ok := f.testCycles[r.TestCycleID]; !ok {
		return nil, migerrors.NewAPIError(ServiceName, "POST", "/fake/CreateTestRun", http.StatusBadRequest,
			fmt.Sprintf("unknown test cycle %d", r.TestCycleID))
	}
	created := *r
	created.ID = f.allocID()
	f.testRuns[created.ID] = &created
	out := created
	return &out, nil
}

func (f *Fake) SubmitTestLog(ctx context.Context, runID int64, log *TestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "SubmitTestLog"); err != nil {
		return err
	}
	if _, ok := f.testRuns[runID]; !ok {
		return notFound("test-runs", runID)
	}
	entry := *log
	f.testLogs[runID] = append(f.testLogs[runID], &entry)
	return nil
}

func (f *Fake) UploadAttachment(ctx context.Context, objectType ObjectType, objectID int64, filename string, content io.Reader) error {
	size, readErr := io.Copy(io.Discard, content)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "UploadAttachment"); err != nil {
		return err
	}
	if readErr != nil {
		return fmt.Errorf("read attachment content: %w", readErr)
	}
	var exists bool
	switch objectType {
	case ObjectTestCase:
		_, exists = f.testCases[objectID]
	case ObjectTestRun:
		_, exists = f.testRuns[objectID]
	case ObjectTestLog:
		exists = true
	}
	if !exists {
		return notFound(string(objectType), objectID)
	}
	f.attachments = append(f.attachments, FakeAttachment{
		ObjectType: objectType,
		ObjectID:   objectID,
		Filename:   filename,
		Size:       size,
	})
	return nil
}

func (f *Fake) DeleteTestRun(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DeleteTestRun"); err != nil {
		return err
	}
	if _, ok := f.testRuns[id]; !ok {
		return notFound("test-runs", id)
	}
	delete(f.testRuns, id)
	delete(f.testLogs, id)
	return nil
}

func (f *Fake) DeleteTestCycle(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DeleteTestCycle"); err != nil {
		return err
	}
	if _, ok := f.testCycles[id]; !ok {
		return notFound("test-cycles", id)
	}
	delete(f.testCycles, id)
	return nil
}

func (f *Fake) DeleteTestCase(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DeleteTestCase"); err != nil {
		return err
	}
	if _, ok := f.testCases[id]; !ok {
		return notFound("test-cases", id)
	}
	delete(f.testCases, id)
	return nil
}

func (f *Fake) DeleteModule(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "DeleteModule"); err != nil {
		return err
	}
	if _, ok := f.modules[id]; !ok {
		return notFound("modules", id)
	}
	delete(f.modules, id)
	return nil
}

// Modules returns the live modules sorted by id.
func (f *Fake) Modules() []*Module {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Module, 0, len(f.modules))
	for _, m := range f.modules {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TestCases returns the live test cases sorted by id.
func (f *Fake) TestCases() []*TestCase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*TestCase, 0, len(f.testCases))
	for _, tc := range f.testCases {
		cp := *tc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TestCycles returns the live cycles sorted by id.
func (f *Fake) TestCycles() []*TestCycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*TestCycle, 0, len(f.testCycles))
	for _, tc := range f.testCycles {
		cp := *tc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TestRuns returns the live runs sorted by id.
func (f *Fake) TestRuns() []*TestRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*TestRun, 0, len(f.testRuns))
	for _, r := range f.testRuns {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TestLogs returns the logs submitted against a run.
func (f *Fake) TestLogs(runID int64) []*TestLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs := f.testLogs[runID]
	out := make([]*TestLog, len(logs))
	for i, l := range logs {
		cp := *l
		out[i] = &cp
	}
	return out
}

// Attachments returns every uploaded attachment in upload order.
func (f *Fake) Attachments() []FakeAttachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeAttachment(nil), f.attachments...)
}
