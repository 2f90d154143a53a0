package workqueue

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Convenience priorities. Any int works; higher runs first.
const (
	PriorityLow    = 10
	PriorityNormal = 100
	PriorityHigh   = 1000
)

// WorkerFunc is the body of a work item.
type WorkerFunc func(ctx context.Context, input any) (any, error)

// Task describes one unit of work to enqueue.
type Task struct {
	ID          string // generated when empty
	Fn          WorkerFunc
	Input       any
	Priority    int
	DependsOn   []string
	MaxAttempts int // caps attempts below the retry policy when > 0
	Metadata    map[string]any
}

// ItemView is a point-in-time snapshot of a work item.
type ItemView struct {
	ID           string
	Input        any
	Status       Status
	Result       any
	Err          error
	Priority     int
	Dependencies []string
	Attempt      int
	MaxAttempts  int
	Metadata     map[string]any
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// item is the queue-internal state. All fields beyond the immutable
// descriptor are guarded by the queue mutex.
type item struct {
	id          string
	fn          WorkerFunc
	input       any
	priority    int
	deps        []string
	maxAttempts int
	metadata    map[string]any

	seq       int64
	createdAt time.Time

	status      Status
	result      any
	err         error
	attempt     int
	startedAt   *time.Time
	completedAt *time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once

	index int // heap position
}

func (it *item) view() ItemView {
	return ItemView{
		ID:           it.id,
		Input:        it.input,
		Status:       it.status,
		Result:       it.result,
		Err:          it.err,
		Priority:     it.priority,
		Dependencies: it.deps,
		Attempt:      it.attempt,
		MaxAttempts:  it.maxAttempts,
		Metadata:     it.metadata,
		CreatedAt:    it.createdAt,
		StartedAt:    it.startedAt,
		CompletedAt:  it.completedAt,
	}
}

func (it *item) closeDone() {
	it.doneOnce.Do(func() { close(it.done) })
}

// Counts summarizes queue occupancy by status.
type Counts struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}
