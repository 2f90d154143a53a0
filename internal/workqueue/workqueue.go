// Package workqueue runs prioritized, dependency-ordered work items
// under bounded concurrency with retry and cancellation.
//
// Items start PENDING, run when all dependencies have completed and a
// worker slot is free, and end in one of the terminal states COMPLETED,
// FAILED, or CANCELLED. Failed attempts are retried when the configured
// policy classifies the error as transient.
package workqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCancelled is the terminal error of a cancelled work item.
	ErrCancelled = errors.New("work item cancelled")
	// ErrStopped rejects enqueues after Stop.
	ErrStopped = errors.New("work queue stopped")
	// ErrDependencyFailed marks items whose dependency ended failed or
	// cancelled and therefore can never run.
	ErrDependencyFailed = errors.New("dependency not completed")
)

// RetryDecider classifies failures and spaces retries. Satisfied by
// retry.Policy.
type RetryDecider interface {
	ShouldRetry(attempt int, err error) bool
	Delay(attempt int) time.Duration
}

// Config controls queue behavior.
type Config struct {
	MaxWorkers    int           // concurrent items, default 4
	WorkerTimeout time.Duration // per-attempt deadline, 0 = none
	Retry         RetryDecider  // nil disables retries
	OnComplete    func(ItemView)
	OnError       func(ItemView) // fired for failed and cancelled items
	Logger        *slog.Logger
}

// Queue schedules and executes work items.
type Queue struct {
	maxWorkers    int
	workerTimeout time.Duration
	retry         RetryDecider
	onComplete    func(ItemView)
	onError       func(ItemView)
	logger        *slog.Logger

	mu            sync.Mutex
	pending       itemHeap
	items         map[string]*item
	completedDeps map[string]bool
	runningCount  int
	seq           int64
	stopped       bool

	ctx            context.Context
	cancel         context.CancelFunc
	kick           chan struct{}
	dispatcherDone chan struct{}
	wg             sync.WaitGroup
}

// New builds a queue and starts its dispatcher.
func New(cfg Config) *Queue {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		maxWorkers:     cfg.MaxWorkers,
		workerTimeout:  cfg.WorkerTimeout,
		retry:          cfg.Retry,
		onComplete:     cfg.OnComplete,
		onError:        cfg.OnError,
		logger:         cfg.Logger,
		pending:        make(itemHeap, 0),
		items:          make(map[string]*item),
		completedDeps:  make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
		kick:           make(chan struct{}, 1),
		dispatcherDone: make(chan struct{}),
	}
	heap.Init(&q.pending)
	go q.dispatchLoop()
	return q
}

// Enqueue adds one work item. Dependencies must already be known to the
// queue; use EnqueueGraph to add a dependency graph in one call.
func (q *Queue) Enqueue(t Task) (string, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if t.Fn == nil {
		q.mu.Unlock()
		return "", fmt.Errorf("enqueue: nil worker func")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := q.items[t.ID]; exists {
		q.mu.Unlock()
		return "", fmt.Errorf("enqueue: duplicate work item id %s", t.ID)
	}
	for _, dep := range t.DependsOn {
		if _, known := q.items[dep]; !known {
			q.mu.Unlock()
			return "", fmt.Errorf("enqueue: unknown dependency %s for item %s", dep, t.ID)
		}
	}
	q.insertLocked(t)
	q.mu.Unlock()

	q.wake()
	return t.ID, nil
}

// EnqueueGraph adds a set of items whose dependencies may reference each
// other. All edges are registered before any item becomes eligible.
func (q *Queue) EnqueueGraph(tasks []Task) ([]string, error) {
	ts := make([]Task, len(tasks))
	copy(ts, tasks)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}

	ids := make([]string, len(ts))
	inBatch := make(map[string]bool, len(ts))
	for i := range ts {
		if ts[i].Fn == nil {
			q.mu.Unlock()
			return nil, fmt.Errorf("enqueue graph: item %d has nil worker func", i)
		}
		if ts[i].ID == "" {
			ts[i].ID = uuid.NewString()
		}
		id := ts[i].ID
		if inBatch[id] {
			q.mu.Unlock()
			return nil, fmt.Errorf("enqueue graph: duplicate work item id %s", id)
		}
		if _, exists := q.items[id]; exists {
			q.mu.Unlock()
			return nil, fmt.Errorf("enqueue graph: work item id %s already queued", id)
		}
		inBatch[id] = true
		ids[i] = id
	}
	for _, t := range ts {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				q.mu.Unlock()
				return nil, fmt.Errorf("enqueue graph: item %s depends on itself", t.ID)
			}
			if inBatch[dep] {
				continue
			}
			if _, known := q.items[dep]; !known {
				q.mu.Unlock()
				return nil, fmt.Errorf("enqueue graph: unknown dependency %s for item %s", dep, t.ID)
			}
		}
	}
	for _, t := range ts {
		q.insertLocked(t)
	}
	q.mu.Unlock()

	q.wake()
	return ids, nil
}

func (q *Queue) insertLocked(t Task) {
	q.seq++
	it := &item{
		id:          t.ID,
		fn:          t.Fn,
		input:       t.Input,
		priority:    t.Priority,
		deps:        append([]string(nil), t.DependsOn...),
		maxAttempts: t.MaxAttempts,
		metadata:    t.Metadata,
		seq:         q.seq,
		createdAt:   time.Now(),
		status:      StatusPending,
		done:        make(chan struct{}),
	}
	q.items[it.id] = it
	heap.Push(&q.pending, it)
}

// Cancel moves a pending item to CANCELLED, or requests cancellation of
// a running one. Terminal items are left as they are.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel: unknown work item %s", id)
	}
	q.cancelItem(it)
	q.wake()
	return nil
}

// Wait blocks until the item reaches a terminal state and returns its
// result. Failed items return their error, cancelled ones ErrCancelled.
func (q *Queue) Wait(ctx context.Context, id string) (any, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wait: unknown work item %s", id)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-it.done:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch it.status {
	case StatusCompleted:
		return it.result, nil
	case StatusCancelled:
		return nil, fmt.Errorf("work item %s: %w", id, ErrCancelled)
	default:
		return nil, it.err
	}
}

// WaitAll blocks until every item known at call time is terminal and
// returns the joined failures, nil when all completed.
func (q *Queue) WaitAll(ctx context.Context) error {
	q.mu.Lock()
	all := make([]*item, 0, len(q.items))
	for _, it := range q.items {
		all = append(all, it)
	}
	q.mu.Unlock()

	var errs []error
	for _, it := range all {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-it.done:
		}
		q.mu.Lock()
		switch it.status {
		case StatusFailed:
			errs = append(errs, fmt.Errorf("work item %s: %w", it.id, it.err))
		case StatusCancelled:
			errs = append(errs, fmt.Errorf("work item %s: %w", it.id, ErrCancelled))
		}
		q.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Stop shuts the queue down. With wait it drains running items first;
// without it running work is cancelled. Pending items are cancelled
// either way, and later enqueues fail with ErrStopped.
func (q *Queue) Stop(wait bool) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	running := make([]*item, 0, q.runningCount)
	for _, it := range q.items {
		if it.status == StatusRunning {
			running = append(running, it)
		}
	}
	q.mu.Unlock()

	if wait {
		for _, it := range running {
			<-it.done
		}
	} else {
		for _, it := range running {
			q.cancelItem(it)
		}
	}

	q.mu.Lock()
	var cancelled []*item
	for _, it := range q.items {
		if it.status == StatusPending {
			it.status = StatusCancelled
			it.err = ErrCancelled
			now := time.Now()
			it.completedAt = &now
			cancelled = append(cancelled, it)
		}
	}
	views := make([]ItemView, len(cancelled))
	for i, it := range cancelled {
		views[i] = it.view()
	}
	q.mu.Unlock()

	for i, it := range cancelled {
		q.fireError(views[i])
		it.closeDone()
	}

	q.cancel()
	<-q.dispatcherDone
	if wait {
		q.wg.Wait()
	}
}

// Get returns a snapshot of the item.
func (q *Queue) Get(id string) (ItemView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ItemView{}, false
	}
	return it.view(), true
}

// Counts tallies items by status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, it := range q.items {
		switch it.status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Idle reports whether no item is pending or running.
func (q *Queue) Idle() bool {
	c := q.Counts()
	return c.Pending == 0 && c.Running == 0
}

func (q *Queue) dispatchLoop() {
	defer close(q.dispatcherDone)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.kick:
			q.dispatch()
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// dispatch starts eligible items while worker slots are free. Items
// whose dependencies are still in flight go back on the heap; items
// whose dependencies failed or were cancelled fail immediately.
func (q *Queue) dispatch() {
	var started, depFailed, waiting []*item

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	for q.runningCount < q.maxWorkers && q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		if it.status != StatusPending {
			continue // cancelled while queued
		}
		ready, badDep := q.depStateLocked(it)
		switch {
		case badDep != "":
			it.status = StatusFailed
			it.err = fmt.Errorf("work item %s: dependency %s: %w", it.id, badDep, ErrDependencyFailed)
			now := time.Now()
			it.completedAt = &now
			depFailed = append(depFailed, it)
		case !ready:
			waiting = append(waiting, it)
		default:
			it.status = StatusRunning
			it.attempt++
			if it.startedAt == nil {
				now := time.Now()
				it.startedAt = &now
			}
			if q.workerTimeout > 0 {
				it.runCtx, it.runCancel = context.WithTimeout(q.ctx, q.workerTimeout)
			} else {
				it.runCtx, it.runCancel = context.WithCancel(q.ctx)
			}
			q.runningCount++
			started = append(started, it)
		}
	}
	for _, it := range waiting {
		heap.Push(&q.pending, it)
	}
	failedViews := make([]ItemView, len(depFailed))
	for i, it := range depFailed {
		failedViews[i] = it.view()
	}
	q.mu.Unlock()

	for i, it := range depFailed {
		q.fireError(failedViews[i])
		it.closeDone()
	}
	for _, it := range started {
		q.wg.Add(1)
		go q.runItem(it)
	}
	if len(depFailed) > 0 {
		q.wake()
	}
}

// depStateLocked reports readiness. badDep names a dependency that
// ended failed or cancelled, which makes the item unrunnable.
func (q *Queue) depStateLocked(it *item) (ready bool, badDep string) {
	ready = true
	for _, dep := range it.deps {
		if q.completedDeps[dep] {
			continue
		}
		if d, ok := q.items[dep]; ok && (d.status == StatusFailed || d.status == StatusCancelled) {
			return false, dep
		}
		ready = false
	}
	return ready, ""
}

func (q *Queue) runItem(it *item) {
	defer q.wg.Done()

	result, err := runWorker(it.runCtx, it.fn, it.input)
	it.runCancel()

	var view ItemView
	var fireComplete, fireErr, completed bool

	q.mu.Lock()
	q.runningCount--
	switch {
	case it.status != StatusRunning:
		// cancelled mid-run; Cancel already fired the callback
	case err == nil:
		it.status = StatusCompleted
		it.result = result
		it.err = nil
		now := time.Now()
		it.completedAt = &now
		view = it.view()
		fireComplete = true
		completed = true
	default:
		it.err = err
		if !q.stopped && q.shouldRetryLocked(it, err) {
			it.status = StatusPending
			delay := q.retry.Delay(it.attempt - 1)
			q.logger.Warn("work item failed, retrying",
				"id", it.id,
				"attempt", it.attempt,
				"delay", delay,
				"error", err,
			)
			time.AfterFunc(delay, func() { q.requeue(it) })
		} else {
			it.status = StatusFailed
			now := time.Now()
			it.completedAt = &now
			view = it.view()
			fireErr = true
		}
	}
	q.mu.Unlock()

	// The completion callback fires before the item is marked complete
	// for dependency purposes, so dependents dequeue strictly after it.
	if fireComplete {
		q.fireComplete(view)
	}
	if fireErr {
		q.fireError(view)
	}
	if completed {
		q.mu.Lock()
		q.completedDeps[it.id] = true
		q.mu.Unlock()
	}
	if fireComplete || fireErr {
		it.closeDone()
	}
	q.wake()
}

func (q *Queue) shouldRetryLocked(it *item, err error) bool {
	if q.retry == nil {
		return false
	}
	if it.maxAttempts > 0 && it.attempt >= it.maxAttempts {
		return false
	}
	return q.retry.ShouldRetry(it.attempt-1, err)
}

// requeue returns a retried item to the heap once its backoff elapsed.
func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	if q.stopped || it.status != StatusPending {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.pending, it)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) cancelItem(it *item) {
	q.mu.Lock()
	if it.status.Terminal() {
		q.mu.Unlock()
		return
	}
	wasRunning := it.status == StatusRunning
	cancelRun := it.runCancel
	it.status = StatusCancelled
	it.err = ErrCancelled
	now := time.Now()
	it.completedAt = &now
	view := it.view()
	q.mu.Unlock()

	if wasRunning && cancelRun != nil {
		cancelRun()
	}
	q.fireError(view)
	it.closeDone()
}

func (q *Queue) fireComplete(view ItemView) {
	if q.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("completion callback panicked", "id", view.ID, "panic", r)
		}
	}()
	q.onComplete(view)
}

func (q *Queue) fireError(view ItemView) {
	if q.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("error callback panicked", "id", view.ID, "panic", r)
		}
	}()
	q.onError(view)
}

func runWorker(ctx context.Context, fn WorkerFunc, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx, input)
}
