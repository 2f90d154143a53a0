package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/tmig/internal/db"
)

const (
	// Buffer flushes when it reaches this size
	bufferSizeThreshold = 10
	// Buffer flushes automatically every 5 seconds
	flushInterval = 5 * time.Second
)

// EventStore persists workflow events. *db.DB satisfies it.
type EventStore interface {
	SaveWorkflowEvents(events []*db.WorkflowEvent) error
}

// PersistentPublisher wraps MemoryPublisher and adds store persistence.
// Live subscribers keep real-time delivery while events are appended to the
// workflow_events table in batches.
type PersistentPublisher struct {
	inner       *MemoryPublisher
	store       EventStore
	buffer      []*db.WorkflowEvent
	bufferMu    sync.Mutex
	flushTicker *time.Ticker
	phaseStarts map[string]time.Time // key: "projectKey:phase"
	startsMu    sync.RWMutex
	logger      *slog.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewPersistentPublisher creates a new persistent event publisher.
func NewPersistentPublisher(store EventStore, logger *slog.Logger, opts ...PublisherOption) *PersistentPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	p := &PersistentPublisher{
		inner:       NewMemoryPublisher(opts...),
		store:       store,
		buffer:      make([]*db.WorkflowEvent, 0, bufferSizeThreshold),
		phaseStarts: make(map[string]time.Time),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	// Start background flush ticker
	p.flushTicker = time.NewTicker(flushInterval)
	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// Publish sends an event to subscribers and persists it to the store.
func (p *PersistentPublisher) Publish(event Event) {
	// Always broadcast to subscribers first (real-time delivery)
	p.inner.Publish(event)

	// Skip persistence if store is nil (testing scenarios)
	if p.store == nil {
		return
	}

	// Track phase start times before converting, so a completion event in
	// the same call can compute its duration.
	p.trackPhaseStart(event)

	row := p.eventToRow(event)

	p.bufferMu.Lock()
	p.buffer = append(p.buffer, row)
	shouldFlush := len(p.buffer) >= bufferSizeThreshold
	p.bufferMu.Unlock()

	if shouldFlush {
		p.flush()
	}

	// Flush on terminal phase events so durations and failures are durable
	if isTerminalStatus(event.Status) {
		p.flush()
	}
}

// Subscribe returns a channel that receives events for the given project.
func (p *PersistentPublisher) Subscribe(projectKey string) <-chan Event {
	return p.inner.Subscribe(projectKey)
}

// Unsubscribe removes a subscription channel.
func (p *PersistentPublisher) Unsubscribe(projectKey string, ch <-chan Event) {
	p.inner.Unsubscribe(projectKey, ch)
}

// Close shuts down the publisher, flushes remaining events, and releases
// resources. Close is idempotent and safe to call multiple times.
func (p *PersistentPublisher) Close() {
	p.closeOnce.Do(func() {
		// Signal flush loop to stop
		close(p.stopCh)

		// Stop the ticker
		p.flushTicker.Stop()

		// Wait for flush loop to finish
		p.wg.Wait()

		// Final flush
		p.flush()

		// Close inner publisher
		p.inner.Close()
	})
}

// flushLoop runs in the background and flushes the buffer every 5 seconds.
func (p *PersistentPublisher) flushLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.flushTicker.C:
			p.flush()
		case <-p.stopCh:
			return
		}
	}
}

// flush writes buffered events to the store in a single batch.
func (p *PersistentPublisher) flush() {
	p.bufferMu.Lock()
	if len(p.buffer) == 0 {
		p.bufferMu.Unlock()
		return
	}

	// Swap buffer for new empty one
	toFlush := p.buffer
	p.buffer = make([]*db.WorkflowEvent, 0, bufferSizeThreshold)
	p.bufferMu.Unlock()

	// Write to store outside the lock
	if err := p.store.SaveWorkflowEvents(toFlush); err != nil {
		p.logger.Error("failed to persist events", "error", err, "count", len(toFlush))
		// Don't retry - just log and continue to prevent memory buildup
	}
}

// eventToRow converts an Event to a WorkflowEvent row for store persistence.
func (p *PersistentPublisher) eventToRow(e Event) *db.WorkflowEvent {
	meta := e.Metadata

	// Record phase duration on terminal phase events
	if isTerminalStatus(e.Status) {
		if start := p.takePhaseStart(e.ProjectKey, e.Phase); start != nil {
			if meta == nil {
				meta = make(map[string]any, 1)
			}
			meta["duration_ms"] = e.Time.Sub(*start).Milliseconds()
		}
	}

	return &db.WorkflowEvent{
		ProjectKey:   e.ProjectKey,
		Phase:        e.Phase,
		Status:       e.Status,
		Message:      e.Message,
		EntityType:   e.EntityType,
		EntityCount:  e.EntityCount,
		BatchNumber:  e.BatchNumber,
		TotalBatches: e.TotalBatches,
		Metadata:     meta,
		CreatedAt:    e.Time,
	}
}

// trackPhaseStart records when a phase starts for duration calculation.
func (p *PersistentPublisher) trackPhaseStart(e Event) {
	if e.Status != StatusStarted {
		return
	}
	key := e.ProjectKey + ":" + e.Phase
	p.startsMu.Lock()
	p.phaseStarts[key] = e.Time
	p.startsMu.Unlock()
}

// takePhaseStart retrieves the start time for a phase and cleans it up.
func (p *PersistentPublisher) takePhaseStart(projectKey, phase string) *time.Time {
	key := projectKey + ":" + phase
	p.startsMu.Lock()
	defer p.startsMu.Unlock()

	if t, ok := p.phaseStarts[key]; ok {
		// Clean up the entry to prevent memory leak
		delete(p.phaseStarts, key)
		return &t
	}
	return nil
}

// isTerminalStatus reports whether the status ends a phase.
func isTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusPartial, StatusRolledBack:
		return true
	default:
		return false
	}
}
