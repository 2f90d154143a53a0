// Package lock guards against two migrations of the same project
// running at once. A run lock is a small YAML file named after the
// project key; holders refresh it with heartbeats and anyone may claim
// a lock whose heartbeat went stale or whose holding process died.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTL is how long a lock survives without a heartbeat.
const DefaultTTL = 60 * time.Second

// DefaultHeartbeatInterval is how often a holder refreshes its lock.
const DefaultHeartbeatInterval = 10 * time.Second

// RunLock is the persisted lock state for one project.
type RunLock struct {
	ProjectKey string    `yaml:"project_key"`
	Owner      string    `yaml:"owner"`
	Acquired   time.Time `yaml:"acquired"`
	Heartbeat  time.Time `yaml:"heartbeat"`
	TTL        string    `yaml:"ttl"`
	PID        int       `yaml:"pid"`
}

// TTLDuration parses the persisted TTL, falling back to the default.
func (l *RunLock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil || d <= 0 {
		return DefaultTTL
	}
	return d
}

// Stale reports whether the lock can be claimed: the heartbeat aged
// past the TTL, or the holding process on this host is gone.
func (l *RunLock) Stale() bool {
	if time.Since(l.Heartbeat) > l.TTLDuration() {
		return true
	}
	return l.PID > 0 && !processAlive(l.PID)
}

// HolderInfo describes who holds a lock.
type HolderInfo struct {
	Owner     string
	Acquired  time.Time
	Heartbeat time.Time
	PID       int
}

// Locker serializes migration runs per project key.
type Locker interface {
	// Acquire takes the run lock for a project. It fails with a
	// *HeldError when another live run holds it.
	Acquire(projectKey string) error

	// Release drops the lock. Releasing a lock that is not held is
	// not an error.
	Release(projectKey string) error

	// Heartbeat refreshes the lock so it does not go stale mid-run.
	Heartbeat(projectKey string) error

	// Holder reports whether the project is locked and by whom.
	Holder(projectKey string) (bool, *HolderInfo, error)
}

// NoOpLocker performs no locking. Used when locking is disabled and in
// tests that do not exercise contention.
type NoOpLocker struct{}

// NewNoOpLocker returns a Locker that always succeeds.
func NewNoOpLocker() *NoOpLocker { return &NoOpLocker{} }

func (*NoOpLocker) Acquire(string) error   { return nil }
func (*NoOpLocker) Release(string) error   { return nil }
func (*NoOpLocker) Heartbeat(string) error { return nil }
func (*NoOpLocker) Holder(string) (bool, *HolderInfo, error) {
	return false, nil, nil
}

// FileLocker keeps one lock file per project under a directory, usually
// the migration output directory so concurrent processes on the same
// working set see each other.
type FileLocker struct {
	dir   string
	owner string
	ttl   time.Duration
	mu    sync.Mutex
}

// NewFileLocker creates a file locker rooted at dir. Owner identifies
// the holder in conflict messages; empty falls back to user@host.
func NewFileLocker(dir, owner string) *FileLocker {
	if owner == "" {
		owner = DefaultOwner()
	}
	return &FileLocker{dir: dir, owner: owner, ttl: DefaultTTL}
}

// DefaultOwner builds a user@host holder identity.
func DefaultOwner() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return user + "@" + host
}

func (l *FileLocker) lockPath(projectKey string) string {
	name := strings.ToLower(projectKey) + ".lock"
	return filepath.Join(l.dir, name)
}

func (l *FileLocker) read(projectKey string) (*RunLock, error) {
	data, err := os.ReadFile(l.lockPath(projectKey))
	if err != nil {
		return nil, err
	}
	var rl RunLock
	if err := yaml.Unmarshal(data, &rl); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &rl, nil
}

func (l *FileLocker) write(projectKey string, rl *RunLock) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	data, err := yaml.Marshal(rl)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	path := l.lockPath(projectKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

// Acquire takes the run lock. A live lock held by the same owner is
// refreshed rather than refused, so re-entrant runs in one process
// work.
func (l *FileLocker) Acquire(projectKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read(projectKey)
	switch {
	case err == nil:
		if !existing.Stale() && existing.Owner != l.owner {
			return &HeldError{
				ProjectKey: projectKey,
				Owner:      existing.Owner,
				PID:        existing.PID,
			}
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read lock: %w", err)
	}

	now := time.Now().UTC()
	return l.write(projectKey, &RunLock{
		ProjectKey: projectKey,
		Owner:      l.owner,
		Acquired:   now,
		Heartbeat:  now,
		TTL:        l.ttl.String(),
		PID:        os.Getpid(),
	})
}

// Release drops the lock if this locker's owner holds it.
func (l *FileLocker) Release(projectKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read(projectKey)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &HeldError{
			ProjectKey: projectKey,
			Owner:      existing.Owner,
			PID:        existing.PID,
		}
	}

	if err := os.Remove(l.lockPath(projectKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock's liveness timestamp.
func (l *FileLocker) Heartbeat(projectKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.read(projectKey)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no run lock held for project %s", projectKey)
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Owner != l.owner {
		return &HeldError{
			ProjectKey: projectKey,
			Owner:      existing.Owner,
			PID:        existing.PID,
		}
	}

	existing.Heartbeat = time.Now().UTC()
	return l.write(projectKey, existing)
}

// Holder reports the live lock holder, if any. Stale locks read as
// unheld.
func (l *FileLocker) Holder(projectKey string) (bool, *HolderInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, err := l.read(projectKey)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("read lock: %w", err)
	}
	if rl.Stale() {
		return false, nil, nil
	}
	return true, &HolderInfo{
		Owner:     rl.Owner,
		Acquired:  rl.Acquired,
		Heartbeat: rl.Heartbeat,
		PID:       rl.PID,
	}, nil
}

// ForceRelease removes the lock regardless of owner. Backs the
// --unlock escape hatch for locks orphaned by dead runs.
func (l *FileLocker) ForceRelease(projectKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.lockPath(projectKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// HeldError reports a lock held by another live run.
type HeldError struct {
	ProjectKey string
	Owner      string
	PID        int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("project %s is locked by %s (pid %d)", e.ProjectKey, e.Owner, e.PID)
}

// processAlive reports whether a pid exists on this host. Signal 0
// probes without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// A live process owned by another user answers EPERM.
	return err == syscall.EPERM
}

// HeartbeatRunner refreshes a held lock in the background for the
// duration of a run.
type HeartbeatRunner struct {
	locker     Locker
	projectKey string
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHeartbeatRunner creates a runner for an already-acquired lock.
func NewHeartbeatRunner(locker Locker, projectKey string, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		locker:     locker,
		projectKey: projectKey,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins heartbeating until Stop is called or ctx ends.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				// Missed heartbeats only age the lock toward its TTL.
				_ = h.locker.Heartbeat(h.projectKey)
			}
		}
	}()
}

// Stop halts the heartbeat loop and waits for it to exit.
func (h *HeartbeatRunner) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
