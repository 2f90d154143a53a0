package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNoOpLockerAlwaysSucceeds(t *testing.T) {
	locker := NewNoOpLocker()

	assert.NoError(t, locker.Acquire("DEMO"))
	assert.NoError(t, locker.Heartbeat("DEMO"))
	assert.NoError(t, locker.Release("DEMO"))

	held, info, err := locker.Holder("DEMO")
	assert.NoError(t, err)
	assert.False(t, held)
	assert.Nil(t, info)
}

func TestFileLockerAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	locker := NewFileLocker(dir, "alice@laptop")

	require.NoError(t, locker.Acquire("DEMO"))

	lockPath := filepath.Join(dir, "demo.lock")
	_, err := os.Stat(lockPath)
	assert.NoError(t, err, "lock file should exist")

	held, info, err := locker.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "alice@laptop", info.Owner)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, locker.Release("DEMO"))

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock file should be removed")

	held, info, err = locker.Holder("DEMO")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Nil(t, info)
}

func TestFileLockerRefusesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	alice := NewFileLocker(dir, "alice@laptop")
	bob := NewFileLocker(dir, "bob@desktop")

	require.NoError(t, alice.Acquire("DEMO"))

	err := bob.Acquire("DEMO")
	require.Error(t, err)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "DEMO", held.ProjectKey)
	assert.Equal(t, "alice@laptop", held.Owner)

	// Locks are per project, so a different key is free.
	require.NoError(t, bob.Acquire("OTHER"))

	require.NoError(t, alice.Release("DEMO"))
	require.NoError(t, bob.Acquire("DEMO"))

	held2, info, err := bob.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, held2)
	assert.Equal(t, "bob@desktop", info.Owner)
}

func TestFileLockerReacquireByOwner(t *testing.T) {
	dir := t.TempDir()
	locker := NewFileLocker(dir, "alice@laptop")

	require.NoError(t, locker.Acquire("DEMO"))
	require.NoError(t, locker.Acquire("DEMO"))

	held, info, err := locker.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "alice@laptop", info.Owner)
}

func TestFileLockerClaimsStaleLock(t *testing.T) {
	dir := t.TempDir()

	stale := &RunLock{
		ProjectKey: "DEMO",
		Owner:      "zombie@ghost",
		Acquired:   time.Now().Add(-2 * time.Hour).UTC(),
		Heartbeat:  time.Now().Add(-2 * time.Hour).UTC(),
		TTL:        DefaultTTL.String(),
		PID:        99999999,
	}
	data, err := yaml.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.lock"), data, 0o644))

	alice := NewFileLocker(dir, "alice@laptop")

	held, _, err := alice.Holder("DEMO")
	require.NoError(t, err)
	assert.False(t, held, "stale lock should read as unheld")

	require.NoError(t, alice.Acquire("DEMO"))

	held, info, err := alice.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "alice@laptop", info.Owner)
}

func TestFileLockerClaimsLockOfDeadProcess(t *testing.T) {
	dir := t.TempDir()

	// Fresh heartbeat but a pid that cannot exist.
	orphan := &RunLock{
		ProjectKey: "DEMO",
		Owner:      "gone@elsewhere",
		Acquired:   time.Now().UTC(),
		Heartbeat:  time.Now().UTC(),
		TTL:        DefaultTTL.String(),
		PID:        1 << 26,
	}
	data, err := yaml.Marshal(orphan)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.lock"), data, 0o644))

	alice := NewFileLocker(dir, "alice@laptop")
	require.NoError(t, alice.Acquire("DEMO"))

	_, info, err := alice.Holder("DEMO")
	require.NoError(t, err)
	assert.Equal(t, "alice@laptop", info.Owner)
}

func TestFileLockerHeartbeatUpdatesTimestamp(t *testing.T) {
	dir := t.TempDir()
	locker := NewFileLocker(dir, "alice@laptop")

	require.NoError(t, locker.Acquire("DEMO"))

	_, info1, err := locker.Holder("DEMO")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, locker.Heartbeat("DEMO"))

	_, info2, err := locker.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, info2.Heartbeat.After(info1.Heartbeat),
		"heartbeat should advance: was %v, now %v", info1.Heartbeat, info2.Heartbeat)
}

func TestFileLockerHeartbeatFailsForNonOwner(t *testing.T) {
	dir := t.TempDir()
	alice := NewFileLocker(dir, "alice@laptop")
	bob := NewFileLocker(dir, "bob@desktop")

	require.NoError(t, alice.Acquire("DEMO"))

	err := bob.Heartbeat("DEMO")
	require.Error(t, err)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "alice@laptop", held.Owner)
}

func TestFileLockerHeartbeatWithoutLock(t *testing.T) {
	locker := NewFileLocker(t.TempDir(), "alice@laptop")

	err := locker.Heartbeat("DEMO")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run lock held")
}

func TestFileLockerReleaseFailsForNonOwner(t *testing.T) {
	dir := t.TempDir()
	alice := NewFileLocker(dir, "alice@laptop")
	bob := NewFileLocker(dir, "bob@desktop")

	require.NoError(t, alice.Acquire("DEMO"))

	err := bob.Release("DEMO")
	require.Error(t, err)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "alice@laptop", held.Owner)

	// Alice still holds it.
	heldNow, info, err := alice.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, heldNow)
	assert.Equal(t, "alice@laptop", info.Owner)
}

func TestFileLockerReleaseWithoutLockIsIdempotent(t *testing.T) {
	locker := NewFileLocker(t.TempDir(), "alice@laptop")
	assert.NoError(t, locker.Release("DEMO"))
}

func TestFileLockerForceRelease(t *testing.T) {
	dir := t.TempDir()
	alice := NewFileLocker(dir, "alice@laptop")
	bob := NewFileLocker(dir, "bob@desktop")

	require.NoError(t, alice.Acquire("DEMO"))
	require.NoError(t, bob.ForceRelease("DEMO"))

	held, _, err := bob.Holder("DEMO")
	require.NoError(t, err)
	assert.False(t, held)
	require.NoError(t, bob.Acquire("DEMO"))
}

func TestRunLockStale(t *testing.T) {
	tests := []struct {
		name      string
		heartbeat time.Time
		ttl       string
		pid       int
		wantStale bool
	}{
		{
			name:      "fresh lock",
			heartbeat: time.Now(),
			ttl:       "60s",
			pid:       os.Getpid(),
			wantStale: false,
		},
		{
			name:      "expired heartbeat",
			heartbeat: time.Now().Add(-2 * time.Minute),
			ttl:       "60s",
			pid:       os.Getpid(),
			wantStale: true,
		},
		{
			name:      "just inside ttl",
			heartbeat: time.Now().Add(-59 * time.Second),
			ttl:       "60s",
			pid:       os.Getpid(),
			wantStale: false,
		},
		{
			name:      "invalid ttl uses default",
			heartbeat: time.Now().Add(-2 * time.Minute),
			ttl:       "bogus",
			pid:       os.Getpid(),
			wantStale: true,
		},
		{
			name:      "dead pid",
			heartbeat: time.Now(),
			ttl:       "60s",
			pid:       1 << 26,
			wantStale: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := &RunLock{Heartbeat: tt.heartbeat, TTL: tt.ttl, PID: tt.pid}
			assert.Equal(t, tt.wantStale, rl.Stale())
		})
	}
}

func TestHeldErrorMessage(t *testing.T) {
	err := &HeldError{ProjectKey: "DEMO", Owner: "bob@desktop", PID: 4242}
	assert.Equal(t, "project DEMO is locked by bob@desktop (pid 4242)", err.Error())
}

func TestHeartbeatRunner(t *testing.T) {
	dir := t.TempDir()
	locker := NewFileLocker(dir, "alice@laptop")

	require.NoError(t, locker.Acquire("DEMO"))

	_, info1, err := locker.Holder("DEMO")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := NewHeartbeatRunner(locker, "DEMO", 20*time.Millisecond)
	runner.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	runner.Stop()

	_, info2, err := locker.Holder("DEMO")
	require.NoError(t, err)
	assert.True(t, info2.Heartbeat.After(info1.Heartbeat),
		"heartbeat should be advanced by the runner")
}

func TestHeartbeatRunnerStopsOnContextCancel(t *testing.T) {
	locker := NewNoOpLocker()

	ctx, cancel := context.WithCancel(context.Background())
	runner := NewHeartbeatRunner(locker, "DEMO", 10*time.Millisecond)
	runner.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop should return promptly after context cancel")
	}
}

func TestDefaultOwnerNeverEmpty(t *testing.T) {
	owner := DefaultOwner()
	assert.NotEmpty(t, owner)
	assert.Contains(t, owner, "@")
}
