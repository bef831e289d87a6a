package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWatcher is an FsWatcher driven by the test.
type fakeWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	added  []string
	closed atomic.Bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan fsnotify.Event), errs: make(chan error)}
}

func (f *fakeWatcher) Add(name string) error         { f.added = append(f.added, name); return nil }
func (f *fakeWatcher) Close() error                  { f.closed.Store(true); return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error          { return f.errs }

func TestWatchOutbox_DebouncesRelevantWrites(t *testing.T) {
	fw := newFakeWatcher()
	dbPath := filepath.Join("/data", "outbox.db")

	var triggers atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- watchOutbox(ctx, fw, dbPath, func() { triggers.Add(1) }, testLogger(t), timeSleep)
	}()

	for range 5 {
		fw.events <- fsnotify.Event{Name: "/data/outbox.db-wal", Op: fsnotify.Write}
	}

	fw.events <- fsnotify.Event{Name: "/data/outbox.db-shm", Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: "/data/credentials.json", Op: fsnotify.Write}

	require.Eventually(t, func() bool { return triggers.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(2 * watchDebounce)
	assert.Equal(t, int32(1), triggers.Load(), "a burst yields one trigger")

	cancel()
	require.NoError(t, <-done)
	assert.True(t, fw.closed.Load())
	assert.Equal(t, []string{"/data"}, fw.added)
}

func TestWatchOutbox_IgnoresUnrelatedFiles(t *testing.T) {
	fw := newFakeWatcher()

	var triggers atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = watchOutbox(ctx, fw, "/data/outbox.db", func() { triggers.Add(1) }, testLogger(t), timeSleep)
	}()

	fw.events <- fsnotify.Event{Name: "/data/outbox.db-shm", Op: fsnotify.Write}
	fw.events <- fsnotify.Event{Name: "/data/outbox.db", Op: fsnotify.Chmod}

	time.Sleep(2 * watchDebounce)
	assert.Equal(t, int32(0), triggers.Load())
}

func TestWatchOutbox_ErrorBackoff(t *testing.T) {
	fw := newFakeWatcher()

	var sleeps []time.Duration

	sleep := func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- watchOutbox(ctx, fw, "/data/outbox.db", func() {}, testLogger(t), sleep)
	}()

	for range 7 {
		fw.errs <- errors.New("queue overflow")
	}

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, sleeps)
}

func TestWatchOutbox_RealFilesystem(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "outbox.db")

	var triggers atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	watcher, err := newFsWatcher()
	require.NoError(t, err)

	go func() {
		close(ready)
		_ = watchOutbox(ctx, watcher, dbPath, func() { triggers.Add(1) }, testLogger(t), timeSleep)
	}()

	<-ready

	// The watch is registered asynchronously; keep writing until it fires.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(dbPath+walSuffix, []byte("frame"), 0o600)
		return triggers.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}
