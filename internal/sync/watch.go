package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher tuning.
const (
	watchDebounce       = 250 * time.Millisecond
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
	walSuffix           = "-wal"
	journalSuffix       = "-journal"
)

// FsWatcher abstracts fsnotify.Watcher for testing.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher to FsWatcher.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f *fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

func newFsWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWrapper{w: w}, nil
}

// WatchOutbox calls trigger after another process writes to the outbox
// database at dbPath (for example `moodsync add` while `moodsync sync
// --watch` is running). Bursts of writes within the debounce window
// produce one trigger. Blocks until ctx is canceled.
func WatchOutbox(ctx context.Context, dbPath string, trigger func(), logger *slog.Logger) error {
	watcher, err := newFsWatcher()
	if err != nil {
		return fmt.Errorf("sync: creating outbox watcher: %w", err)
	}

	return watchOutbox(ctx, watcher, dbPath, trigger, logger, timeSleep)
}

func watchOutbox(
	ctx context.Context, watcher FsWatcher, dbPath string, trigger func(),
	logger *slog.Logger, sleep func(context.Context, time.Duration) error,
) error {
	defer watcher.Close()

	// Watch the directory: SQLite recreates the -wal file, which would drop
	// a watch placed on the file itself.
	dir := filepath.Dir(dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("sync: watching %s: %w", dir, err)
	}

	logger.Debug("watching outbox", slog.String("dir", dir))

	base := filepath.Base(dbPath)
	relevant := map[string]bool{
		base:                 true,
		base + walSuffix:     true,
		base + journalSuffix: true,
	}

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if !relevant[filepath.Base(ev.Name)] || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}

			debounce.Reset(watchDebounce)

			errBackoff = watchErrInitBackoff

		case <-debounce.C:
			logger.Debug("outbox changed on disk, triggering sync")
			trigger()

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			logger.Warn("outbox watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := sleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}
