package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock file permissions: private to the user, like the rest of the data dir.
const (
	lockFilePermissions = 0o600
	lockDirPermissions  = 0o700
)

// errNoWatcher is returned when no `sync --watch` process holds the lock.
var errNoWatcher = errors.New("no running 'moodsync sync --watch' found")

// acquireWatchLock writes the current process ID to path and takes an
// exclusive flock on it, so only one watcher drains an outbox. Returns a
// cleanup function that removes the file and releases the lock.
func acquireWatchLock(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("lock file path is empty: cannot determine data directory")
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(path), lockDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating lock file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	// Non-blocking: fails immediately if another watcher holds it.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another sync --watch is already running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readLockPID reads the PID from the lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// findWatcher returns the live watcher process recorded in the lock file.
// A lock file whose process is gone is removed.
func findWatcher(path string) (*os.Process, error) {
	pid, err := readLockPID(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errNoWatcher
		}

		return nil, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 checks liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)

		return nil, fmt.Errorf("%w (stale lock for PID %d removed)", errNoWatcher, pid)
	}

	return proc, nil
}

// nudgeWatcher asks the running watcher to sync now by sending SIGHUP.
func nudgeWatcher(path string) (int, error) {
	proc, err := findWatcher(path)
	if err != nil {
		return 0, err
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to watcher (PID %d): %w", proc.Pid, err)
	}

	return proc.Pid, nil
}
