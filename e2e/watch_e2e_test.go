//go:build e2e

package e2e

import (
	"bytes"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	watchStartTimeout = 10 * time.Second
	watchSyncTimeout  = 30 * time.Second
	pollStep          = 250 * time.Millisecond
)

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(pollStep)
	}

	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func TestE2E_WatchUploadsNewEntries(t *testing.T) {
	env := newE2EEnv(t)
	env.login()

	watch := env.command("sync", "--watch")

	var watchErr bytes.Buffer
	watch.Stderr = &watchErr

	require.NoError(t, watch.Start())

	t.Cleanup(func() {
		if watch.ProcessState == nil {
			_ = watch.Process.Kill()
			_ = watch.Wait()
		}
	})

	waitFor(t, watchStartTimeout, "watcher to start", func() bool {
		stdout, _, err := env.run("status")
		return err == nil && strings.Contains(stdout, "running (PID")
	})

	// With a watcher running, add only queues; the watcher notices the
	// outbox write and uploads.
	note := uniqueNote(t)
	env.mustRun("add", "8", note)

	waitFor(t, watchSyncTimeout, "watcher to upload the entry", func() bool {
		entries := env.list()
		return len(entries) == 1 && entries[0].State == "synced"
	})

	_, stderr := env.mustRun("sync", "--now")
	assert.Contains(t, stderr, "Asked watcher")

	// A second watcher on the same data dir is refused.
	_, _, err := env.run("sync", "--watch")
	require.Error(t, err)

	require.NoError(t, watch.Process.Signal(syscall.SIGTERM))
	require.NoError(t, watch.Wait(), "watcher stderr: %s", watchErr.String())

	stdout, _ := env.mustRun("status")
	assert.Contains(t, stdout, "not running")
}
