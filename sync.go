package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/moodsync/internal/metrics"
	"github.com/tonimelisma/moodsync/internal/sync"
)

// errSyncIncomplete makes a one-shot sync exit non-zero when entries are
// still pending. The summary has already been printed.
var errSyncIncomplete = errors.New("sync incomplete")

// syncResult is the JSON schema for `sync --json`.
type syncResult struct {
	Synced     int    `json:"synced"`
	Dropped    int    `json:"dropped"`
	Pending    int    `json:"pending"`
	Complete   bool   `json:"complete"`
	NeedsLogin bool   `json:"needs_login,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Duration   string `json:"duration"`
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending entries",
		Long: `Upload every pending entry in the outbox, oldest first.

Without flags, sync runs once and exits non-zero if entries remain pending.
With --watch, sync keeps running: it drains the outbox at start, whenever
another moodsync process writes an entry, on SIGHUP, and every
sync.poll_interval, backing off while the server is unreachable.
--now asks a running watcher to sync immediately.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep running and sync continuously")
	cmd.Flags().Bool("now", false, "ask a running 'sync --watch' to sync immediately")
	cmd.MarkFlagsMutuallyExclusive("watch", "now")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if now, _ := cmd.Flags().GetBool("now"); now {
		pid, err := nudgeWatcher(cc.Cfg.LockPath())
		if err != nil {
			return err
		}

		cc.Statusf("Asked watcher (PID %d) to sync.\n", pid)

		return nil
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return runSyncWatch(cmd.Context(), cc)
	}

	return runSyncOnce(cmd.Context(), cc)
}

func runSyncOnce(ctx context.Context, cc *CLIContext) error {
	app, err := openSyncApp(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if !app.Session.LoggedIn() {
		return errNotLoggedIn
	}

	out, err := app.Engine.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	pending, err := app.Outbox.CountUnsynced(ctx)
	if err != nil {
		return err
	}

	res := syncResult{
		Synced:     out.Synced,
		Dropped:    out.Dropped,
		Pending:    pending,
		Complete:   !out.RetriedLater && !out.NeedsLogin && !out.Skipped,
		NeedsLogin: out.NeedsLogin,
		Skipped:    out.Skipped,
		Duration:   out.Duration.Round(time.Millisecond).String(),
	}

	if cc.Flags.JSON {
		if err := cc.printJSON(res); err != nil {
			return err
		}
	} else {
		printSyncSummary(cc, &res)
	}

	if !res.Complete {
		return errSyncIncomplete
	}

	return nil
}

func printSyncSummary(cc *CLIContext, res *syncResult) {
	cc.Statusf("Synced %d, dropped %d, pending %d.\n", res.Synced, res.Dropped, res.Pending)

	switch {
	case res.Skipped:
		cc.Statusf("Another sync is draining the outbox; try again when it finishes.\n")
	case res.NeedsLogin:
		// OnNeedsLogin already told the user to log in.
	case !res.Complete:
		cc.Statusf("Server unavailable; remaining entries will be retried.\n")
	}

	if res.Dropped > 0 {
		cc.Statusf("Run 'moodsync list --dropped' to see rejected entries.\n")
	}
}

// runSyncWatch runs the scheduler, the outbox watcher and the metrics
// listener until SIGINT/SIGTERM. A lock file keeps a second watcher off the
// same outbox.
func runSyncWatch(parent context.Context, cc *CLIContext) error {
	logger := cc.Logger

	release, err := acquireWatchLock(cc.Cfg.LockPath())
	if err != nil {
		return err
	}
	defer release()

	ctx := shutdownContext(parent, logger)

	app, err := openSyncApp(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	sched := sync.NewScheduler(sync.SchedulerConfig{
		Runner:      app.Engine,
		Interval:    cc.Cfg.PollInterval,
		BackoffBase: cc.Cfg.BackoffBase,
		BackoffMax:  cc.Cfg.BackoffMax,
		Logger:      logger,
	})

	// SIGHUP comes from `sync --now` or from a login in another process:
	// pick up the stored credentials, then run.
	triggerOnSIGHUP(ctx, func() {
		if err := app.Session.Reload(); err != nil {
			logger.Warn("reloading credentials failed", "error", err.Error())
		}

		sched.Trigger()
	}, logger)

	cc.Statusf("Watching %s (poll every %s). Press Ctrl-C to stop.\n",
		cc.Cfg.OutboxPath(), cc.Cfg.PollInterval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		return sync.WatchOutbox(gctx, cc.Cfg.OutboxPath(), sched.Trigger, logger)
	})

	g.Go(func() error {
		return metrics.Serve(gctx, cc.Cfg.MetricsListen, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync --watch: %w", err)
	}

	cc.Statusf("Stopped.\n")

	return nil
}
