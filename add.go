package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// addResult is the JSON schema for `add --json`.
type addResult struct {
	ID      int64 `json:"id"`
	Synced  bool  `json:"synced"`
	Dropped bool  `json:"dropped,omitempty"`
	Pending int   `json:"pending"`
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add SCORE [NOTE...]",
		Short: "Record a mood entry",
		Long: `Record a mood entry. The entry is saved to the local outbox first and then
uploaded right away when logged in. If the upload cannot happen now, the
entry stays queued and goes out with the next sync.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAdd,
	}

	cmd.Flags().Bool("no-sync", false, "only queue the entry; do not try to upload it")

	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	score, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("score must be a whole number, got %q", args[0])
	}

	note := strings.Join(args[1:], " ")
	noSync, _ := cmd.Flags().GetBool("no-sync")

	app, err := openSyncApp(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	id, err := app.Recorder.Save(ctx, score, note)
	if err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}

	res := addResult{ID: id}

	switch {
	case noSync || !app.Session.LoggedIn():
	case watcherRunning(cc):
		// The watcher sees the outbox write and uploads the entry itself.
		cc.Logger.Debug("sync --watch is running, leaving upload to it")
	default:
		if _, runErr := app.Engine.RunOnce(ctx); runErr != nil {
			// The entry is durable; a failed drain only delays the upload.
			cc.Logger.Warn("sync after save failed", "error", runErr.Error())
		}
	}

	rec, err := app.Outbox.Get(ctx, id)
	if err != nil {
		return err
	}

	res.Synced = rec.Synced && !rec.Dropped
	res.Dropped = rec.Dropped

	res.Pending, err = app.Outbox.CountUnsynced(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return cc.printJSON(res)
	}

	switch {
	case res.Dropped:
		cc.Statusf("Saved entry %d, but the server rejected it (HTTP %d).\n", id, rec.LastStatus)
	case res.Synced:
		cc.Statusf("Saved entry %d and synced.\n", id)
	default:
		cc.Statusf("Saved entry %d. %d pending upload.\n", id, res.Pending)
	}

	return nil
}

// watcherRunning reports whether a `sync --watch` process owns the outbox.
func watcherRunning(cc *CLIContext) bool {
	_, err := findWatcher(cc.Cfg.LockPath())

	return err == nil
}
