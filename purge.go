package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// purgeResult is the JSON schema for `purge --json`.
type purgeResult struct {
	Removed   int64  `json:"removed"`
	OlderThan string `json:"older_than"`
}

func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced entries from the local outbox",
		Long: `Delete entries that were uploaded longer ago than --older-than (default
sync.purge_after). Pending and dropped entries are never purged.`,
		Args: cobra.NoArgs,
		RunE: runPurge,
	}

	cmd.Flags().Duration("older-than", 0, "age of synced entries to delete (default from config)")

	return cmd
}

func runPurge(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	olderThan := cc.Cfg.PurgeAfter
	if cmd.Flags().Changed("older-than") {
		olderThan, _ = cmd.Flags().GetDuration("older-than")
	}

	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative, got %s", olderThan)
	}

	app, err := openSyncApp(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	removed, err := app.Outbox.PurgeSynced(ctx, olderThan)
	if err != nil {
		return err
	}

	cc.Logger.Info("purged synced entries",
		"removed", removed,
		"older_than", olderThan.String(),
	)

	if cc.Flags.JSON {
		return cc.printJSON(purgeResult{Removed: removed, OlderThan: olderThan.String()})
	}

	cc.Statusf("Removed %d synced %s older than %s.\n", removed, plural(removed, "entry", "entries"), olderThan.Round(time.Second))

	return nil
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}

	return many
}
