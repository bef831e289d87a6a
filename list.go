package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/moodsync/internal/outbox"
)

// Entry state labels for list output.
const (
	entryStateSynced  = "synced"
	entryStatePending = "pending"
	entryStateDropped = "dropped"
)

const defaultListLimit = 20

// listEntry is the JSON schema for one row of `list --json`.
type listEntry struct {
	ID         int64      `json:"id"`
	ClientID   string     `json:"client_id,omitempty"`
	Score      int        `json:"score"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	State      string     `json:"state"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	LastStatus int        `json:"last_status,omitempty"`
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mood entries",
		Long: `List recent entries from the local outbox, newest first.

--dropped shows only entries the server rejected. --remote lists the entries
stored on the server instead of the local outbox.`,
		Args: cobra.NoArgs,
		RunE: runList,
	}

	cmd.Flags().Int("limit", defaultListLimit, "maximum entries to show (0 = all)")
	cmd.Flags().Bool("dropped", false, "show only entries rejected by the server")
	cmd.Flags().Bool("remote", false, "list entries stored on the server")
	cmd.MarkFlagsMutuallyExclusive("dropped", "remote")

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, _ := cmd.Flags().GetInt("limit")
	dropped, _ := cmd.Flags().GetBool("dropped")
	remote, _ := cmd.Flags().GetBool("remote")

	if limit < 0 {
		return fmt.Errorf("--limit must be >= 0, got %d", limit)
	}

	app, err := openSyncApp(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	if remote {
		return listRemote(cmd, cc, app, limit)
	}

	var recs []outbox.Record
	if dropped {
		recs, err = app.Outbox.ListDropped(ctx)
	} else {
		recs, err = app.Outbox.List(ctx, limit)
	}

	if err != nil {
		return err
	}

	entries := make([]listEntry, 0, len(recs))
	for i := range recs {
		entries = append(entries, toListEntry(&recs[i]))
	}

	if cc.Flags.JSON {
		return cc.printJSON(entries)
	}

	if len(entries) == 0 {
		cc.Statusf("No entries.\n")

		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		state := e.State
		if e.State == entryStateDropped {
			state = fmt.Sprintf("%s (%d)", e.State, e.LastStatus)
		}

		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			formatTime(e.CreatedAt, now),
			strconv.Itoa(e.Score),
			state,
			truncateNote(e.Note),
		})
	}

	printTable(cc.Out, []string{"ID", "CREATED", "SCORE", "STATE", "NOTE"}, rows)

	return nil
}

func listRemote(cmd *cobra.Command, cc *CLIContext, app *syncApp, limit int) error {
	if !app.Session.LoggedIn() {
		return errNotLoggedIn
	}

	moods, err := app.Moods.ListMoods(cmd.Context())
	if err != nil {
		return describeAuthError("listing remote entries", err)
	}

	if limit > 0 && len(moods) > limit {
		moods = moods[:limit]
	}

	if cc.Flags.JSON {
		return cc.printJSON(moods)
	}

	if len(moods) == 0 {
		cc.Statusf("No entries on the server.\n")

		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(moods))

	for i := range moods {
		rows = append(rows, []string{
			strconv.FormatInt(moods[i].ID, 10),
			formatTime(moods[i].CreatedAt, now),
			strconv.Itoa(moods[i].Score),
			truncateNote(moods[i].Note),
		})
	}

	printTable(cc.Out, []string{"ID", "CREATED", "SCORE", "NOTE"}, rows)

	return nil
}

func toListEntry(rec *outbox.Record) listEntry {
	e := listEntry{
		ID:         rec.ID,
		ClientID:   rec.ClientID,
		Score:      rec.Score,
		Note:       rec.Note,
		CreatedAt:  rec.CreatedAt,
		State:      entryStatePending,
		LastStatus: rec.LastStatus,
	}

	switch {
	case rec.Dropped:
		e.State = entryStateDropped
	case rec.Synced:
		e.State = entryStateSynced
	}

	if !rec.SyncedAt.IsZero() {
		syncedAt := rec.SyncedAt
		e.SyncedAt = &syncedAt
	}

	return e
}
