package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// Session state labels for status reporting.
const (
	sessionStateLoggedOut = "logged out"
	sessionStateValid     = "valid"
	sessionStateExpired   = "expired (refreshes on next sync)"
	sessionStateOpaque    = "valid (opaque token)"
)

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Server            string     `json:"server"`
	ConfigPath        string     `json:"config_path"`
	DataDir           string     `json:"data_dir"`
	CredentialBackend string     `json:"credential_backend"`
	Session           string     `json:"session"`
	Subject           string     `json:"subject,omitempty"`
	Email             string     `json:"email,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Pending           int        `json:"pending"`
	Dropped           int        `json:"dropped"`
	WatcherPID        int        `json:"watcher_pid,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and outbox status",
		Long: `Show the configured server, whether a session is stored, and how many
entries are waiting in the outbox.

The access token's claims are decoded for display only; the signature is not
checked and expiry never blocks a sync (an expired token is refreshed).`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	app, err := openSyncApp(ctx, cc, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	out := statusOutput{
		Server:            cc.Cfg.ServerURL,
		ConfigPath:        cc.Cfg.ConfigPath,
		DataDir:           cc.Cfg.DataDir,
		CredentialBackend: cc.Cfg.CredentialBackend,
	}

	describeSession(&out, app.Session.Credentials().AccessToken, app.Session.LoggedIn(), time.Now())

	out.Pending, err = app.Outbox.CountUnsynced(ctx)
	if err != nil {
		return err
	}

	dropped, err := app.Outbox.ListDropped(ctx)
	if err != nil {
		return err
	}

	out.Dropped = len(dropped)

	proc, err := findWatcher(cc.Cfg.LockPath())
	switch {
	case err == nil:
		out.WatcherPID = proc.Pid
	case !errors.Is(err, errNoWatcher):
		cc.Logger.Warn("checking for running watcher", "error", err.Error())
	}

	if cc.Flags.JSON {
		return cc.printJSON(out)
	}

	printStatus(cc, &out)

	return nil
}

// describeSession fills the session fields from the stored access token.
func describeSession(out *statusOutput, accessToken string, loggedIn bool, now time.Time) {
	if !loggedIn {
		out.Session = sessionStateLoggedOut

		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		out.Session = sessionStateOpaque

		return
	}

	out.Session = sessionStateValid
	out.Subject, _ = claims.GetSubject()

	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}

	expiresAt := exp.Time
	out.ExpiresAt = &expiresAt

	if !expiresAt.After(now) {
		out.Session = sessionStateExpired
	}
}

func printStatus(cc *CLIContext, out *statusOutput) {
	rows := [][]string{
		{"Server", out.Server},
		{"Config", out.ConfigPath},
		{"Data", out.DataDir},
		{"Credentials", out.CredentialBackend},
		{"Session", out.Session},
	}

	if out.Email != "" {
		rows = append(rows, []string{"Account", out.Email})
	} else if out.Subject != "" {
		rows = append(rows, []string{"Subject", out.Subject})
	}

	if out.ExpiresAt != nil {
		rows = append(rows, []string{"Token expires", out.ExpiresAt.Local().Format(time.RFC1123)})
	}

	rows = append(rows,
		[]string{"Pending", fmt.Sprintf("%d", out.Pending)},
		[]string{"Dropped", fmt.Sprintf("%d", out.Dropped)},
	)

	watcher := "not running"
	if out.WatcherPID != 0 {
		watcher = fmt.Sprintf("running (PID %d)", out.WatcherPID)
	}

	rows = append(rows, []string{"Watcher", watcher})

	for _, row := range rows {
		fmt.Fprintf(cc.Out, "%-14s %s\n", row[0]+":", row[1])
	}
}
