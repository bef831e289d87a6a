package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/session"
)

// authResult is the JSON schema for login, signup and otp verify.
type authResult struct {
	LoggedIn bool   `json:"logged_in"`
	Email    string `json:"email"`
	UserID   int64  `json:"user_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password",
		Long: `Exchange email and password for a session and store it locally.

The password is read from --password, or from the first line of standard
input when the flag is omitted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPasswordAuth(cmd, false)
		},
	}

	addPasswordFlags(cmd)

	return cmd
}

func newSignupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPasswordAuth(cmd, true)
		},
	}

	addPasswordFlags(cmd)

	return cmd
}

func addPasswordFlags(cmd *cobra.Command) {
	cmd.Flags().String("email", "", "account email (required)")
	cmd.Flags().String("password", "", "account password (read from stdin if omitted)")
	_ = cmd.MarkFlagRequired("email")
}

func newOTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otp",
		Short: "Log in with a one-time code sent by email",
	}

	request := &cobra.Command{
		Use:   "request",
		Short: "Send a one-time code to an email address",
		RunE:  runOTPRequest,
	}
	request.Flags().String("email", "", "account email (required)")
	_ = request.MarkFlagRequired("email")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify a one-time code and log in",
		RunE:  runOTPVerify,
	}
	verify.Flags().String("email", "", "account email (required)")
	verify.Flags().String("code", "", "code from the email (required)")
	_ = verify.MarkFlagRequired("email")
	_ = verify.MarkFlagRequired("code")

	cmd.AddCommand(request, verify)

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		Long: `Remove the stored session. Entries still waiting in the outbox are kept
and upload after the next login.`,
		RunE: runLogout,
	}
}

func runPasswordAuth(cmd *cobra.Command, signup bool) error {
	cc := mustCLIContext(cmd.Context())
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")

	if password == "" {
		cc.Statusf("Password: ")

		p, err := readSecretLine(cmd.InOrStdin())
		if err != nil {
			return err
		}

		password = p
	}

	auth, err := openAuthSession(cc)
	if err != nil {
		return err
	}

	action := "login"
	call := auth.Session.Login

	if signup {
		action = "signup"
		call = auth.Session.Signup
	}

	cc.Logger.Info(action+" started", "server", cc.Cfg.ServerURL)

	tok, err := call(cmd.Context(), email, password)
	if err != nil {
		return describeAuthError(action, err)
	}

	cc.Logger.Info(action + " successful")

	return reportAuth(cc, email, tok)
}

func runOTPRequest(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	email, _ := cmd.Flags().GetString("email")

	auth, err := openAuthSession(cc)
	if err != nil {
		return err
	}

	if err := auth.Client.RequestOTP(cmd.Context(), email); err != nil {
		return describeAuthError("otp request", err)
	}

	cc.Statusf("Code sent to %s. Run 'moodsync otp verify --email %s --code <code>'.\n", email, email)

	return nil
}

func runOTPVerify(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	email, _ := cmd.Flags().GetString("email")
	code, _ := cmd.Flags().GetString("code")

	auth, err := openAuthSession(cc)
	if err != nil {
		return err
	}

	tok, err := auth.Session.VerifyOTP(cmd.Context(), email, strings.TrimSpace(code))
	if err != nil {
		return describeAuthError("otp verify", err)
	}

	return reportAuth(cc, email, tok)
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	auth, err := openAuthSession(cc)
	if err != nil {
		return err
	}

	if !auth.Session.LoggedIn() {
		cc.Statusf("Not logged in.\n")

		return nil
	}

	if err := auth.Session.Logout(); err != nil {
		return err
	}

	cc.Logger.Info("logout successful")
	cc.Statusf("Logged out.\n")

	return nil
}

func reportAuth(cc *CLIContext, email string, tok *api.TokenResponse) error {
	wakeWatcher(cc)

	res := authResult{LoggedIn: true, Email: email}

	if tok != nil && tok.User != nil {
		res.UserID = tok.User.ID
		res.Name = tok.User.Name

		if tok.User.Email != "" {
			res.Email = tok.User.Email
		}
	}

	if cc.Flags.JSON {
		return cc.printJSON(res)
	}

	cc.Statusf("Logged in as %s.\n", res.Email)

	return nil
}

// wakeWatcher lets a running `sync --watch` pick up the new session.
func wakeWatcher(cc *CLIContext) {
	if pid, err := nudgeWatcher(cc.Cfg.LockPath()); err == nil {
		cc.Logger.Debug("notified running watcher", "pid", pid)
	}
}

// describeAuthError turns the API taxonomy into a message a user can act on.
func describeAuthError(action string, err error) error {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return fmt.Errorf("%s failed: session expired, run 'moodsync login': %w", action, err)
	case errors.Is(err, api.ErrUnauthorized):
		return fmt.Errorf("%s failed: invalid credentials: %w", action, err)
	case errors.Is(err, api.ErrRejected):
		return fmt.Errorf("%s failed: request rejected by server: %w", action, err)
	case errors.Is(err, api.ErrTransport):
		return fmt.Errorf("%s failed: server unreachable: %w", action, err)
	default:
		return fmt.Errorf("%s failed: %w", action, err)
	}
}

// readSecretLine reads one line from r without the trailing newline.
func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}

	return line, nil
}
