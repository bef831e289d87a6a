package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/config"
	"github.com/tonimelisma/moodsync/internal/credstore"
	"github.com/tonimelisma/moodsync/internal/outbox"
	"github.com/tonimelisma/moodsync/internal/session"
	"github.com/tonimelisma/moodsync/internal/sync"
)

// errNotLoggedIn is returned by commands that need a session when none is
// stored.
var errNotLoggedIn = errors.New("not logged in: run 'moodsync login' first")

// authSession holds the pieces needed to talk to the service: the API
// client and the session manager that owns the credentials.
type authSession struct {
	Client  *api.Client
	Session *session.Manager
	Store   *credstore.FileStore
}

// newHTTPClient returns the client shared by every request. The timeout
// bounds each request so a hung connection surfaces as a transport error.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	return &http.Client{Timeout: cfg.RequestTimeout}
}

func userAgent(cfg *config.Resolved) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}

	return "moodsync/" + version
}

// openAuthSession builds the API client and loads the stored credentials.
func openAuthSession(cc *CLIContext) (*authSession, error) {
	store, err := openCredentialStore(cc.Cfg, cc.Logger)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cc.Cfg.ServerURL, newHTTPClient(cc.Cfg), cc.Logger, userAgent(cc.Cfg))

	mgr, err := session.New(client, store, cc.Logger)
	if err != nil {
		return nil, err
	}

	mgr.SetOnInvalidated(func() {
		cc.Logger.Warn("session expired, stored credentials cleared")
	})

	return &authSession{Client: client, Session: mgr, Store: store}, nil
}

// openCredentialStore opens the credential file with the configured
// backend. The encrypted backend needs a secret: MOODSYNC_CREDENTIAL_KEY
// wins, otherwise a key file is read or generated. A plaintext store still
// receives the secret when one is available so it can read a file that was
// sealed earlier.
func openCredentialStore(cfg *config.Resolved, logger *slog.Logger) (*credstore.FileStore, error) {
	backend := credstore.Backend(cfg.CredentialBackend)

	var key []byte

	switch {
	case cfg.CredentialKey != "":
		key = []byte(cfg.CredentialKey)
	case backend == credstore.BackendEncrypted:
		k, err := credstore.LoadOrCreateKey(cfg.KeyPath())
		if err != nil {
			return nil, err
		}

		key = k
	default:
		if _, err := os.Stat(cfg.KeyPath()); err == nil {
			k, err := credstore.LoadOrCreateKey(cfg.KeyPath())
			if err != nil {
				return nil, err
			}

			key = k
		}
	}

	return credstore.Open(cfg.CredentialsPath(), credstore.Options{
		Backend: backend,
		Key:     key,
		Logger:  logger,
	})
}

// syncApp is the full set of collaborators for commands that touch the
// outbox: session, store, engine and recorder.
type syncApp struct {
	*authSession

	Outbox   *outbox.Store
	Moods    *api.MoodClient
	Engine   *sync.Engine
	Recorder *sync.Recorder
}

// openSyncApp wires the outbox, the uploader and the engine. trigger is
// called by the recorder after a successful save; nil means no trigger.
func openSyncApp(ctx context.Context, cc *CLIContext, trigger func()) (*syncApp, error) {
	auth, err := openAuthSession(cc)
	if err != nil {
		return nil, err
	}

	store, err := outbox.Open(ctx, cc.Cfg.OutboxPath(), cc.Logger)
	if err != nil {
		return nil, err
	}

	app := &syncApp{
		authSession: auth,
		Outbox:      store,
		Moods:       api.NewMoodClient(auth.Client, auth.Session),
	}

	notifier := &logNotifier{logger: cc.Logger}

	app.Engine = sync.NewEngine(&sync.EngineConfig{
		Outbox:   store,
		Uploader: app.Moods,
		Notifier: notifier,
		Limiter:  sync.NewUploadLimiter(cc.Cfg.MaxUploadsPerSecond, cc.Logger),
		OnNeedsLogin: func() {
			statusf(cc.Flags.Quiet, cc.Err, "Session expired. Run 'moodsync login' to resume syncing.\n")
		},
		Logger: cc.Logger,
	})

	app.Recorder = sync.NewRecorder(sync.RecorderConfig{
		Outbox:   store,
		Notifier: notifier,
		Trigger:  trigger,
		MinScore: cc.Cfg.MinScore,
		MaxScore: cc.Cfg.MaxScore,
		Logger:   cc.Logger,
	})

	return app, nil
}

// Close releases the outbox database.
func (a *syncApp) Close() error {
	if err := a.Outbox.Close(); err != nil {
		return fmt.Errorf("closing outbox: %w", err)
	}

	return nil
}

// logNotifier reports pending-count changes and save results through the
// logger; the CLI has no live view to update.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) PendingChanged(pending int) {
	n.logger.Debug("pending entries changed", slog.Int("pending", pending))
}

func (n *logNotifier) SaveResult(id int64, err error) {
	if err != nil {
		n.logger.Debug("entry not saved", slog.String("error", err.Error()))

		return
	}

	n.logger.Debug("entry saved", slog.Int64("id", id))
}
