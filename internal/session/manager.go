// Package session owns the access/refresh credential pair. It attaches the
// access token to outgoing requests and, when the service answers 401,
// coordinates a single refresh shared by every caller that observed the
// same expired token.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/credstore"
	"github.com/tonimelisma/moodsync/internal/metrics"
)

// ErrUnauthenticated means no usable credentials remain: the refresh failed
// or there was nothing to refresh with. Stored credentials have been cleared
// and the user must log in again.
var ErrUnauthenticated = errors.New("session: unauthenticated")

// AuthClient is the subset of *api.Client the manager needs.
type AuthClient interface {
	Login(ctx context.Context, creds api.Credentials) (*api.TokenResponse, error)
	Signup(ctx context.Context, creds api.Credentials) (*api.TokenResponse, error)
	VerifyOTP(ctx context.Context, email, code string) (*api.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenResponse, error)
	Send(req *http.Request) (*http.Response, error)
}

// flight is one in-progress network refresh. done is closed when err is set.
type flight struct {
	done chan struct{}
	err  error
}

// Manager attaches credentials to requests and refreshes them on 401.
// Safe for concurrent use.
type Manager struct {
	client AuthClient
	store  credstore.Store
	logger *slog.Logger

	mu            sync.Mutex
	creds         credstore.Credentials
	gen           uint64 // bumped when a login, logout or reload replaces creds
	flight        *flight
	onInvalidated func()
}

// New loads the stored credentials and returns a manager. A store that
// fails to load is an error; an empty store is not.
func New(client AuthClient, store credstore.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("session: loading credentials: %w", err)
	}

	return &Manager{
		client: client,
		store:  store,
		logger: logger,
		creds:  creds,
	}, nil
}

// SetOnInvalidated registers fn to run (outside the lock) each time the
// credentials are cleared because a refresh could not recover them.
func (m *Manager) SetOnInvalidated(fn func()) {
	m.mu.Lock()
	m.onInvalidated = fn
	m.mu.Unlock()
}

// Credentials returns a snapshot of the current pair.
func (m *Manager) Credentials() credstore.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.creds
}

// LoggedIn reports whether an access or refresh token is present.
func (m *Manager) LoggedIn() bool {
	return !m.Credentials().IsZero()
}

// Login exchanges email/password for a pair and stores it.
func (m *Manager) Login(ctx context.Context, email, password string) (*api.TokenResponse, error) {
	tok, err := m.client.Login(ctx, api.Credentials{Email: email, Password: password})
	if err != nil {
		return nil, err
	}

	return tok, m.Adopt(tok)
}

// Signup creates an account and stores its first pair.
func (m *Manager) Signup(ctx context.Context, email, password string) (*api.TokenResponse, error) {
	tok, err := m.client.Signup(ctx, api.Credentials{Email: email, Password: password})
	if err != nil {
		return nil, err
	}

	return tok, m.Adopt(tok)
}

// VerifyOTP exchanges a one-time code for a pair and stores it.
func (m *Manager) VerifyOTP(ctx context.Context, email, code string) (*api.TokenResponse, error) {
	tok, err := m.client.VerifyOTP(ctx, email, code)
	if err != nil {
		return nil, err
	}

	return tok, m.Adopt(tok)
}

// Adopt replaces the credentials with the pair from a login-style response
// and persists it.
func (m *Manager) Adopt(tok *api.TokenResponse) error {
	creds := credstore.Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = creds
	m.gen++

	if err := m.store.Save(creds); err != nil {
		metrics.CredentialStoreErrors.WithLabelValues(metrics.OpSave).Inc()
		return fmt.Errorf("session: saving credentials: %w", err)
	}

	m.logger.Info("session established", slog.Bool("has_refresh", creds.RefreshToken != ""))

	return nil
}

// Reload replaces the in-memory credentials with the stored ones, for a
// long-running process whose user logged in from another process. It is a
// no-op while a refresh is in flight; that refresh writes the store itself.
func (m *Manager) Reload() error {
	creds, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("session: reloading credentials: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flight != nil {
		return nil
	}

	if creds != m.creds {
		m.creds = creds
		m.gen++
	}

	return nil
}

// Logout clears the in-memory and stored credentials.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = credstore.Credentials{}
	m.gen++

	if err := m.store.Clear(); err != nil {
		metrics.CredentialStoreErrors.WithLabelValues(metrics.OpClear).Inc()
		return fmt.Errorf("session: clearing credentials: %w", err)
	}

	return nil
}

// AuthorizedCall builds a request, attaches the access token and sends it.
// On 401 from a non-auth endpoint it refreshes the credentials (once, shared
// with every concurrent caller holding the same token), rebuilds the request
// and sends it exactly once more, returning that response whatever its
// status. Fails with ErrUnauthenticated when the session cannot be
// recovered.
func (m *Manager) AuthorizedCall(ctx context.Context, build api.RequestFactory) (*http.Response, error) {
	resp, used, err := m.send(ctx, build)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || api.IsAuthEndpoint(resp.Request) {
		return resp, nil
	}

	drain(resp)

	m.logger.Debug("request unauthorized, recovering session",
		slog.String("path", resp.Request.URL.Path),
	)

	if err := m.recoverSession(ctx, used); err != nil {
		return nil, err
	}

	resp, _, err = m.send(ctx, build)

	return resp, err
}

// send builds a request, attaches the current token and sends it. It
// returns the access token that was attached so a 401 can be matched
// against the credentials at the time of the request.
func (m *Manager) send(ctx context.Context, build api.RequestFactory) (*http.Response, string, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, "", err
	}

	creds := m.Credentials()

	if !api.IsAuthEndpoint(req) && creds.AccessToken != "" {
		creds.Token().SetAuthHeader(req)
	}

	resp, err := m.client.Send(req)
	if err != nil {
		return nil, creds.AccessToken, err
	}

	return resp, creds.AccessToken, nil
}

// recoverSession makes the credentials usable again after a 401 seen with the
// access token used. It returns nil when the caller should retry.
func (m *Manager) recoverSession(ctx context.Context, used string) error {
	m.mu.Lock()

	if f := m.flight; f != nil {
		m.mu.Unlock()
		return m.wait(ctx, f)
	}

	if m.creds.IsZero() {
		m.mu.Unlock()
		return ErrUnauthenticated
	}

	// Another caller already refreshed after our request went out.
	if m.creds.AccessToken != used {
		m.mu.Unlock()
		return nil
	}

	if m.creds.RefreshToken == "" {
		m.logger.Warn("access token rejected and no refresh token available")
		hook := m.invalidateLocked()
		m.mu.Unlock()
		m.finishInvalidation(hook)

		return ErrUnauthenticated
	}

	f := &flight{done: make(chan struct{})}
	m.flight = f
	refreshToken := m.creds.RefreshToken
	startGen := m.gen
	m.mu.Unlock()

	// The refresh outlives the caller that started it so waiters always get
	// a result; the client timeout still bounds it.
	tok, err := m.client.Refresh(context.WithoutCancel(ctx), refreshToken)

	m.mu.Lock()

	var hook func()

	switch {
	case m.gen != startGen:
		// A login or logout replaced the session while the refresh was out;
		// its result belongs to the old session and is discarded.
		m.logger.Debug("session replaced during refresh, discarding result")

		if m.creds.IsZero() {
			f.err = ErrUnauthenticated
		}
	case err != nil:
		m.logger.Warn("token refresh failed, clearing session", slog.String("error", err.Error()))
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultFailure).Inc()

		f.err = fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		hook = m.invalidateLocked()
	default:
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultSuccess).Inc()

		next := credstore.Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
		if next.RefreshToken == "" {
			next.RefreshToken = refreshToken
		}

		m.creds = next

		// Persisting under the lock keeps the stored pair in step with
		// memory when a later refresh races this one.
		if saveErr := m.store.Save(next); saveErr != nil {
			metrics.CredentialStoreErrors.WithLabelValues(metrics.OpSave).Inc()
			m.logger.Error("refreshed credentials not persisted, next start may need a login",
				slog.String("error", saveErr.Error()),
			)
		}
	}

	m.flight = nil
	close(f.done)
	m.mu.Unlock()

	m.finishInvalidation(hook)

	return f.err
}

// wait blocks until f completes or ctx is done. The flight itself carries on
// when the waiter gives up.
func (m *Manager) wait(ctx context.Context, f *flight) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invalidateLocked clears the in-memory pair and returns the hook to run
// once the lock is released. Caller holds m.mu.
func (m *Manager) invalidateLocked() func() {
	m.creds = credstore.Credentials{}
	m.gen++

	if err := m.store.Clear(); err != nil {
		metrics.CredentialStoreErrors.WithLabelValues(metrics.OpClear).Inc()
		m.logger.Error("clearing stored credentials failed", slog.String("error", err.Error()))
	}

	return m.onInvalidated
}

func (m *Manager) finishInvalidation(hook func()) {
	if hook != nil {
		hook()
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
