package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/credstore"
	"github.com/tonimelisma/moodsync/internal/metrics"
)

// memStore is an in-memory credstore.Store that records calls.
type memStore struct {
	mu     sync.Mutex
	creds  credstore.Credentials
	saves  int
	clears int
}

func (s *memStore) Load() (credstore.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creds, nil
}

func (s *memStore) Save(c credstore.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = c
	s.saves++

	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds = credstore.Credentials{}
	s.clears++

	return nil
}

func (s *memStore) snapshot() (credstore.Credentials, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creds, s.saves, s.clears
}

// fakeService serves /api/moods, accepting only the current access token,
// and /api/auth/refresh.
type fakeService struct {
	t          *testing.T
	validToken string
	refreshes  atomic.Int32
	rejected   atomic.Int32

	// refreshGate, when set, is called before the refresh response is written.
	refreshGate func()
	refreshResp func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/auth/refresh":
		assert.Empty(f.t, r.Header.Get("Authorization"), "refresh must not carry a bearer")
		f.refreshes.Add(1)

		if f.refreshGate != nil {
			f.refreshGate()
		}

		if f.refreshResp != nil {
			f.refreshResp(w, r)
			return
		}

		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh"}`))
	case r.URL.Path == "/api/moods":
		if r.Header.Get("Authorization") != "Bearer "+f.validToken {
			f.rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestManager(t *testing.T, svc *fakeService, creds credstore.Credentials) (*Manager, *memStore, *api.Client) {
	t.Helper()

	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	client := api.NewClient(srv.URL, &http.Client{Timeout: 5 * time.Second}, slog.Default(), "")
	store := &memStore{creds: creds}

	m, err := New(client, store, slog.Default())
	require.NoError(t, err)

	return m, store, client
}

func postMood(client *api.Client) api.RequestFactory {
	return func(ctx context.Context) (*http.Request, error) {
		return client.NewRequest(ctx, http.MethodPost, "/api/moods", map[string]int{"score": 5})
	}
}

func TestAuthorizedCall_AttachesBearer(t *testing.T) {
	svc := &fakeService{t: t, validToken: "good"}
	m, _, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "good", RefreshToken: "r"})

	resp, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(0), svc.refreshes.Load())
}

func TestAuthorizedCall_RefreshesOnceAndRetries(t *testing.T) {
	svc := &fakeService{t: t, validToken: "new-access"}
	m, store, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "old-refresh"})

	resp, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(1), svc.refreshes.Load())

	stored, saves, _ := store.snapshot()
	assert.Equal(t, credstore.Credentials{AccessToken: "new-access", RefreshToken: "new-refresh"}, stored)
	assert.Equal(t, 1, saves)
	assert.Equal(t, stored, m.Credentials())
}

func TestAuthorizedCall_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	svc := &fakeService{t: t, validToken: "new-access"}
	svc.refreshResp = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"new-access"}`))
	}

	m, _, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "keep-me"})

	resp, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "keep-me", m.Credentials().RefreshToken)
}

func TestAuthorizedCall_SingleFlight(t *testing.T) {
	const callers = 8

	// The refresh blocks until every caller has been rejected once, so all
	// of them observe the same expired token while the flight is open.
	allRejected := make(chan struct{})
	svc := &fakeService{t: t, validToken: "new-access"}
	svc.refreshGate = func() {
		select {
		case <-allRejected:
		case <-time.After(5 * time.Second):
			t.Error("not every caller was rejected before the refresh")
		}
	}

	m, _, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "r"})

	go func() {
		for svc.rejected.Load() < callers {
			time.Sleep(time.Millisecond)
		}
		close(allRejected)
	}()

	var wg sync.WaitGroup
	statuses := make([]int, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := m.AuthorizedCall(context.Background(), postMood(client))
			errs[i] = err

			if err == nil {
				statuses[i] = resp.StatusCode
				resp.Body.Close()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), svc.refreshes.Load(), "exactly one network refresh")

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, http.StatusCreated, statuses[i])
	}
}

func TestAuthorizedCall_RefreshFailureClearsForEveryone(t *testing.T) {
	const callers = 4

	allRejected := make(chan struct{})
	svc := &fakeService{t: t, validToken: "never"}
	svc.refreshGate = func() {
		select {
		case <-allRejected:
		case <-time.After(5 * time.Second):
		}
	}
	svc.refreshResp = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	m, store, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "revoked"})

	var invalidated atomic.Int32
	m.SetOnInvalidated(func() { invalidated.Add(1) })

	go func() {
		for svc.rejected.Load() < callers {
			time.Sleep(time.Millisecond)
		}
		close(allRejected)
	}()

	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = m.AuthorizedCall(context.Background(), postMood(client))
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrUnauthenticated)
	}

	assert.Equal(t, int32(1), svc.refreshes.Load())
	assert.Equal(t, int32(1), invalidated.Load())
	assert.True(t, m.Credentials().IsZero())

	stored, _, clears := store.snapshot()
	assert.True(t, stored.IsZero())
	assert.Equal(t, 1, clears)
}

func TestAuthorizedCall_NoRefreshToken(t *testing.T) {
	svc := &fakeService{t: t, validToken: "other"}
	m, store, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old"})

	var invalidated atomic.Int32
	m.SetOnInvalidated(func() { invalidated.Add(1) })

	_, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.ErrorIs(t, err, ErrUnauthenticated)

	assert.Equal(t, int32(0), svc.refreshes.Load())
	assert.Equal(t, int32(1), invalidated.Load())

	_, _, clears := store.snapshot()
	assert.Equal(t, 1, clears)

	// Once cleared, further 401s fail without touching the network refresh.
	_, err = m.AuthorizedCall(context.Background(), postMood(client))
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, int32(0), svc.refreshes.Load())
}

func TestAuthorizedCall_RefreshTransportErrorClears(t *testing.T) {
	svc := &fakeService{t: t, validToken: "new-access"}
	svc.refreshResp = func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)

		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}

	m, _, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "r"})

	_, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.ErrorIs(t, err, api.ErrTransport)
	assert.True(t, m.Credentials().IsZero())
}

func TestAuthorizedCall_RetryResponseReturnedWhateverStatus(t *testing.T) {
	// The refreshed token is still rejected: the second 401 is handed back
	// rather than starting another refresh.
	svc := &fakeService{t: t, validToken: "nobody"}
	m, _, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "r"})

	resp, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), svc.refreshes.Load())
	assert.Equal(t, int32(2), svc.rejected.Load())
}

func TestAuthorizedCall_AuthEndpointSkipsBearerAndRefresh(t *testing.T) {
	var sawAuth atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}

		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := api.NewClient(srv.URL, nil, slog.Default(), "")
	m, err := New(client, &memStore{creds: credstore.Credentials{AccessToken: "a", RefreshToken: "r"}}, slog.Default())
	require.NoError(t, err)

	resp, err := m.AuthorizedCall(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return client.NewRequest(ctx, http.MethodPost, "/api/auth/login", nil)
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, sawAuth.Load())
	assert.Equal(t, "a", m.Credentials().AccessToken)
}

func TestAuthorizedCall_WaiterHonorsContext(t *testing.T) {
	release := make(chan struct{})
	svc := &fakeService{t: t, validToken: "new-access"}
	svc.refreshGate = func() { <-release }

	m, _, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "r"})

	firstDone := make(chan struct{})

	go func() {
		defer close(firstDone)

		resp, err := m.AuthorizedCall(context.Background(), postMood(client))
		if err == nil {
			resp.Body.Close()
		}
	}()

	require.Eventually(t, func() bool { return svc.refreshes.Load() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.AuthorizedCall(ctx, postMood(client))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-firstDone

	assert.Equal(t, "new-access", m.Credentials().AccessToken)
}

func TestLoginStoresPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/login") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		_, _ = w.Write([]byte(`{"access_token":"acc","refresh_token":"ref"}`))
	}))
	defer srv.Close()

	store := &memStore{}
	m, err := New(api.NewClient(srv.URL, nil, slog.Default(), ""), store, slog.Default())
	require.NoError(t, err)
	assert.False(t, m.LoggedIn())

	_, err = m.Login(context.Background(), "ada@example.com", "pw")
	require.NoError(t, err)

	stored, _, _ := store.snapshot()
	assert.Equal(t, credstore.Credentials{AccessToken: "acc", RefreshToken: "ref"}, stored)
	assert.True(t, m.LoggedIn())

	require.NoError(t, m.Logout())
	assert.False(t, m.LoggedIn())

	stored, _, _ = store.snapshot()
	assert.True(t, stored.IsZero())
}

type failingStore struct{ memStore }

func (f *failingStore) Load() (credstore.Credentials, error) {
	return credstore.Credentials{}, errors.New("disk on fire")
}

func TestNew_LoadError(t *testing.T) {
	_, err := New(api.NewClient("http://unused", nil, nil, ""), &failingStore{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestReload_PicksUpLoginFromAnotherProcess(t *testing.T) {
	svc := &fakeService{t: t, validToken: "from-disk"}
	m, store, client := newTestManager(t, svc, credstore.Credentials{})
	assert.False(t, m.LoggedIn())

	require.NoError(t, store.Save(credstore.Credentials{AccessToken: "from-disk", RefreshToken: "r"}))
	require.NoError(t, m.Reload())
	assert.True(t, m.LoggedIn())

	resp, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(0), svc.refreshes.Load())
}

func TestReload_LoadError(t *testing.T) {
	store := &failingStore{}
	m := &Manager{store: store, logger: slog.Default()}

	err := m.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

// saveFailingStore loads normally but cannot write.
type saveFailingStore struct{ memStore }

func (s *saveFailingStore) Save(credstore.Credentials) error {
	return errors.New("read-only filesystem")
}

func TestAuthorizedCall_RefreshSaveFailureCounted(t *testing.T) {
	svc := &fakeService{t: t, validToken: "new-access"}

	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	client := api.NewClient(srv.URL, &http.Client{Timeout: 5 * time.Second}, slog.Default(), "")
	store := &saveFailingStore{memStore: memStore{creds: credstore.Credentials{AccessToken: "old", RefreshToken: "r"}}}

	m, err := New(client, store, slog.Default())
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.CredentialStoreErrors.WithLabelValues(metrics.OpSave))

	// The call still succeeds with the refreshed pair held in memory.
	resp, err := m.AuthorizedCall(context.Background(), postMood(client))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "new-access", m.Credentials().AccessToken)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CredentialStoreErrors.WithLabelValues(metrics.OpSave)))

	// Adopt reports the same failure to its caller.
	err = m.Adopt(&api.TokenResponse{AccessToken: "a", RefreshToken: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only filesystem")
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.CredentialStoreErrors.WithLabelValues(metrics.OpSave)))
}

// startGatedRefresh sends a request with an expired token and returns once
// the refresh it triggers has reached the server and is held there.
func startGatedRefresh(t *testing.T, svc *fakeService, m *Manager, client *api.Client) (release func(), result <-chan error) {
	t.Helper()

	gate := make(chan struct{})
	svc.refreshGate = func() { <-gate }

	done := make(chan error, 1)

	go func() {
		resp, err := m.AuthorizedCall(context.Background(), postMood(client))
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	require.Eventually(t, func() bool { return svc.refreshes.Load() == 1 }, 5*time.Second, time.Millisecond)

	return func() { close(gate) }, done
}

func TestAdopt_DuringRefreshKeepsLogin(t *testing.T) {
	svc := &fakeService{t: t, validToken: "login-access"}
	m, store, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "r"})

	release, done := startGatedRefresh(t, svc, m, client)

	login := credstore.Credentials{AccessToken: "login-access", RefreshToken: "login-refresh"}
	require.NoError(t, m.Adopt(&api.TokenResponse{AccessToken: login.AccessToken, RefreshToken: login.RefreshToken}))

	release()
	require.NoError(t, <-done)

	assert.Equal(t, login, m.Credentials())

	stored, saves, _ := store.snapshot()
	assert.Equal(t, login, stored)
	assert.Equal(t, 1, saves)
}

func TestLogout_DuringRefreshStaysLoggedOut(t *testing.T) {
	svc := &fakeService{t: t, validToken: "new-access"}
	m, store, client := newTestManager(t, svc, credstore.Credentials{AccessToken: "old", RefreshToken: "r"})

	var invalidated atomic.Int32
	m.SetOnInvalidated(func() { invalidated.Add(1) })

	release, done := startGatedRefresh(t, svc, m, client)

	require.NoError(t, m.Logout())

	release()
	require.ErrorIs(t, <-done, ErrUnauthenticated)

	assert.True(t, m.Credentials().IsZero())
	assert.Equal(t, int32(0), invalidated.Load())

	stored, saves, _ := store.snapshot()
	assert.True(t, stored.IsZero())
	assert.Equal(t, 0, saves)
}
