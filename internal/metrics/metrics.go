// Package metrics exposes Prometheus instruments for the session and sync
// layers, and serves them over HTTP in watch mode.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values shared by the instruments below.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
	ResultRetry   = "retry"
	ResultLogin   = "needs_login"

	OutcomeSynced  = "synced"
	OutcomeDropped = "dropped"
)

const shutdownTimeout = 5 * time.Second

var (
	// SyncRuns counts engine runs by result: success, retry, needs_login,
	// skipped, failure.
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moodsync_sync_runs_total",
			Help: "Total number of outbox drain runs",
		},
		[]string{"result"},
	)

	// SyncRecords counts records leaving the outbox: synced or dropped.
	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moodsync_sync_records_total",
			Help: "Total number of outbox records uploaded or dropped",
		},
		[]string{"outcome"},
	)

	// SyncRunDuration measures one RunOnce call.
	SyncRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moodsync_sync_run_duration_seconds",
		Help:    "Duration of outbox drain runs in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// OutboxPending is the unsynced record count after the last run or save.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moodsync_outbox_pending",
		Help: "Number of records waiting to be uploaded",
	})

	// TokenRefreshes counts network refresh calls by result.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moodsync_token_refresh_total",
			Help: "Total number of access token refresh calls",
		},
		[]string{"result"},
	)

	// CredentialStoreErrors counts failed writes to the credential file by
	// operation: save or clear. A failed save after a refresh leaves a stale
	// pair on disk for the next start.
	CredentialStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moodsync_credential_store_errors_total",
			Help: "Total number of failed credential file writes",
		},
		[]string{"op"},
	)
)

// Credential store operations for CredentialStoreErrors.
const (
	OpSave  = "save"
	OpClear = "clear"
)

// ObserveRun records a finished engine run.
func ObserveRun(result string, synced, dropped int, elapsed time.Duration) {
	SyncRuns.WithLabelValues(result).Inc()
	SyncRecords.WithLabelValues(OutcomeSynced).Add(float64(synced))
	SyncRecords.WithLabelValues(OutcomeDropped).Add(float64(dropped))
	SyncRunDuration.Observe(elapsed.Seconds())
}

// Handler returns the /metrics handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is canceled. An empty addr
// disables the listener and returns immediately.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}

	return serve(ctx, ln, logger)
}

func serve(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		errc <- srv.Serve(ln)
	}()

	logger.Info("metrics listener started", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return fmt.Errorf("metrics: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serving: %w", err)
	}

	return nil
}
