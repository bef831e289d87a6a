package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	runsBefore := testutil.ToFloat64(SyncRuns.WithLabelValues(ResultRetry))
	syncedBefore := testutil.ToFloat64(SyncRecords.WithLabelValues(OutcomeSynced))
	droppedBefore := testutil.ToFloat64(SyncRecords.WithLabelValues(OutcomeDropped))

	ObserveRun(ResultRetry, 3, 1, 20*time.Millisecond)

	assert.InDelta(t, runsBefore+1, testutil.ToFloat64(SyncRuns.WithLabelValues(ResultRetry)), 0)
	assert.InDelta(t, syncedBefore+3, testutil.ToFloat64(SyncRecords.WithLabelValues(OutcomeSynced)), 0)
	assert.InDelta(t, droppedBefore+1, testutil.ToFloat64(SyncRecords.WithLabelValues(OutcomeDropped)), 0)
}

func TestServe_EmptyAddrDisabled(t *testing.T) {
	require.NoError(t, Serve(context.Background(), "", slog.Default()))
}

func TestServe_ExposesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	OutboxPending.Set(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- serve(ctx, ln, slog.Default())
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "moodsync_outbox_pending 4")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}
