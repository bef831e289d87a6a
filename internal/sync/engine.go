package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/metrics"
	"github.com/tonimelisma/moodsync/internal/outbox"
)

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Outbox       Outbox        // satisfied by *outbox.Store
	Uploader     Uploader      // satisfied by *api.MoodClient
	Notifier     Notifier      // optional
	Limiter      *rate.Limiter // optional upload pacing; nil uploads back to back
	OnNeedsLogin func()        // optional; called when a run stops for lack of a session
	Logger       *slog.Logger
}

// Engine drains the outbox. It is not reentrant: a RunOnce that starts while
// another is in progress, in this process or in another one draining the
// same outbox file, returns immediately with Outcome.Skipped.
type Engine struct {
	outbox       Outbox
	uploader     Uploader
	notifier     Notifier
	limiter      *rate.Limiter
	onNeedsLogin func()
	logger       *slog.Logger

	running stdsync.Mutex
}

// NewEngine creates an Engine.
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Engine{
		outbox:       cfg.Outbox,
		uploader:     cfg.Uploader,
		notifier:     notifier,
		limiter:      cfg.Limiter,
		onNeedsLogin: cfg.OnNeedsLogin,
		logger:       logger,
	}
}

// RunOnce uploads unsynced records oldest first:
//   - accepted: marked synced
//   - any 4xx: marked dropped, never resent
//   - transport failure, 5xx: the run stops, the record and everything
//     after it wait for the next run
//   - session unrecoverable: the run stops with NeedsLogin
//
// A failure to update the outbox is returned as an error. A canceled ctx
// stops the run with RetriedLater and returns ctx's error; a record the
// service already answered is still marked.
func (e *Engine) RunOnce(ctx context.Context) (Outcome, error) {
	if !e.running.TryLock() {
		return e.skip("sync run already in progress, skipping")
	}
	defer e.running.Unlock()

	unlock, err := e.outbox.LockRun()
	if errors.Is(err, outbox.ErrRunLocked) {
		return e.skip("outbox is being drained by another process, skipping")
	}

	if err != nil {
		return Outcome{}, fmt.Errorf("sync: %w", err)
	}
	defer unlock()

	start := time.Now()

	out, err := e.drain(ctx)
	out.Duration = time.Since(start)

	e.finish(ctx, out, err)

	return out, err
}

func (e *Engine) skip(msg string) (Outcome, error) {
	e.logger.Debug(msg)
	metrics.SyncRuns.WithLabelValues(metrics.ResultSkipped).Inc()

	return Outcome{Skipped: true}, nil
}

func (e *Engine) drain(ctx context.Context) (Outcome, error) {
	var out Outcome

	recs, err := e.outbox.ListUnsynced(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			out.RetriedLater = true
			return out, ctxErr
		}

		return out, fmt.Errorf("sync: listing pending records: %w", err)
	}

	if len(recs) == 0 {
		e.logger.Debug("outbox empty, nothing to sync")
		return out, nil
	}

	e.logger.Info("sync run starting", slog.Int("pending", len(recs)))

	for i := range recs {
		rec := &recs[i]

		if err := ctx.Err(); err != nil {
			out.RetriedLater = true
			return out, err
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				out.RetriedLater = true
				return out, ctxErrOr(ctx, err)
			}
		}

		_, upErr := e.uploader.UploadMood(ctx, toUpload(rec))

		// Once the service has answered, the mark must land even if ctx was
		// canceled meanwhile, or the record would be uploaded again.
		markCtx := context.WithoutCancel(ctx)

		switch classifyUpload(upErr) {
		case actionSynced:
			if err := e.outbox.MarkSynced(markCtx, rec.ID); err != nil {
				return out, fmt.Errorf("sync: marking record %d synced: %w", rec.ID, err)
			}

			out.Synced++

		case actionDrop:
			status := api.StatusCode(upErr)

			e.logger.Warn("record rejected by service, dropping",
				slog.Int64("id", rec.ID),
				slog.Int("status", status),
				slog.String("error", upErr.Error()),
			)

			if err := e.outbox.MarkDropped(markCtx, rec.ID, status); err != nil {
				return out, fmt.Errorf("sync: marking record %d dropped: %w", rec.ID, err)
			}

			out.Dropped++

		case actionLogin:
			e.logger.Warn("session expired, sync paused until login",
				slog.Int64("id", rec.ID),
			)

			out.RetriedLater = true
			out.NeedsLogin = true

			return out, nil

		case actionRetry:
			out.RetriedLater = true

			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}

			e.logger.Warn("upload failed, will retry",
				slog.Int64("id", rec.ID),
				slog.Int("remaining", len(recs)-i),
				slog.String("error", upErr.Error()),
			)

			return out, nil
		}
	}

	return out, nil
}

// finish publishes the run's result: the pending count to the notifier,
// counters to metrics and the login hook when needed.
func (e *Engine) finish(ctx context.Context, out Outcome, runErr error) {
	result := runResult(out, runErr)
	metrics.ObserveRun(result, out.Synced, out.Dropped, out.Duration)

	// Count with a live context even when the run was canceled so the
	// displayed backlog stays accurate.
	pending, err := e.outbox.CountUnsynced(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Warn("counting pending records failed", slog.String("error", err.Error()))
	} else {
		metrics.OutboxPending.Set(float64(pending))
		e.notifier.PendingChanged(pending)
	}

	attrs := []any{
		slog.Int("synced", out.Synced),
		slog.Int("dropped", out.Dropped),
		slog.Int("pending", pending),
		slog.String("result", result),
		slog.Duration("duration", out.Duration),
	}

	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		e.logger.Error("sync run failed", append(attrs, slog.String("error", runErr.Error()))...)
	case out.Synced > 0 || out.Dropped > 0 || out.RetriedLater:
		e.logger.Info("sync run complete", attrs...)
	default:
		e.logger.Debug("sync run complete", attrs...)
	}

	if out.NeedsLogin && e.onNeedsLogin != nil {
		e.onNeedsLogin()
	}
}

func runResult(out Outcome, err error) string {
	switch {
	case err != nil:
		return metrics.ResultFailure
	case out.NeedsLogin:
		return metrics.ResultLogin
	case out.RetriedLater:
		return metrics.ResultRetry
	default:
		return metrics.ResultSuccess
	}
}

func toUpload(rec *outbox.Record) api.MoodUpload {
	return api.MoodUpload{
		ClientID:  rec.ClientID,
		Score:     rec.Score,
		Note:      rec.Note,
		CreatedAt: rec.CreatedAt.UTC(),
	}
}

// ctxErrOr prefers ctx's error so callers can match context.Canceled.
func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return err
}
