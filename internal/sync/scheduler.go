package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Runner runs one drain. Satisfied by *Engine.
type Runner interface {
	RunOnce(ctx context.Context) (Outcome, error)
}

// SchedulerConfig holds the options for NewScheduler. Zero durations take
// the package defaults.
type SchedulerConfig struct {
	Runner      Runner
	Interval    time.Duration // delay between runs while healthy
	BackoffBase time.Duration // first delay after an incomplete run
	BackoffMax  time.Duration // cap for the backoff, and the delay while logged out
	Logger      *slog.Logger
}

// Scheduler decides when the Runner runs: once at start, periodically, and
// on Trigger. Triggers arriving during a run collapse into a single
// follow-up run.
type Scheduler struct {
	runner  Runner
	backoff *retryBackoff
	trigger chan struct{}
	state   atomic.Int32
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler. Call Run to start it.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		runner:  cfg.Runner,
		backoff: newRetryBackoff(cfg.Interval, cfg.BackoffBase, cfg.BackoffMax, logger),
		trigger: make(chan struct{}, 1),
		logger:  logger,
	}
}

// Trigger requests a run as soon as possible. Never blocks; repeated calls
// before the run starts are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// State reports whether a run is in progress.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// NextDelay returns the delay the scheduler will wait before its next
// periodic run.
func (s *Scheduler) NextDelay() time.Duration {
	return s.backoff.next()
}

// Run drives the state machine until ctx is canceled. It always returns nil
// on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.Duration("interval", s.backoff.interval))

	s.runOnce(ctx)

	for {
		delay := s.backoff.next()
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")

			return nil

		case <-timer.C:
			s.logger.Debug("periodic sync due", slog.Duration("after", delay))

		case <-s.trigger:
			timer.Stop()
			s.logger.Debug("sync triggered")
		}

		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(StateIdle))

	out, err := s.runner.RunOnce(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	s.backoff.record(out, err)

	if out.RetriedLater || err != nil {
		s.logger.Info("sync incomplete, backing off",
			slog.Int("consecutive", s.backoff.consecutiveFailures()),
			slog.Duration("next_in", s.backoff.next()),
			slog.Bool("needs_login", out.NeedsLogin),
		)
	}
}
