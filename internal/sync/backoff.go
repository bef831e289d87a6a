package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// Scheduler delay defaults.
const (
	DefaultInterval    = 15 * time.Minute
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 15 * time.Minute
)

// retryBackoff tracks consecutive runs that ended with records left behind
// and turns that count into the delay before the next periodic run. A run
// that drains the outbox clears it. Thread-safe.
type retryBackoff struct {
	mu         stdsync.Mutex
	failures   int
	needsLogin bool

	interval time.Duration
	base     time.Duration
	max      time.Duration
	logger   *slog.Logger
}

func newRetryBackoff(interval, base, maxDelay time.Duration, logger *slog.Logger) *retryBackoff {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if base <= 0 {
		base = DefaultBackoffBase
	}

	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}

	if base > maxDelay {
		base = maxDelay
	}

	return &retryBackoff{
		interval: interval,
		base:     base,
		max:      maxDelay,
		logger:   logger,
	}
}

// record folds one run's outcome into the backoff state. Skipped runs do
// not count.
func (b *retryBackoff) record(out Outcome, runErr error) {
	if out.Skipped {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.needsLogin = out.NeedsLogin

	if !out.RetriedLater && runErr == nil {
		if b.failures > 0 {
			b.logger.Info("outbox drained, backoff reset", slog.Int("after_failures", b.failures))
		}

		b.failures = 0

		return
	}

	b.failures++
}

// next returns the delay before the next periodic run: the regular
// interval when healthy, base*2^(n-1) capped at max after n consecutive
// incomplete runs, and max while the session needs a login.
func (b *retryBackoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.needsLogin {
		return b.max
	}

	if b.failures == 0 {
		return b.interval
	}

	d := b.base
	for i := 1; i < b.failures && d < b.max; i++ {
		d *= 2
	}

	return min(d, b.max)
}

// consecutiveFailures returns the current streak length.
func (b *retryBackoff) consecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}
