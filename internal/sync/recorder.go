package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/moodsync/internal/metrics"
	"github.com/tonimelisma/moodsync/internal/outbox"
)

// Default score bounds.
const (
	DefaultMinScore = 1
	DefaultMaxScore = 10
)

// ErrScoreOutOfRange is returned by Save for a score outside the configured
// bounds.
var ErrScoreOutOfRange = errors.New("sync: score out of range")

// RecorderConfig holds the options for NewRecorder.
type RecorderConfig struct {
	Outbox   Inserter // satisfied by *outbox.Store
	Notifier Notifier // optional
	Trigger  func()   // optional; usually (*Scheduler).Trigger
	MinScore int      // zero takes DefaultMinScore
	MaxScore int      // zero takes DefaultMaxScore
	Logger   *slog.Logger
}

// Recorder is the local write path: it validates an entry, queues it
// durably and asks for a sync. It never touches the network.
type Recorder struct {
	outbox   Inserter
	notifier Notifier
	trigger  func()
	minScore int
	maxScore int
	logger   *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	r := &Recorder{
		outbox:   cfg.Outbox,
		notifier: cfg.Notifier,
		trigger:  cfg.Trigger,
		minScore: cfg.MinScore,
		maxScore: cfg.MaxScore,
		logger:   cfg.Logger,
	}

	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}

	if r.trigger == nil {
		r.trigger = func() {}
	}

	if r.minScore == 0 {
		r.minScore = DefaultMinScore
	}

	if r.maxScore == 0 {
		r.maxScore = DefaultMaxScore
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r
}

// Save queues a new entry and returns its local id. The entry is durable
// when Save returns; upload happens later. A failed insert is returned and
// no sync is triggered.
func (r *Recorder) Save(ctx context.Context, score int, note string) (int64, error) {
	if score < r.minScore || score > r.maxScore {
		err := fmt.Errorf("%w: %d not in [%d, %d]", ErrScoreOutOfRange, score, r.minScore, r.maxScore)
		r.notifier.SaveResult(0, err)

		return 0, err
	}

	id, err := r.outbox.Insert(ctx, outbox.Record{
		Score: score,
		Note:  normalizeNote(note),
	})
	if err != nil {
		r.notifier.SaveResult(0, err)
		return 0, err
	}

	r.notifier.SaveResult(id, nil)

	if pending, err := r.outbox.CountUnsynced(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
		r.notifier.PendingChanged(pending)
	}

	r.logger.Info("mood saved", slog.Int64("id", id), slog.Int("score", score))

	r.trigger()

	return id, nil
}

// normalizeNote trims surrounding whitespace and converts to NFC.
func normalizeNote(note string) string {
	return norm.NFC.String(strings.TrimSpace(note))
}
