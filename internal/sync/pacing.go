package sync

import (
	"log/slog"

	"golang.org/x/time/rate"
)

// uploadBurst lets a short backlog go out without waiting while the
// sustained rate stays at the configured limit.
const uploadBurst = 2

// NewUploadLimiter returns a limiter pacing uploads at perSecond, or nil
// (unlimited) when perSecond is zero or negative.
func NewUploadLimiter(perSecond float64, logger *slog.Logger) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}

	limiter := rate.NewLimiter(rate.Limit(perSecond), uploadBurst)

	logger.Debug("upload pacing enabled",
		slog.Float64("per_second", perSecond),
		slog.Int("burst", uploadBurst),
	)

	return limiter
}
