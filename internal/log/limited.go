package log

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited emits at most one record per interval and reports how many were
// suppressed in between. Safe for concurrent use.
type Limited struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited wraps logger; a nil logger means slog.Default at call time.
func NewLimited(logger *slog.Logger, every time.Duration) *Limited {
	return &Limited{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Log writes the record if the limiter allows it, otherwise counts it.
// It reports whether the record was written.
func (l *Limited) Log(ctx context.Context, lvl slog.Level, msg string, args ...any) bool {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false
	}
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	logger.Log(ctx, lvl, msg, args...)
	return true
}
