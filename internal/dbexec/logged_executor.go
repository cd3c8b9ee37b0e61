package dbexec

import (
	"context"
	"log/slog"
	"time"

	"relgraph/internal/logging"
)

// LoggedExecutor logs every query at debug level and queries slower than
// SlowThreshold at warn level, using the logger carried by the context.
type LoggedExecutor struct {
	next          QueryExecutor
	slowThreshold time.Duration
}

// NewLoggedExecutor wraps next. A zero threshold disables slow-query warnings.
func NewLoggedExecutor(next QueryExecutor, slowThreshold time.Duration) *LoggedExecutor {
	return &LoggedExecutor{next: next, slowThreshold: slowThreshold}
}

func (e *LoggedExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()
	rows, err := e.next.QueryContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		logger.Debug("query failed",
			slog.String("sql", query),
			slog.Int("args", len(args)),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if e.slowThreshold > 0 && elapsed >= e.slowThreshold {
		logger.Warn("slow query",
			slog.String("sql", query),
			slog.Int("args", len(args)),
			slog.Duration("duration", elapsed),
			slog.Duration("threshold", e.slowThreshold),
		)
	} else {
		logger.Debug("query",
			slog.String("sql", query),
			slog.Int("args", len(args)),
			slog.Duration("duration", elapsed),
		)
	}
	return rows, nil
}
