package middleware

import (
	"context"
	"log/slog"

	"github.com/xraph/txflow/job"
)

// Timeout bounds handler execution for jobs carrying a non-zero
// Timeout by wrapping the context with a deadline. Handlers that honor
// ctx return context.DeadlineExceeded when it fires; jobs without a
// timeout pass through untouched.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", j.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
