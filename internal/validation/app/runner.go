package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/facturaops/sunat-validator/internal/validation/adapters/sunat"
)

type batchProcessor interface {
	ProcessBatch(ctx context.Context) (BatchStats, error)
}

// Runner drives the poll loop: one batch cycle at a time, sleeping for
// pollInterval when the queue is drained or a cycle failed. There is no
// external wake-up signal; the sleep is the scheduling primitive.
type Runner struct {
	processor    batchProcessor
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewRunner(processor batchProcessor, logger *slog.Logger, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Runner{
		processor:    processor,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Run loops until the context is cancelled. Cycle-level failures never stop
// the loop: an AuthError is retried next cycle because the token provider
// re-attempts acquisition, and claim failures back off like an empty queue.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Validation poll loop started", "poll_interval", r.pollInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stats, err := r.processor.ProcessBatch(ctx)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			return err
		case err != nil:
			var authErr *sunat.AuthError
			if errors.As(err, &authErr) {
				authFailuresCounter.Inc()
				r.logger.ErrorContext(ctx, "No usable credential this cycle; backing off", "error", err)
			} else {
				r.logger.ErrorContext(ctx, "Batch cycle failed; backing off", "error", err)
			}
		case stats.Claimed == 0:
			emptyPollsCounter.Inc()
			r.logger.DebugContext(ctx, "Queue drained; backing off")
		default:
			// Work was found; poll again immediately to keep draining.
			continue
		}

		select {
		case <-time.After(r.pollInterval):
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Validation poll loop stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}
