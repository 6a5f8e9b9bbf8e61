package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nikolay-makurin/routecheck/internal/config"
	"github.com/nikolay-makurin/routecheck/pkg/types"
)

// RetrySink re-delivers a report to the wrapped target with exponential
// backoff. A failure marked permanent is returned on the first attempt.
type RetrySink struct {
	next Sink
	cfg  config.RetryConfig
	name string
}

func NewRetrySink(name string, next Sink, cfg config.RetryConfig) *RetrySink {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &RetrySink{
		next: next,
		cfg:  cfg,
		name: name,
	}
}

func (r *RetrySink) Name() string { return r.name }

func (r *RetrySink) Write(ctx context.Context, report *types.Report) error {
	log := slog.With("sink", r.name, "run_id", report.RunID)

	for attempt := 1; ; attempt++ {
		err := r.next.Write(ctx, report)
		switch {
		case err == nil:
			if attempt > 1 {
				log.Info("Report delivered after retrying", "attempts", attempt)
			}
			return nil
		case isPermanent(err):
			return fmt.Errorf("sink %s rejected run %s: %w", r.name, report.RunID, err)
		case attempt >= r.cfg.MaxAttempts:
			return fmt.Errorf("sink %s failed after %d attempts for run %s: %w", r.name, attempt, report.RunID, err)
		}

		delay := r.cfg.Backoff * time.Duration(1<<(attempt-1))
		log.Warn("Report delivery failed, retrying",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"retry_in", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("sink %s gave up on run %s: %w", r.name, report.RunID, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (r *RetrySink) Close() error {
	return r.next.Close()
}
