package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"WorkflowScanner/internal/config"
	"WorkflowScanner/internal/logging"
	"WorkflowScanner/internal/ports"
)

// IntervalScheduler runs a job immediately and then once per interval until
// its context is cancelled or Stop is called.
type IntervalScheduler struct {
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler parses an ISO-8601 interval. An unparsable value falls
// back to config.DefaultInterval with a warning.
func NewIntervalScheduler(value string, logger *slog.Logger) *IntervalScheduler {
	logger = logging.OrDiscard(logger)

	interval, err := config.ParseISODuration(value)
	if err != nil {
		logger.Warn("invalid scrape interval, using default",
			"interval", value, "default", config.DefaultInterval, "error", err)
		interval = config.DefaultInterval
	}
	return &IntervalScheduler{interval: interval, logger: logger}
}

// Interval reports the effective period between cycles.
func (s *IntervalScheduler) Interval() time.Duration {
	return s.interval
}

// Start launches the loop. A second Start while running is a no-op.
func (s *IntervalScheduler) Start(ctx context.Context, job func(context.Context, time.Time)) error {
	if job == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		for {
			s.runSafely(runCtx, job)
			if runCtx.Err() != nil {
				return
			}

			timer := time.NewTimer(s.interval)
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	return nil
}

// Stop cancels the loop and waits for the in-flight job, bounded by ctx.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *IntervalScheduler) runSafely(ctx context.Context, job func(context.Context, time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job(ctx, time.Now())
}
