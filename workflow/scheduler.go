package workflow

import (
	"context"
	"log/slog"
	"time"
)

// DelayedRunner executes a deferred action when its due time arrives.
// *Executor is the production implementation.
type DelayedRunner interface {
	RunScheduled(ctx context.Context, job DelayedAction) error
}

// TimerScheduler defers actions with in-process timers. This is the
// legacy-compatible mode: pending timers are lost if the process exits
// before they fire. For durable redelivery across restarts, wire the river
// scheduler from the riverqueue package instead.
type TimerScheduler struct {
	runner DelayedRunner
	logger *slog.Logger
}

// NewTimerScheduler creates an in-process timer scheduler.
func NewTimerScheduler(runner DelayedRunner, logger *slog.Logger) *TimerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerScheduler{runner: runner, logger: logger}
}

// Schedule arms a one-shot timer for the job. There is no cancellation
// path; a rule disabled or deleted after scheduling still fires.
func (s *TimerScheduler) Schedule(_ context.Context, due time.Time, job DelayedAction) error {
	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}

	time.AfterFunc(delay, func() {
		// The triggering request is long gone by the time the timer
		// fires, so the job runs under a fresh context.
		if err := s.runner.RunScheduled(context.Background(), job); err != nil {
			s.logger.Error("scheduled action failed",
				"rule", job.RuleID, "action", job.Action.Type, "error", err)
		}
	})
	return nil
}
