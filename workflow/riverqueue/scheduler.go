package riverqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/adrian-moloca/preclinic-workflow/workflow"
)

// Errors returned by the Scheduler lifecycle.
var (
	ErrNotStarted     = errors.New("scheduler not started")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Config configures the durable delayed-action scheduler.
type Config struct {
	// Pool is the PostgreSQL connection pool river persists jobs in.
	// Required.
	Pool *pgxpool.Pool

	// Runner executes a deferred action when its river job becomes due.
	// Required; normally the engine's *workflow.Executor.
	Runner workflow.DelayedRunner

	// Logger is used for job outcomes. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Workers is the number of worker goroutines. Zero or negative
	// auto-detects from the CPU count.
	Workers int
}

func (c Config) validate() error {
	if c.Pool == nil {
		return errors.New("riverqueue: Pool is required")
	}
	if c.Runner == nil {
		return errors.New("riverqueue: Runner is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Scheduler implements workflow.Scheduler on top of riverqueue: each
// deferred action becomes a river job with ScheduledAt set to its due time,
// persisted in Postgres. Pending jobs are redelivered after a process
// restart, unlike the in-process timer scheduler.
type Scheduler struct {
	config Config
	client *river.Client[pgx.Tx]

	mu      sync.Mutex
	started bool
}

// NewScheduler creates the scheduler and its river client. Start must be
// called before jobs are worked; Schedule inserts are accepted beforehand.
func NewScheduler(config Config) (*Scheduler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	workers := river.NewWorkers()
	river.AddWorker(workers, &delayedActionWorker{
		runner: cfg.Runner,
		logger: cfg.Logger,
	})

	client, err := river.NewClient(riverpgxv5.New(cfg.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}

	return &Scheduler{config: cfg, client: client}, nil
}

// Start begins working due jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river client: %w", err)
	}
	s.started = true
	return nil
}

// Stop drains workers gracefully.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}
	s.started = false
	return s.client.Stop(ctx)
}

// Schedule persists the deferred action as a river job due at the given
// time. There is no cancellation path once inserted; a rule disabled or
// deleted afterwards still has its action fire.
func (s *Scheduler) Schedule(ctx context.Context, due time.Time, job workflow.DelayedAction) error {
	_, err := s.client.Insert(ctx, DelayedActionArgs{
		ExecutionID: job.ExecutionID,
		RuleID:      job.RuleID,
		RuleName:    job.RuleName,
		Action:      job.Action,
		EventID:     job.EventID,
		EventData:   job.EventData,
	}, &river.InsertOpts{
		ScheduledAt: due,
	})
	if err != nil {
		return fmt.Errorf("failed to insert delayed action job: %w", err)
	}
	return nil
}

// delayedActionWorker replays a due deferred action through the executor.
type delayedActionWorker struct {
	river.WorkerDefaults[DelayedActionArgs]
	runner workflow.DelayedRunner
	logger *slog.Logger
}

// Work executes the deferred action.
func (w *delayedActionWorker) Work(ctx context.Context, job *river.Job[DelayedActionArgs]) error {
	args := job.Args

	w.logger.Debug("executing delayed action",
		"rule", args.RuleID,
		"action", args.Action.Type,
		"attempt", job.Attempt,
	)

	return w.runner.RunScheduled(ctx, workflow.DelayedAction{
		ExecutionID: args.ExecutionID,
		RuleID:      args.RuleID,
		RuleName:    args.RuleName,
		Action:      args.Action,
		EventID:     args.EventID,
		EventData:   args.EventData,
	})
}
