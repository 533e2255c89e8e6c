package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine is the orchestration entry point: it matches incoming events
// against the active rule set, gates each rule through its conditions, runs
// qualifying rules' actions and records the outcomes.
//
// One Engine handle is created by the composition root and passed to
// whatever ingests events or reads stats; it is not ambient global state.
type Engine struct {
	store    *Store
	executor *Executor
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires an engine from its collaborators.
func NewEngine(store *Store, executor *Executor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessEvent is the single ingestion point. It never returns an error to
// the caller: every failure is contained in the matching Execution record,
// so event producers stay robust and failures are observed through the
// execution log and stats.
//
// Qualifying rules are initiated in priority order but their action
// sequences run concurrently with respect to each other; within one rule,
// actions keep their declared order. ProcessEvent returns once all
// immediate work has finished (deferred actions detach onto the scheduler).
func (e *Engine) ProcessEvent(ctx context.Context, event Event) {
	rules := e.store.MatchingRules(event.Type)
	if len(rules) == 0 {
		e.logger.Debug("no rules match event", "event", event.Type, "eventId", event.ID)
		return
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		if !EvaluateConditions(rule.Conditions, event.Data) {
			continue
		}

		wg.Add(1)
		go func(rule Rule) {
			defer wg.Done()
			e.runRule(ctx, rule, event)
		}(rule)
	}
	wg.Wait()
}

// runRule executes one qualifying rule's action sequence and settles its
// Execution and counters. One invocation increments triggerCount exactly
// once, and exactly one of successCount or errorCount with it.
func (e *Engine) runRule(ctx context.Context, rule Rule, event Event) {
	execution := &Execution{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		EventID:   event.ID,
		Status:    StatusRunning,
		StartTime: e.now(),
	}
	if err := e.store.RecordExecution(ctx, execution); err != nil {
		e.logger.Error("failed to record execution", "rule", rule.ID, "error", err)
	}

	// A delayed trigger defers the whole sequence; each action then adds
	// its own delay on top.
	var baseDelay time.Duration
	if rule.Trigger.Timing == TimingDelayed && rule.Trigger.DelayMinutes > 0 {
		baseDelay = time.Duration(rule.Trigger.DelayMinutes) * time.Minute
	}

	var executed []string
	var runErr error
	for _, action := range rule.Actions {
		done, err := e.executor.Execute(ctx, rule, action, event, execution.ID, baseDelay)
		if err != nil {
			// First failing action aborts the rest; already-applied
			// effects stay applied (at-least-once, not atomic).
			runErr = err
			break
		}
		if done {
			executed = append(executed, action.ID)
		}
	}

	now := e.now()
	if runErr != nil {
		e.logger.Error("rule execution failed",
			"rule", rule.ID, "event", event.ID, "error", runErr)
		if err := e.store.FinishExecution(ctx, execution.ID, StatusFailed, runErr.Error(), executed); err != nil {
			e.logger.Error("failed to finish execution", "execution", execution.ID, "error", err)
		}
		if err := e.store.MarkTriggered(ctx, rule.ID, false, now); err != nil {
			e.logger.Error("failed to update rule counters", "rule", rule.ID, "error", err)
		}
		return
	}

	if err := e.store.FinishExecution(ctx, execution.ID, StatusCompleted, "", executed); err != nil {
		e.logger.Error("failed to finish execution", "execution", execution.ID, "error", err)
	}
	if err := e.store.MarkTriggered(ctx, rule.ID, true, now); err != nil {
		e.logger.Error("failed to update rule counters", "rule", rule.ID, "error", err)
	}
}

// CreateRule registers a new rule from the authoring layer, minting ids for
// the rule and any actions that lack one.
func (e *Engine) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	for i := range rule.Actions {
		if rule.Actions[i].ID == "" {
			rule.Actions[i].ID = uuid.NewString()
		}
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = e.now()
	}

	// Counters belong to the engine; a fresh rule starts clean whatever
	// the authoring payload carried.
	rule.TriggerCount = 0
	rule.SuccessCount = 0
	rule.ErrorCount = 0
	rule.LastTriggered = nil

	if err := e.store.AddRule(ctx, &rule); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// UpdateRule merges a partial update into an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, id string, upd RuleUpdate) error {
	return e.store.UpdateRule(ctx, id, upd)
}

// DeleteRule removes a rule. Actions it already scheduled still fire.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.store.DeleteRule(ctx, id)
}

// ToggleRule flips a rule's enabled flag.
func (e *Engine) ToggleRule(ctx context.Context, id string) error {
	return e.store.ToggleRule(ctx, id)
}

// Rules returns the rule collection in priority order.
func (e *Engine) Rules() []Rule {
	return e.store.Rules()
}

// Rule returns one rule by id.
func (e *Engine) Rule(id string) (Rule, bool) {
	return e.store.Rule(id)
}

// Executions returns the retained execution log, oldest first.
func (e *Engine) Executions() []Execution {
	return e.store.Executions()
}

// Subscribe registers an alert subscriber with the executor.
func (e *Engine) Subscribe(sub AlertSubscriber) {
	e.executor.Subscribe(sub)
}
