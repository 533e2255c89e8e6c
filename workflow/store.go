package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Fixed blob keys for the engine-owned collections.
const (
	keyRules      = "workflow_rules"
	keyExecutions = "workflow_executions"
)

// maxExecutions caps the retained execution log; the oldest entries are
// evicted first so storage stays bounded.
const maxExecutions = 1000

// Store holds the authoritative rule collection and execution log and
// persists both write-through as JSON blobs. All mutation goes through its
// methods; rules handed out are copies, never shared pointers.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu         sync.RWMutex
	rules      []*Rule
	executions []*Execution
}

// NewStore creates a Store and restores any previously persisted state.
// Unreadable stored state is recovered by resetting to an empty collection
// with a logged warning: rules can be re-authored, so corruption is never
// fatal.
func NewStore(ctx context.Context, kv KV, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{kv: kv, logger: logger}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rules, err := loadCollection[*Rule](ctx, s.kv, keyRules, s.logger)
	if err != nil {
		return err
	}
	executions, err := loadCollection[*Execution](ctx, s.kv, keyExecutions, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	s.sortRulesLocked()
	s.executions = executions
	return nil
}

// loadCollection reads one persisted collection. A missing key is an empty
// collection; a corrupt blob resets to empty with a warning.
func loadCollection[T any](ctx context.Context, kv KV, key string, logger *slog.Logger) ([]T, error) {
	blob, err := kv.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	var items []T
	if err := json.Unmarshal(blob, &items); err != nil {
		logger.Warn("resetting corrupted stored state", "key", key, "error", err)
		return nil, nil
	}
	return items, nil
}

// AddRule appends a rule and re-sorts the collection by priority descending.
// Ties keep insertion order.
func (s *Store) AddRule(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule with ID %s already exists", rule.ID)
		}
	}

	r := cloneRule(rule)
	s.rules = append(s.rules, &r)
	s.sortRulesLocked()
	return s.persistRulesLocked(ctx)
}

// UpdateRule merges the non-nil fields of upd into the matching rule.
// An unknown id is a silent no-op, not an error.
func (s *Store) UpdateRule(ctx context.Context, id string, upd RuleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := s.findLocked(id)
	if rule == nil {
		return nil
	}

	if upd.Name != nil {
		rule.Name = *upd.Name
	}
	if upd.Description != nil {
		rule.Description = *upd.Description
	}
	if upd.Enabled != nil {
		rule.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		rule.Priority = *upd.Priority
	}
	if upd.Trigger != nil {
		rule.Trigger = *upd.Trigger
	}
	if upd.Conditions != nil {
		rule.Conditions = append([]Condition(nil), (*upd.Conditions)...)
	}
	if upd.Actions != nil {
		rule.Actions = append([]Action(nil), (*upd.Actions)...)
	}

	s.sortRulesLocked()
	return s.persistRulesLocked(ctx)
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rule := range s.rules {
		if rule.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return s.persistRulesLocked(ctx)
		}
	}
	return fmt.Errorf("rule with ID %s not found", id)
}

// ToggleRule flips a rule's enabled flag.
func (s *Store) ToggleRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := s.findLocked(id)
	if rule == nil {
		return fmt.Errorf("rule with ID %s not found", id)
	}
	rule.Enabled = !rule.Enabled
	return s.persistRulesLocked(ctx)
}

// Rules returns a defensive copy of the rule collection, priority-ordered.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, cloneRule(rule))
	}
	return out
}

// Rule returns one rule by id.
func (s *Store) Rule(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule := s.findLocked(id)
	if rule == nil {
		return Rule{}, false
	}
	return cloneRule(rule), true
}

// MatchingRules returns the enabled rules whose trigger matches the event
// type, in priority order.
func (s *Store) MatchingRules(event EventType) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Rule
	for _, rule := range s.rules {
		if rule.Enabled && rule.Trigger.Event == event {
			out = append(out, cloneRule(rule))
		}
	}
	return out
}

// MarkTriggered applies the engine's counter update for one qualifying rule
// invocation: triggerCount always increments, and exactly one of
// successCount or errorCount increments with it.
func (s *Store) MarkTriggered(ctx context.Context, ruleID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := s.findLocked(ruleID)
	if rule == nil {
		// Rule deleted after it qualified; nothing to count.
		return nil
	}

	rule.TriggerCount++
	if success {
		rule.SuccessCount++
	} else {
		rule.ErrorCount++
	}
	t := at
	rule.LastTriggered = &t

	return s.persistRulesLocked(ctx)
}

// RecordExecution appends an execution, evicting the oldest entries beyond
// the retention cap.
func (s *Store) RecordExecution(ctx context.Context, execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *execution
	s.executions = append(s.executions, &e)
	if len(s.executions) > maxExecutions {
		s.executions = s.executions[len(s.executions)-maxExecutions:]
	}
	return s.persistExecutionsLocked(ctx)
}

// FinishExecution terminates an execution exactly once. Terminal executions
// are immutable; a second call is ignored.
func (s *Store) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string, actionsExecuted []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.executions {
		if e.ID != id {
			continue
		}
		if e.Status == StatusCompleted || e.Status == StatusFailed {
			return nil
		}
		now := time.Now()
		e.Status = status
		e.EndTime = &now
		e.Error = errMsg
		e.ActionsExecuted = append([]string(nil), actionsExecuted...)
		return s.persistExecutionsLocked(ctx)
	}
	return fmt.Errorf("execution with ID %s not found", id)
}

// Executions returns a defensive copy of the execution log, oldest first.
func (s *Store) Executions() []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Execution, 0, len(s.executions))
	for _, e := range s.executions {
		copied := *e
		copied.ActionsExecuted = append([]string(nil), e.ActionsExecuted...)
		out = append(out, copied)
	}
	return out
}

func (s *Store) findLocked(id string) *Rule {
	for _, rule := range s.rules {
		if rule.ID == id {
			return rule
		}
	}
	return nil
}

// sortRulesLocked re-derives priority ordering. The sort is stable so rules
// with equal priority keep their insertion order.
func (s *Store) sortRulesLocked() {
	sort.SliceStable(s.rules, func(i, j int) bool {
		return s.rules[i].Priority > s.rules[j].Priority
	})
}

func (s *Store) persistRulesLocked(ctx context.Context) error {
	blob, err := json.Marshal(s.rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	if err := s.kv.Set(ctx, keyRules, blob); err != nil {
		return fmt.Errorf("failed to persist rules: %w", err)
	}
	return nil
}

func (s *Store) persistExecutionsLocked(ctx context.Context) error {
	blob, err := json.Marshal(s.executions)
	if err != nil {
		return fmt.Errorf("failed to marshal executions: %w", err)
	}
	if err := s.kv.Set(ctx, keyExecutions, blob); err != nil {
		return fmt.Errorf("failed to persist executions: %w", err)
	}
	return nil
}

func cloneRule(rule *Rule) Rule {
	r := *rule
	r.Conditions = append([]Condition(nil), rule.Conditions...)
	r.Actions = append([]Action(nil), rule.Actions...)
	if rule.LastTriggered != nil {
		t := *rule.LastTriggered
		r.LastTriggered = &t
	}
	return r
}
