package workflow

import (
	"math"
	"sort"
	"time"
)

// hoursSavedPerExecution is the dashboard's fixed heuristic: every automated
// execution is counted as a quarter hour of staff time. Not configurable.
const hoursSavedPerExecution = 0.25

// topRuleCount bounds the top-triggered list on the dashboard.
const topRuleCount = 5

// RuleActivity is one entry of the top-triggered list.
type RuleActivity struct {
	RuleID       string `json:"ruleId"`
	Name         string `json:"name"`
	TriggerCount int    `json:"triggerCount"`
}

// Stats is the read-only dashboard view derived from the store's current
// rule and execution collections. It carries no state of its own.
type Stats struct {
	TotalRules         int            `json:"totalRules"`
	ActiveRules        int            `json:"activeRules"`
	ExecutionsToday    int            `json:"executionsToday"`
	ExecutionsThisWeek int            `json:"executionsThisWeek"`
	SuccessRate        float64        `json:"successRate"`
	TimeSavedHours     int            `json:"timeSavedHours"`
	TopTriggeredRules  []RuleActivity `json:"topTriggeredRules"`
}

// Stats recomputes the dashboard counters on demand.
func (e *Engine) Stats() Stats {
	rules := e.store.Rules()
	executions := e.store.Executions()
	now := e.now()

	stats := Stats{TotalRules: len(rules)}

	for _, rule := range rules {
		if rule.Enabled {
			stats.ActiveRules++
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := now.Add(-7 * 24 * time.Hour)

	completed := 0
	for _, execution := range executions {
		if !execution.StartTime.Before(midnight) {
			stats.ExecutionsToday++
		}
		if !execution.StartTime.Before(weekAgo) {
			stats.ExecutionsThisWeek++
		}
		if execution.Status == StatusCompleted {
			completed++
		}
	}

	// With nothing executed yet the dashboard shows a clean slate, not a
	// division by zero.
	if len(executions) == 0 {
		stats.SuccessRate = 100
	} else {
		stats.SuccessRate = float64(completed) / float64(len(executions)) * 100
	}

	stats.TimeSavedHours = int(math.Floor(float64(len(executions)) * hoursSavedPerExecution))

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].TriggerCount > rules[j].TriggerCount
	})
	for _, rule := range rules {
		if len(stats.TopTriggeredRules) == topRuleCount {
			break
		}
		stats.TopTriggeredRules = append(stats.TopTriggeredRules, RuleActivity{
			RuleID:       rule.ID,
			Name:         rule.Name,
			TriggerCount: rule.TriggerCount,
		})
	}

	return stats
}

// SimulationResult is the rule-authoring dry-run feedback: whether the rule
// would fire against the supplied test payload, how each condition fared,
// and which actions would run.
type SimulationResult struct {
	WouldTrigger      bool              `json:"wouldTrigger"`
	MatchedConditions []ConditionResult `json:"matchedConditions"`
	ActionsToExecute  []Action          `json:"actionsToExecute"`
}

// SimulateRule evaluates a rule's conditions against test data without
// executing actions, creating executions or touching any counter.
func (e *Engine) SimulateRule(rule Rule, testData map[string]any) SimulationResult {
	result := SimulationResult{
		WouldTrigger:      EvaluateConditions(rule.Conditions, testData),
		MatchedConditions: evaluateEach(rule.Conditions, testData),
	}
	if result.WouldTrigger {
		result.ActionsToExecute = append([]Action(nil), rule.Actions...)
	}
	return result
}
