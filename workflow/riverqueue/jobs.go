package riverqueue

import (
	"github.com/riverqueue/river"

	"github.com/adrian-moloca/preclinic-workflow/workflow"
)

// JobKindDelayedAction is the river job kind for deferred workflow actions.
const JobKindDelayedAction = "workflow.delayed_action"

// DelayedActionArgs is the persisted payload for a deferred action: enough
// to replay the action through the executor after the delay, surviving
// process restarts.
type DelayedActionArgs struct {
	ExecutionID string          `json:"execution_id"`
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name,omitempty"`
	Action      workflow.Action `json:"action"`
	EventID     string          `json:"event_id"`
	EventData   map[string]any  `json:"event_data"`
}

// Kind implements river.JobArgs.
func (DelayedActionArgs) Kind() string {
	return JobKindDelayedAction
}

// InsertOpts implements river.JobArgsWithInsertOpts. A deferred clinic
// action is worth a couple of retries but not an endless backoff tail.
func (DelayedActionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
	}
}
