package workflow

import (
	"encoding/json"
	"time"
)

// EventType identifies a domain occurrence the engine can react to.
type EventType string

const (
	EventAppointmentCreated   EventType = "appointment_created"
	EventAppointmentCancelled EventType = "appointment_cancelled"
	EventPatientCheckedIn     EventType = "patient_checked_in"
	EventVitalSignsEntered    EventType = "vital_signs_entered"
	EventFileUploaded         EventType = "file_uploaded"
	EventInvoiceCreated       EventType = "invoice_created"
	EventPaymentReceived      EventType = "payment_received"
	EventLeaveRequested       EventType = "leave_requested"
)

// TriggerTiming controls whether a rule's actions run as soon as the event
// arrives or after a fixed delay.
type TriggerTiming string

const (
	TimingImmediate TriggerTiming = "immediate"
	TimingDelayed   TriggerTiming = "delayed"
)

// Trigger binds a rule to an event type.
type Trigger struct {
	Event        EventType     `json:"event"`
	Timing       TriggerTiming `json:"timing"`
	DelayMinutes int           `json:"delayMinutes,omitempty"`
}

// Operator is one of the fixed comparison operators available to conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpInList      Operator = "in_list"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

// LogicalOperator joins a condition with the running result of the
// conditions before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// Condition is a single predicate against the event payload. Field is a
// dotted path (e.g. "patient.age"); Value is a scalar, a [min, max] pair for
// between, or a list for in_list, and is ignored by the emptiness operators.
type Condition struct {
	Field           string          `json:"field"`
	Operator        Operator        `json:"operator"`
	Value           any             `json:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
}

// ActionType identifies the effect an action produces.
type ActionType string

const (
	ActionSendNotification   ActionType = "send_notification"
	ActionCreateTask         ActionType = "create_task"
	ActionAutoAssignRoom     ActionType = "auto_assign_room"
	ActionFlagRecord         ActionType = "flag_record"
	ActionAutoCategorizeFile ActionType = "auto_categorize_file"
	ActionCreateReminder     ActionType = "create_reminder"
	ActionSendEmail          ActionType = "send_email"
	ActionCreateAlert        ActionType = "create_alert"
)

// Action is one effect a qualifying rule produces. Parameters decode into the
// parameter struct matching Type (see NotificationParams and friends).
// DelayMinutes, when set, defers this action independently of the rule's own
// trigger timing.
type Action struct {
	ID           string          `json:"id"`
	Type         ActionType      `json:"type"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	DelayMinutes int             `json:"delayMinutes,omitempty"`
}

// Rule is a named automation unit: when Trigger.Event happens and Conditions
// hold, execute Actions in order.
//
// TriggerCount, SuccessCount, ErrorCount and LastTriggered are owned by the
// engine; the authoring layer must never write them. After any engine
// mutation, SuccessCount+ErrorCount <= TriggerCount holds.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	Priority    int         `json:"priority"`
	Trigger     Trigger     `json:"trigger"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	CreatedBy   string      `json:"createdBy,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`

	TriggerCount  int        `json:"triggerCount"`
	SuccessCount  int        `json:"successCount"`
	ErrorCount    int        `json:"errorCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

// RuleUpdate is a partial rule for merge-style updates. Nil fields are left
// untouched. Counters are deliberately absent: they belong to the engine.
type RuleUpdate struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	Trigger     *Trigger     `json:"trigger,omitempty"`
	Conditions  *[]Condition `json:"conditions,omitempty"`
	Actions     *[]Action    `json:"actions,omitempty"`
}

// Event is an immutable fact handed to ProcessEvent. Data is the nested
// payload that conditions and templates read.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
}

// ExecutionStatus is the lifecycle state of one rule's response to one event.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Execution records one rule's response to one event. It is created in the
// running state the moment the rule qualifies and terminated exactly once,
// to completed or failed.
type Execution struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"ruleId"`
	EventID         string          `json:"eventId"`
	Status          ExecutionStatus `json:"status"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         *time.Time      `json:"endTime,omitempty"`
	Error           string          `json:"error,omitempty"`
	ActionsExecuted []string        `json:"actionsExecuted"`
}
