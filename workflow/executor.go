package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fixed blob keys for produced effects. Each key holds a JSON array of the
// matching record type.
const (
	keyNotifications  = "workflow_notifications"
	keyTasks          = "workflow_tasks"
	keyRoomAssigns    = "room_assignments"
	keyFlags          = "workflow_flags"
	keyFileCategories = "workflow_file_categories"
	keyReminders      = "workflow_reminders"
	keyEmails         = "workflow_emails"
	keyAlerts         = "workflow_alerts"
)

// Per-action-type parameter shapes. Action.Parameters decodes into the
// struct matching the action's type; string fields support {{dotted.path}}
// placeholders.

type NotificationParams struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Recipient string `json:"recipient"`
	Priority  string `json:"priority,omitempty"`
}

type TaskParams struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee"`
	DueHours    int    `json:"dueHours,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type RoomParams struct {
	Strategy string `json:"strategy,omitempty"`
	RoomType string `json:"roomType,omitempty"`
}

type FlagParams struct {
	FlagType string `json:"flagType"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

type CategorizeParams struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

type ReminderParams struct {
	Title         string `json:"title"`
	Message       string `json:"message"`
	MinutesBefore int    `json:"minutesBefore,omitempty"`
	Channel       string `json:"channel,omitempty"`
}

type EmailParams struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Template string `json:"template,omitempty"`
}

type AlertParams struct {
	AlertType         string `json:"alertType"`
	Severity          string `json:"severity"`
	Message           string `json:"message"`
	PatientID         string `json:"patientId,omitempty"`
	RecommendedAction string `json:"recommendedAction,omitempty"`
}

// effectRecord is the common envelope every produced effect carries.
type effectRecord struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Notification struct {
	effectRecord
	NotificationParams
}

type Task struct {
	effectRecord
	TaskParams
}

type RoomAssignment struct {
	effectRecord
	RoomParams
	PatientID string `json:"patientId,omitempty"`
}

type RecordFlag struct {
	effectRecord
	FlagParams
	PatientID string `json:"patientId,omitempty"`
}

type FileCategory struct {
	effectRecord
	CategorizeParams
	FileID string `json:"fileId,omitempty"`
}

type Reminder struct {
	effectRecord
	ReminderParams
}

type Email struct {
	effectRecord
	EmailParams
}

// Alert is the record published to alert subscribers and persisted for the
// clinical-alerts dashboard.
type Alert struct {
	effectRecord
	AlertParams
	RelatedData map[string]any `json:"relatedData,omitempty"`
}

// AlertSubscriber receives every alert the create_alert action produces.
// Subscribers are wired by the composition root; the engine only publishes.
type AlertSubscriber interface {
	HandleAlert(alert Alert)
}

// DelayedAction is the serializable payload a Scheduler carries for an
// action deferred past its event.
type DelayedAction struct {
	ExecutionID string         `json:"executionId"`
	RuleID      string         `json:"ruleId"`
	RuleName    string         `json:"ruleName"`
	Action      Action         `json:"action"`
	EventID     string         `json:"eventId"`
	EventData   map[string]any `json:"eventData"`
}

// Scheduler defers an action until its due time. Once scheduled there is no
// cancellation path: disabling or deleting the owning rule afterwards does
// not stop the action from firing.
type Scheduler interface {
	Schedule(ctx context.Context, due time.Time, job DelayedAction) error
}

// Executor dispatches one action to its effect: build the typed record with
// template-rendered text fields, persist it under the matching blob key, and
// for alerts publish to subscribers.
type Executor struct {
	kv        KV
	logger    *slog.Logger
	scheduler Scheduler
	now       func() time.Time

	mu          sync.Mutex
	subscribers []AlertSubscriber

	// effectsMu serializes appends to the persisted effect lists.
	effectsMu sync.Mutex
}

// NewExecutor creates an Executor writing effects through kv. The scheduler
// is set later via SetScheduler because durable schedulers need the executor
// to replay jobs into.
func NewExecutor(kv KV, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// SetScheduler installs the delay backend. Without one, delayed actions are
// logged and skipped.
func (x *Executor) SetScheduler(s Scheduler) {
	x.scheduler = s
}

// Subscribe registers an alert subscriber.
func (x *Executor) Subscribe(sub AlertSubscriber) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.subscribers = append(x.subscribers, sub)
}

// Execute runs one action for one event. baseDelay is the rule-level trigger
// delay, added on top of the action's own delay.
//
// The returned bool reports whether the effect was produced synchronously:
// deferred actions and unknown action types return false with a nil error,
// and only synchronously completed actions should be added to the owning
// execution's actionsExecuted list. A non-nil error aborts the rule's
// remaining actions.
func (x *Executor) Execute(ctx context.Context, rule Rule, action Action, event Event, executionID string, baseDelay time.Duration) (bool, error) {
	delay := baseDelay + time.Duration(action.DelayMinutes)*time.Minute
	if delay > 0 {
		if x.scheduler == nil {
			x.logger.Warn("no scheduler configured, skipping delayed action",
				"action", action.Type, "actionId", action.ID)
			return false, nil
		}
		job := DelayedAction{
			ExecutionID: executionID,
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Action:      action,
			EventID:     event.ID,
			EventData:   event.Data,
		}
		if err := x.scheduler.Schedule(ctx, x.now().Add(delay), job); err != nil {
			return false, fmt.Errorf("failed to schedule delayed action %s: %w", action.ID, err)
		}
		return false, nil
	}

	if err := x.runEffect(ctx, action, event.ID, event.Data); err != nil {
		return false, err
	}
	return true, nil
}

// RunScheduled executes a previously deferred action. Called by schedulers
// when the due time arrives; the owning execution is usually terminal by
// then, so the outcome is only logged.
func (x *Executor) RunScheduled(ctx context.Context, job DelayedAction) error {
	if err := x.runEffect(ctx, job.Action, job.EventID, job.EventData); err != nil {
		x.logger.Error("delayed action failed",
			"rule", job.RuleID, "action", job.Action.Type, "error", err)
		return err
	}
	return nil
}

// runEffect builds and persists the effect for one action type. Unknown
// action types are logged and skipped without failing the rule.
func (x *Executor) runEffect(ctx context.Context, action Action, eventID string, data map[string]any) error {
	switch action.Type {
	case ActionSendNotification:
		p, err := decodeParams[NotificationParams](action.Parameters)
		if err != nil {
			return err
		}
		p.Title = Substitute(p.Title, data)
		p.Message = Substitute(p.Message, data)
		p.Recipient = Substitute(p.Recipient, data)
		return x.appendRecord(ctx, keyNotifications, Notification{
			effectRecord:       x.newRecord(eventID),
			NotificationParams: p,
		})

	case ActionCreateTask:
		p, err := decodeParams[TaskParams](action.Parameters)
		if err != nil {
			return err
		}
		p.Title = Substitute(p.Title, data)
		p.Description = Substitute(p.Description, data)
		p.Assignee = Substitute(p.Assignee, data)
		return x.appendRecord(ctx, keyTasks, Task{
			effectRecord: x.newRecord(eventID),
			TaskParams:   p,
		})

	case ActionAutoAssignRoom:
		p, err := decodeParams[RoomParams](action.Parameters)
		if err != nil {
			return err
		}
		return x.appendRecord(ctx, keyRoomAssigns, RoomAssignment{
			effectRecord: x.newRecord(eventID),
			RoomParams:   p,
			PatientID:    stringify(pathOrNil(data, "patient.id")),
		})

	case ActionFlagRecord:
		p, err := decodeParams[FlagParams](action.Parameters)
		if err != nil {
			return err
		}
		p.Message = Substitute(p.Message, data)
		return x.appendRecord(ctx, keyFlags, RecordFlag{
			effectRecord: x.newRecord(eventID),
			FlagParams:   p,
			PatientID:    stringify(pathOrNil(data, "patient.id")),
		})

	case ActionAutoCategorizeFile:
		p, err := decodeParams[CategorizeParams](action.Parameters)
		if err != nil {
			return err
		}
		p.Category = Substitute(p.Category, data)
		return x.appendRecord(ctx, keyFileCategories, FileCategory{
			effectRecord:     x.newRecord(eventID),
			CategorizeParams: p,
			FileID:           stringify(pathOrNil(data, "file.id")),
		})

	case ActionCreateReminder:
		p, err := decodeParams[ReminderParams](action.Parameters)
		if err != nil {
			return err
		}
		p.Title = Substitute(p.Title, data)
		p.Message = Substitute(p.Message, data)
		return x.appendRecord(ctx, keyReminders, Reminder{
			effectRecord:   x.newRecord(eventID),
			ReminderParams: p,
		})

	case ActionSendEmail:
		p, err := decodeParams[EmailParams](action.Parameters)
		if err != nil {
			return err
		}
		p.To = Substitute(p.To, data)
		p.Subject = Substitute(p.Subject, data)
		p.Body = Substitute(p.Body, data)
		return x.appendRecord(ctx, keyEmails, Email{
			effectRecord: x.newRecord(eventID),
			EmailParams:  p,
		})

	case ActionCreateAlert:
		p, err := decodeParams[AlertParams](action.Parameters)
		if err != nil {
			return err
		}
		p.Message = Substitute(p.Message, data)
		p.RecommendedAction = Substitute(p.RecommendedAction, data)
		if p.PatientID == "" {
			p.PatientID = stringify(pathOrNil(data, "patient.id"))
		}
		alert := Alert{
			effectRecord: x.newRecord(eventID),
			AlertParams:  p,
			RelatedData:  data,
		}
		if err := x.appendRecord(ctx, keyAlerts, alert); err != nil {
			return err
		}
		x.publish(alert)
		return nil

	default:
		x.logger.Warn("unknown action type, skipping", "action", action.Type, "actionId", action.ID)
		return nil
	}
}

func (x *Executor) publish(alert Alert) {
	x.mu.Lock()
	subs := append([]AlertSubscriber(nil), x.subscribers...)
	x.mu.Unlock()

	for _, sub := range subs {
		sub.HandleAlert(alert)
	}
}

func (x *Executor) newRecord(eventID string) effectRecord {
	return effectRecord{
		ID:        uuid.NewString(),
		EventID:   eventID,
		CreatedAt: x.now(),
	}
}

// decodeParams unmarshals the free-form parameter object into the typed
// variant for the action. A nil Parameters blob decodes to the zero value.
func decodeParams[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("failed to decode action parameters: %w", err)
	}
	return params, nil
}

// appendRecord appends one effect to the JSON array stored under key. The
// read-modify-write is serialized across the concurrently running rules of
// this engine process.
func (x *Executor) appendRecord(ctx context.Context, key string, record any) error {
	x.effectsMu.Lock()
	defer x.effectsMu.Unlock()

	var items []json.RawMessage
	blob, err := x.kv.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(blob) > 0 {
		// Unreadable effect lists start over, same recovery policy as the
		// rule collections.
		_ = json.Unmarshal(blob, &items)
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", key, err)
	}
	items = append(items, encoded)

	out, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := x.kv.Set(ctx, key, out); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

func pathOrNil(data map[string]any, path string) any {
	v, _ := lookupPath(data, path)
	return v
}
