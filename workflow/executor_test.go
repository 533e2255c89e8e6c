package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

// fakeScheduler records scheduled jobs instead of arming timers.
type fakeScheduler struct {
	jobs []DelayedAction
	due  []time.Time
	err  error
}

func (f *fakeScheduler) Schedule(_ context.Context, due time.Time, job DelayedAction) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	f.due = append(f.due, due)
	return nil
}

// failKV fails Set on selected keys to simulate a broken effect store.
type failKV struct {
	*MemoryKV
	failSet map[string]bool
}

func (f *failKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet[key] {
		return fmt.Errorf("store write failed for %s", key)
	}
	return f.MemoryKV.Set(ctx, key, value)
}

type collectingSubscriber struct {
	alerts []Alert
}

func (c *collectingSubscriber) HandleAlert(alert Alert) {
	c.alerts = append(c.alerts, alert)
}

func readEffects[T any](t *testing.T, kv KV, key string) []T {
	t.Helper()
	blob, err := kv.Get(context.Background(), key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil
		}
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	var items []T
	if err := json.Unmarshal(blob, &items); err != nil {
		t.Fatalf("unmarshal %s: %v", key, err)
	}
	return items
}

func flagEvent() Event {
	return Event{
		ID:        "ev-1",
		Type:      EventVitalSignsEntered,
		Data:      testPayload(),
		Timestamp: time.Now(),
	}
}

func TestExecutorNotificationRendersTemplates(t *testing.T) {
	kv := NewMemoryKV()
	x := NewExecutor(kv, nil)

	action := Action{
		ID:   "a1",
		Type: ActionSendNotification,
		Parameters: mustParams(t, NotificationParams{
			Title:     "Check on {{patient.name}}",
			Message:   "Systolic reading was {{vitals.blood_pressure_systolic}}",
			Recipient: "nurses",
		}),
	}

	done, err := x.Execute(context.Background(), Rule{ID: "r1"}, action, flagEvent(), "exec-1", 0)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !done {
		t.Fatal("immediate action should report done")
	}

	notifications := readEffects[Notification](t, kv, keyNotifications)
	if len(notifications) != 1 {
		t.Fatalf("persisted %d notifications, want 1", len(notifications))
	}
	if notifications[0].Title != "Check on Maria Ionescu" {
		t.Errorf("Title = %q", notifications[0].Title)
	}
	if notifications[0].Message != "Systolic reading was 150" {
		t.Errorf("Message = %q", notifications[0].Message)
	}
	if notifications[0].EventID != "ev-1" {
		t.Errorf("EventID = %q, want ev-1", notifications[0].EventID)
	}
}

func TestExecutorFlagRecord(t *testing.T) {
	kv := NewMemoryKV()
	x := NewExecutor(kv, nil)

	action := Action{
		ID:   "a1",
		Type: ActionFlagRecord,
		Parameters: mustParams(t, FlagParams{
			FlagType: "hypertension",
			Message:  "Age {{patient.age}}, systolic {{vitals.blood_pressure_systolic}}",
			Severity: "high",
		}),
	}

	if _, err := x.Execute(context.Background(), Rule{ID: "r1"}, action, flagEvent(), "exec-1", 0); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	flags := readEffects[RecordFlag](t, kv, keyFlags)
	if len(flags) != 1 {
		t.Fatalf("persisted %d flags, want 1", len(flags))
	}
	if !strings.Contains(flags[0].Message, "70") || !strings.Contains(flags[0].Message, "150") {
		t.Errorf("flag message %q should contain the payload values", flags[0].Message)
	}
	if flags[0].PatientID != "p-1" {
		t.Errorf("PatientID = %q, want p-1", flags[0].PatientID)
	}
}

// An unknown action type is logged and skipped: no error, not done.
func TestExecutorUnknownActionTypeSkips(t *testing.T) {
	kv := NewMemoryKV()
	x := NewExecutor(kv, nil)

	action := Action{ID: "a1", Type: "launch_rocket"}
	done, err := x.Execute(context.Background(), Rule{ID: "r1"}, action, flagEvent(), "exec-1", 0)
	if err != nil {
		t.Fatalf("unknown action should not fail the rule: %v", err)
	}
	if done {
		t.Error("unknown action should not count as executed")
	}
}

// A delayed action detaches onto the scheduler and is not counted as
// synchronously executed.
func TestExecutorDelayedActionSchedules(t *testing.T) {
	kv := NewMemoryKV()
	x := NewExecutor(kv, nil)
	sched := &fakeScheduler{}
	x.SetScheduler(sched)

	action := Action{
		ID:           "a1",
		Type:         ActionCreateReminder,
		DelayMinutes: 5,
		Parameters:   mustParams(t, ReminderParams{Title: "Follow up", Message: "Call {{patient.name}}"}),
	}

	before := time.Now()
	done, err := x.Execute(context.Background(), Rule{ID: "r1", Name: "Reminder rule"}, action, flagEvent(), "exec-1", 0)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if done {
		t.Error("delayed action should not report done")
	}

	if len(sched.jobs) != 1 {
		t.Fatalf("scheduled %d jobs, want 1", len(sched.jobs))
	}
	job := sched.jobs[0]
	if job.RuleID != "r1" || job.ExecutionID != "exec-1" || job.Action.ID != "a1" {
		t.Errorf("job = %+v, want rule r1 / exec-1 / action a1", job)
	}
	wantDue := before.Add(5 * time.Minute)
	if sched.due[0].Before(wantDue.Add(-time.Second)) || sched.due[0].After(wantDue.Add(time.Minute)) {
		t.Errorf("due = %v, want about %v", sched.due[0], wantDue)
	}

	// Nothing persisted until the scheduler fires.
	if got := readEffects[Reminder](t, kv, keyReminders); len(got) != 0 {
		t.Errorf("persisted %d reminders before due time, want 0", len(got))
	}

	// The scheduler firing replays the action through RunScheduled.
	if err := x.RunScheduled(context.Background(), job); err != nil {
		t.Fatalf("RunScheduled() failed: %v", err)
	}
	reminders := readEffects[Reminder](t, kv, keyReminders)
	if len(reminders) != 1 {
		t.Fatalf("persisted %d reminders after replay, want 1", len(reminders))
	}
	if reminders[0].Message != "Call Maria Ionescu" {
		t.Errorf("Message = %q", reminders[0].Message)
	}
}

// The rule-level trigger delay stacks with the action's own delay.
func TestExecutorBaseDelayAddsUp(t *testing.T) {
	x := NewExecutor(NewMemoryKV(), nil)
	sched := &fakeScheduler{}
	x.SetScheduler(sched)

	action := Action{ID: "a1", Type: ActionSendEmail, DelayMinutes: 10,
		Parameters: mustParams(t, EmailParams{To: "x@clinic", Subject: "s", Body: "b"})}

	before := time.Now()
	if _, err := x.Execute(context.Background(), Rule{ID: "r1"}, action, flagEvent(), "exec-1", 30*time.Minute); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	wantDue := before.Add(40 * time.Minute)
	if sched.due[0].Before(wantDue.Add(-time.Second)) || sched.due[0].After(wantDue.Add(time.Minute)) {
		t.Errorf("due = %v, want about %v", sched.due[0], wantDue)
	}
}

func TestExecutorAlertPublishesToSubscribers(t *testing.T) {
	kv := NewMemoryKV()
	x := NewExecutor(kv, nil)
	sub := &collectingSubscriber{}
	x.Subscribe(sub)

	action := Action{
		ID:   "a1",
		Type: ActionCreateAlert,
		Parameters: mustParams(t, AlertParams{
			AlertType:         "hypertension",
			Severity:          "critical",
			Message:           "BP {{vitals.blood_pressure_systolic}} for {{patient.name}}",
			RecommendedAction: "Schedule cardiology review",
		}),
	}

	if _, err := x.Execute(context.Background(), Rule{ID: "r1"}, action, flagEvent(), "exec-1", 0); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if len(sub.alerts) != 1 {
		t.Fatalf("subscriber got %d alerts, want 1", len(sub.alerts))
	}
	alert := sub.alerts[0]
	if alert.Severity != "critical" {
		t.Errorf("Severity = %q", alert.Severity)
	}
	if alert.Message != "BP 150 for Maria Ionescu" {
		t.Errorf("Message = %q", alert.Message)
	}
	if alert.PatientID != "p-1" {
		t.Errorf("PatientID = %q, want p-1 (taken from the payload)", alert.PatientID)
	}
	if alert.RelatedData == nil {
		t.Error("RelatedData should carry the event payload")
	}

	// Alerts also persist for the dashboard.
	if got := readEffects[Alert](t, kv, keyAlerts); len(got) != 1 {
		t.Errorf("persisted %d alerts, want 1", len(got))
	}
}

// A failing effect write surfaces as an error so the engine can abort the
// rule's remaining actions.
func TestExecutorEffectWriteFailure(t *testing.T) {
	kv := &failKV{MemoryKV: NewMemoryKV(), failSet: map[string]bool{keyTasks: true}}
	x := NewExecutor(kv, nil)

	action := Action{ID: "a1", Type: ActionCreateTask,
		Parameters: mustParams(t, TaskParams{Title: "t", Assignee: "dr-pop"})}

	done, err := x.Execute(context.Background(), Rule{ID: "r1"}, action, flagEvent(), "exec-1", 0)
	if err == nil {
		t.Fatal("Execute() should surface the store write failure")
	}
	if done {
		t.Error("failed action should not report done")
	}
}
