package escalation

import (
	"context"
	"testing"
	"time"

	"signal-responder/internal/action"
	"signal-responder/internal/events"
	"signal-responder/internal/schema"

	"github.com/google/uuid"
)

func testRule() *Rule {
	return &Rule{
		ID:     "esc-slow-emergency",
		Active: true,
		Triggers: Triggers{
			SignalTypes: []schema.SignalType{schema.SignalEmergency},
			Severities:  []schema.Severity{schema.SeverityCritical},
			Delay:       5 * time.Second,
		},
		Levels: []Level{
			{Name: "LEVEL_1", Actions: []string{"NOTIFY"}, Channels: []string{"email"}},
			{Name: "LEVEL_2", Actions: []string{"IMMEDIATE_RESPONSE"}, Channels: []string{"sms", "pager"}},
		},
	}
}

func criticalSignal() *schema.Signal {
	return &schema.Signal{
		ID:        uuid.New(),
		Type:      schema.SignalEmergency,
		Severity:  schema.SeverityCritical,
		Strength:  95,
		Timestamp: time.Now(),
	}
}

func TestEngine_CheckFiresAllLevelsOnce(t *testing.T) {
	exec := action.NewSimulatedExecutor()
	notifier := action.NewLogNotifier()
	bus := events.NewBus()

	var escalations []events.EscalationPayload
	bus.Subscribe(events.EscalationExecuted, func(ev events.Event) {
		escalations = append(escalations, ev.Payload.(events.EscalationPayload))
	})

	e := NewEngine(exec, notifier, bus)
	e.AddRule(testRule())

	// 8s elapsed > 5s delay: both levels fire.
	fired := e.Check(context.Background(), "exec-1", criticalSignal(), 8*time.Second)
	if fired != 2 {
		t.Fatalf("Check() fired %d levels, want 2", fired)
	}
	if len(exec.Calls()) != 2 {
		t.Errorf("executor saw %d actions, want 2", len(exec.Calls()))
	}
	// LEVEL_1 one channel + LEVEL_2 two channels.
	if len(notifier.Sent()) != 3 {
		t.Errorf("notifier saw %d deliveries, want 3", len(notifier.Sent()))
	}
	if len(escalations) != 2 {
		t.Errorf("bus saw %d escalation events, want 2", len(escalations))
	}

	// Second check for the same execution is idempotent.
	if again := e.Check(context.Background(), "exec-1", criticalSignal(), 8*time.Second); again != 0 {
		t.Errorf("repeat Check() fired %d levels, want 0", again)
	}
}

func TestEngine_CheckBelowDelay(t *testing.T) {
	e := NewEngine(action.NewSimulatedExecutor(), action.NewLogNotifier(), nil)
	e.AddRule(testRule())

	if fired := e.Check(context.Background(), "exec-1", criticalSignal(), 3*time.Second); fired != 0 {
		t.Errorf("Check() fired %d levels below delay, want 0", fired)
	}
}

func TestEngine_CheckSignalClassMismatch(t *testing.T) {
	e := NewEngine(action.NewSimulatedExecutor(), action.NewLogNotifier(), nil)
	e.AddRule(testRule())

	sig := criticalSignal()
	sig.Type = schema.SignalMaintenance

	if fired := e.Check(context.Background(), "exec-1", sig, time.Minute); fired != 0 {
		t.Errorf("Check() fired %d levels for mismatched type, want 0", fired)
	}

	sig = criticalSignal()
	sig.Severity = schema.SeverityLow
	if fired := e.Check(context.Background(), "exec-2", sig, time.Minute); fired != 0 {
		t.Errorf("Check() fired %d levels for mismatched severity, want 0", fired)
	}
}

func TestEngine_InactiveRuleIgnored(t *testing.T) {
	rule := testRule()
	rule.Active = false

	e := NewEngine(action.NewSimulatedExecutor(), action.NewLogNotifier(), nil)
	e.AddRule(rule)

	if fired := e.Check(context.Background(), "exec-1", criticalSignal(), time.Minute); fired != 0 {
		t.Errorf("inactive rule fired %d levels, want 0", fired)
	}
}

func TestEngine_ForgetAllowsRefire(t *testing.T) {
	e := NewEngine(action.NewSimulatedExecutor(), action.NewLogNotifier(), nil)
	e.AddRule(testRule())

	e.Check(context.Background(), "exec-1", criticalSignal(), time.Minute)
	e.Forget("exec-1")

	if fired := e.Check(context.Background(), "exec-1", criticalSignal(), time.Minute); fired != 2 {
		t.Errorf("Check() after Forget fired %d, want 2", fired)
	}
}
