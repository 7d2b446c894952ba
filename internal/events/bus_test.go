package events

import (
	"testing"
)

func TestBus_PublishToNamedSubscriber(t *testing.T) {
	b := NewBus()

	var got []Event
	b.Subscribe(ExecutionStarted, func(ev Event) {
		got = append(got, ev)
	})

	b.Publish(ExecutionStarted, ExecutionPayload{ExecutionID: "exec-1"})
	b.Publish(ExecutionCompleted, ExecutionPayload{ExecutionID: "exec-1"})

	if len(got) != 1 {
		t.Fatalf("named subscriber received %d events, want 1", len(got))
	}
	payload, ok := got[0].Payload.(ExecutionPayload)
	if !ok || payload.ExecutionID != "exec-1" {
		t.Errorf("unexpected payload: %#v", got[0].Payload)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("event timestamp should be set")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	b := NewBus()

	count := 0
	b.SubscribeAll(func(ev Event) { count++ })

	b.Publish(StepCompleted, StepPayload{StepID: "s1"})
	b.Publish(StepFailed, StepPayload{StepID: "s2"})
	b.Publish(EscalationExecuted, EscalationPayload{RuleID: "r1"})

	if count != 3 {
		t.Errorf("catch-all received %d events, want 3", count)
	}
}

func TestBus_PanickingHandlerIsolated(t *testing.T) {
	b := NewBus()

	fired := false
	b.Subscribe(ExecutionFailed, func(ev Event) {
		panic("handler bug")
	})
	b.Subscribe(ExecutionFailed, func(ev Event) {
		fired = true
	})

	b.Publish(ExecutionFailed, ExecutionPayload{ExecutionID: "exec-1"})

	if !fired {
		t.Error("second handler should fire despite first panicking")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	b := NewBus()
	// Publishing with no subscribers must not panic.
	b.Publish(Initialized, nil)
}
