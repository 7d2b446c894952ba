package workflow

import (
	"testing"
	"time"

	"signal-responder/internal/schema"

	"github.com/google/uuid"
)

func testWorkflow(id string) *ResponseWorkflow {
	return &ResponseWorkflow{
		ID:   id,
		Name: "Test Workflow",
		Triggers: TriggerConditions{
			SignalTypes: []schema.SignalType{schema.SignalEmergency},
			Severities:  []schema.Severity{schema.SeverityCritical, schema.SeverityHigh},
		},
		Steps: []Step{
			{
				ID:    "step-1",
				Name:  "Respond",
				Type:  StepAction,
				Order: 1,
				Config: StepConfig{
					Action: ActionImmediateResponse,
				},
				RequiredResources: []string{"inspector"},
			},
			{
				ID:    "step-2",
				Name:  "Notify",
				Type:  StepNotification,
				Order: 2,
				Config: StepConfig{
					Notification: &NotificationConfig{
						Recipients: []string{"ops"},
						Template:   "emergency detected on {assetId}",
						Channels:   []string{"email"},
					},
				},
			},
		},
		Execution: ExecutionConfig{
			Mode:           ModeSequential,
			StepTimeout:    10 * time.Second,
			OverallTimeout: time.Minute,
		},
		Active: true,
	}
}

func TestResponseWorkflow_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*ResponseWorkflow)
		problems int
	}{
		{
			name:     "valid workflow",
			mutate:   func(w *ResponseWorkflow) {},
			problems: 0,
		},
		{
			name: "missing id and name",
			mutate: func(w *ResponseWorkflow) {
				w.ID = ""
				w.Name = ""
			},
			problems: 2,
		},
		{
			name: "no steps",
			mutate: func(w *ResponseWorkflow) {
				w.Steps = nil
			},
			problems: 1,
		},
		{
			name: "action step without action",
			mutate: func(w *ResponseWorkflow) {
				w.Steps[0].Config.Action = ""
			},
			problems: 1,
		},
		{
			name: "condition step without condition",
			mutate: func(w *ResponseWorkflow) {
				w.Steps[0] = Step{ID: "step-1", Type: StepCondition}
			},
			problems: 1,
		},
		{
			name: "dependency outside workflow",
			mutate: func(w *ResponseWorkflow) {
				w.Steps[1].Dependencies = []string{"step-99"}
			},
			problems: 1,
		},
		{
			name: "unknown execution mode",
			mutate: func(w *ResponseWorkflow) {
				w.Execution.Mode = "ROUND_ROBIN"
			},
			problems: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := testWorkflow("wf-validate")
			tt.mutate(wf)
			err := wf.Validate()
			if tt.problems == 0 {
				if err != nil {
					t.Fatalf("expected valid workflow, got %v", err)
				}
				return
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if len(verr.Problems) != tt.problems {
				t.Errorf("got %d problems %v, want %d", len(verr.Problems), verr.Problems, tt.problems)
			}
		})
	}
}

func TestTriggerConditions_Matches(t *testing.T) {
	sig := &schema.Signal{
		ID:        uuid.New(),
		Type:      schema.SignalEmergency,
		Severity:  schema.SeverityCritical,
		AssetID:   "asset-1",
		Timestamp: time.Now(),
	}

	tests := []struct {
		name     string
		triggers TriggerConditions
		want     bool
	}{
		{
			name: "type and severity match",
			triggers: TriggerConditions{
				SignalTypes: []schema.SignalType{schema.SignalEmergency},
				Severities:  []schema.Severity{schema.SeverityCritical},
			},
			want: true,
		},
		{
			name: "type mismatch",
			triggers: TriggerConditions{
				SignalTypes: []schema.SignalType{schema.SignalMaintenance},
				Severities:  []schema.Severity{schema.SeverityCritical},
			},
			want: false,
		},
		{
			name: "severity mismatch",
			triggers: TriggerConditions{
				SignalTypes: []schema.SignalType{schema.SignalEmergency},
				Severities:  []schema.Severity{schema.SeverityLow},
			},
			want: false,
		},
		{
			name: "asset filter match",
			triggers: TriggerConditions{
				SignalTypes: []schema.SignalType{schema.SignalEmergency},
				Severities:  []schema.Severity{schema.SeverityCritical},
				AssetFilter: []string{"asset-1", "asset-2"},
			},
			want: true,
		},
		{
			name: "asset filter mismatch",
			triggers: TriggerConditions{
				SignalTypes: []schema.SignalType{schema.SignalEmergency},
				Severities:  []schema.Severity{schema.SeverityCritical},
				AssetFilter: []string{"asset-9"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.triggers.Matches(sig); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkflow_Clone(t *testing.T) {
	wf := testWorkflow("wf-clone")
	cp := wf.Clone()

	cp.Steps[1].Config.Notification.Channels[0] = "sms"
	cp.Triggers.SignalTypes[0] = schema.SignalMaintenance

	if wf.Steps[1].Config.Notification.Channels[0] != "email" {
		t.Error("clone shares notification config with original")
	}
	if wf.Triggers.SignalTypes[0] != schema.SignalEmergency {
		t.Error("clone shares trigger slices with original")
	}
}

func TestWorkflow_RequiredResourceTypes(t *testing.T) {
	wf := testWorkflow("wf-resources")
	wf.Steps[1].RequiredResources = []string{"notification-service", "inspector"}

	types := wf.RequiredResourceTypes()
	want := []string{"inspector", "notification-service"}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("got %v, want %v", types, want)
			break
		}
	}
}
