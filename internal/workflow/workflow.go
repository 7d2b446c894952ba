// Package workflow defines response workflow templates and runtime instances,
// and the registry that holds them.
package workflow

import (
	"fmt"
	"time"

	"signal-responder/internal/schema"
)

// ExecutionMode controls how a workflow's steps are run.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "SEQUENTIAL"
	ModeParallel    ExecutionMode = "PARALLEL"
	ModeConditional ExecutionMode = "CONDITIONAL"
)

// StepType represents the kind of work a step performs.
type StepType string

const (
	StepAction       StepType = "ACTION"
	StepCondition    StepType = "CONDITION"
	StepDelay        StepType = "DELAY"
	StepNotification StepType = "NOTIFICATION"
	StepEscalation   StepType = "ESCALATION"
)

// ActionType identifies a concrete capability call the embedding
// application must implement.
type ActionType string

const (
	ActionImmediateResponse     ActionType = "IMMEDIATE_RESPONSE"
	ActionScheduleInspection    ActionType = "SCHEDULE_INSPECTION"
	ActionScheduleMaintenance   ActionType = "SCHEDULE_MAINTENANCE"
	ActionNotify                ActionType = "NOTIFY"
	ActionUpdateConfig          ActionType = "UPDATE_CONFIG"
	ActionEnvironmentalResponse ActionType = "ENVIRONMENTAL_RESPONSE"
	ActionInvestigatePattern    ActionType = "INVESTIGATE_PATTERN"
)

// ResponseWorkflow is a reusable execution plan. Templates and generated
// runtime instances share this shape; templates are marked Reusable,
// instances are signal-specific clones.
type ResponseWorkflow struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers    TriggerConditions `json:"triggers" yaml:"triggers"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Execution   ExecutionConfig   `json:"execution" yaml:"execution"`
	Priority    int               `json:"priority" yaml:"priority"`
	Active      bool              `json:"active" yaml:"active"`
	Reusable    bool              `json:"reusable" yaml:"reusable"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at"`
}

// TriggerConditions describe which signals a workflow applies to.
type TriggerConditions struct {
	SignalTypes []schema.SignalType `json:"signal_types" yaml:"signal_types"`
	Severities  []schema.Severity   `json:"severities" yaml:"severities"`
	// AssetFilter limits the workflow to specific assets. Empty = all assets.
	AssetFilter []string `json:"asset_filter,omitempty" yaml:"asset_filter,omitempty"`
	// Conditions carries extra free-form predicates evaluated by steps.
	Conditions map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Matches reports whether a signal satisfies these trigger conditions.
func (tc TriggerConditions) Matches(sig *schema.Signal) bool {
	if !containsType(tc.SignalTypes, sig.Type) {
		return false
	}
	if !containsSeverity(tc.Severities, sig.Severity) {
		return false
	}
	if len(tc.AssetFilter) > 0 {
		matched := false
		for _, a := range tc.AssetFilter {
			if a == sig.AssetID {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ExecutionConfig controls how steps are scheduled.
type ExecutionConfig struct {
	Mode           ExecutionMode `json:"mode" yaml:"mode"`
	StepTimeout    time.Duration `json:"step_timeout" yaml:"step_timeout"`
	OverallTimeout time.Duration `json:"overall_timeout" yaml:"overall_timeout"`
	Retry          RetryPolicy   `json:"retry" yaml:"retry"`
}

// RetryPolicy controls per-step retry behavior.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Delay      time.Duration `json:"delay" yaml:"delay"`
}

// Step is a single unit of work within a workflow.
type Step struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Type        StepType   `json:"type" yaml:"type"`
	Config      StepConfig `json:"config" yaml:"config"`

	// Dependencies lists step ids that must complete before this step.
	// They must reference steps within the same workflow.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Order is the sequencing key used when dependencies don't fully
	// determine ordering.
	Order int `json:"order" yaml:"order"`

	// RequiredResources names the resource pool types this step consumes.
	RequiredResources []string `json:"required_resources,omitempty" yaml:"required_resources,omitempty"`

	SuccessCriteria *SuccessCriteria `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
}

// StepConfig is the variant payload matching the step type. Exactly the
// fields relevant to the type are populated.
type StepConfig struct {
	// ACTION
	Action ActionType `json:"action,omitempty" yaml:"action,omitempty"`

	// CONDITION
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// DELAY
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// NOTIFICATION
	Notification *NotificationConfig `json:"notification,omitempty" yaml:"notification,omitempty"`

	// ESCALATION
	EscalationLevel string `json:"escalation_level,omitempty" yaml:"escalation_level,omitempty"`
}

// NotificationConfig describes a notification fan-out.
type NotificationConfig struct {
	Recipients []string `json:"recipients" yaml:"recipients"`
	Template   string   `json:"template" yaml:"template"`
	Channels   []string `json:"channels" yaml:"channels"`
}

// SuccessCriteria names the expected outcome and validation rules for a step.
type SuccessCriteria struct {
	ExpectedOutcome string   `json:"expected_outcome" yaml:"expected_outcome"`
	ValidationRules []string `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
}

// Validate checks the workflow for structural errors. All problems are
// aggregated so callers can report every issue at once.
func (w *ResponseWorkflow) Validate() error {
	var errs []string

	if w.ID == "" {
		errs = append(errs, "workflow id is required")
	}
	if w.Name == "" {
		errs = append(errs, "workflow name is required")
	}
	if len(w.Steps) == 0 {
		errs = append(errs, "workflow must have at least one step")
	}

	switch w.Execution.Mode {
	case ModeSequential, ModeParallel, ModeConditional:
	default:
		errs = append(errs, fmt.Sprintf("unknown execution mode: %q", w.Execution.Mode))
	}

	stepIDs := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID != "" {
			stepIDs[s.ID] = true
		}
	}

	for i, s := range w.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("step %d: id is required", i))
		}
		switch s.Type {
		case StepAction:
			if s.Config.Action == "" {
				errs = append(errs, fmt.Sprintf("step %s: action step requires an action", s.ID))
			}
		case StepCondition:
			if s.Config.Condition == "" {
				errs = append(errs, fmt.Sprintf("step %s: condition step requires a condition", s.ID))
			}
		case StepDelay:
			if s.Config.Delay <= 0 {
				errs = append(errs, fmt.Sprintf("step %s: delay step requires a positive delay", s.ID))
			}
		case StepNotification:
			if s.Config.Notification == nil || len(s.Config.Notification.Channels) == 0 {
				errs = append(errs, fmt.Sprintf("step %s: notification step requires channels", s.ID))
			}
		case StepEscalation:
		default:
			errs = append(errs, fmt.Sprintf("step %s: unknown step type: %q", s.ID, s.Type))
		}

		for _, dep := range s.Dependencies {
			if !stepIDs[dep] {
				errs = append(errs, fmt.Sprintf("step %s: dependency %q not found in workflow", s.ID, dep))
			}
			if dep == s.ID {
				errs = append(errs, fmt.Sprintf("step %s: depends on itself", s.ID))
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

// ValidationError aggregates all structural problems found in a workflow.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %d problem(s): %v", len(e.Problems), e.Problems)
}

// RequiredResourceTypes returns the union of all steps' required resource
// types, in first-seen order.
func (w *ResponseWorkflow) RequiredResourceTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, s := range w.Steps {
		for _, r := range s.RequiredResources {
			if !seen[r] {
				seen[r] = true
				types = append(types, r)
			}
		}
	}
	return types
}

// Clone returns a deep copy of the workflow.
func (w *ResponseWorkflow) Clone() *ResponseWorkflow {
	cp := *w

	cp.Triggers.SignalTypes = append([]schema.SignalType(nil), w.Triggers.SignalTypes...)
	cp.Triggers.Severities = append([]schema.Severity(nil), w.Triggers.Severities...)
	cp.Triggers.AssetFilter = append([]string(nil), w.Triggers.AssetFilter...)
	if w.Triggers.Conditions != nil {
		cp.Triggers.Conditions = make(map[string]string, len(w.Triggers.Conditions))
		for k, v := range w.Triggers.Conditions {
			cp.Triggers.Conditions[k] = v
		}
	}

	cp.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		sc := s
		sc.Dependencies = append([]string(nil), s.Dependencies...)
		sc.RequiredResources = append([]string(nil), s.RequiredResources...)
		if s.Config.Notification != nil {
			n := *s.Config.Notification
			n.Recipients = append([]string(nil), s.Config.Notification.Recipients...)
			n.Channels = append([]string(nil), s.Config.Notification.Channels...)
			sc.Config.Notification = &n
		}
		if s.SuccessCriteria != nil {
			c := *s.SuccessCriteria
			c.ValidationRules = append([]string(nil), s.SuccessCriteria.ValidationRules...)
			sc.SuccessCriteria = &c
		}
		cp.Steps[i] = sc
	}

	return &cp
}

func containsType(list []schema.SignalType, t schema.SignalType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(list []schema.Severity, s schema.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
