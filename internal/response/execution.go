package response

import (
	"time"

	"signal-responder/internal/resource"
	"signal-responder/internal/schema"
)

// Status of one workflow invocation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is the mutable run record for one workflow invocation. The
// engine owns it exclusively until it reaches a terminal state; after that
// it is archived to history and never mutated again.
type Execution struct {
	ExecutionID   string         `json:"execution_id"`
	WorkflowID    string         `json:"workflow_id"`
	TriggerSignal *schema.Signal `json:"trigger_signal"`
	Status        Status         `json:"status"`

	CurrentStep    string   `json:"current_step,omitempty"`
	CompletedSteps []string `json:"completed_steps"`
	FailedSteps    []string `json:"failed_steps"`
	SkippedSteps   []string `json:"skipped_steps,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	TotalTime time.Duration `json:"total_time"`

	Results Results `json:"results"`

	Allocations *resource.AllocationResult `json:"-"`

	// Escalated is set once an escalation rule has fired for this
	// execution, guarding against double-escalation.
	Escalated bool `json:"escalated"`

	done   chan struct{}
	cancel func()
}

// Results aggregates the outcome of all steps.
type Results struct {
	Success bool              `json:"success"`
	Errors  []string          `json:"errors,omitempty"`
	Output  map[string]string `json:"output,omitempty"`
	Metrics Metrics           `json:"metrics"`
}

// Metrics summarizes a finished execution.
type Metrics struct {
	StepsExecuted       int                `json:"steps_executed"`
	StepsFailed         int                `json:"steps_failed"`
	AvgStepTime         time.Duration      `json:"avg_step_time"`
	ResourceUtilization map[string]float64 `json:"resource_utilization,omitempty"`
}

// Done returns a channel closed when the execution's background work has
// finished (terminal state reached and resources released).
func (e *Execution) Done() <-chan struct{} {
	return e.done
}
