// Package action defines the boundary between the orchestrator and the
// embedding application's side-effecting capabilities. The core treats each
// action as a named operation with an outcome and a duration, not a literal
// API call.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"
)

// Result describes the outcome of one capability call.
type Result struct {
	Action   workflow.ActionType `json:"action"`
	Output   string              `json:"output,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Executor invokes a concrete capability for an action type. The embedding
// application supplies the real implementation; the orchestrator only needs
// success/failure and a duration.
type Executor interface {
	Execute(ctx context.Context, action workflow.ActionType, sig *schema.Signal) (Result, error)
}

// Notifier delivers a rendered notification to one recipient on one channel.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, message string) error
}

// SimulatedExecutor is an in-process Executor with per-action latencies.
// It backs the demo daemon and tests; failures can be injected per action
// type.
type SimulatedExecutor struct {
	mu        sync.Mutex
	latencies map[workflow.ActionType]time.Duration
	failures  map[workflow.ActionType]error
	calls     []workflow.ActionType
}

// NewSimulatedExecutor creates an executor with the default latency table.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{
		latencies: map[workflow.ActionType]time.Duration{
			workflow.ActionImmediateResponse:     20 * time.Millisecond,
			workflow.ActionScheduleInspection:    10 * time.Millisecond,
			workflow.ActionScheduleMaintenance:   10 * time.Millisecond,
			workflow.ActionNotify:                5 * time.Millisecond,
			workflow.ActionUpdateConfig:          5 * time.Millisecond,
			workflow.ActionEnvironmentalResponse: 15 * time.Millisecond,
			workflow.ActionInvestigatePattern:    25 * time.Millisecond,
		},
		failures: make(map[workflow.ActionType]error),
	}
}

// SetLatency overrides the simulated latency for an action type.
func (e *SimulatedExecutor) SetLatency(a workflow.ActionType, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latencies[a] = d
}

// FailWith makes subsequent calls for the action type return err.
func (e *SimulatedExecutor) FailWith(a workflow.ActionType, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[a] = err
}

// Calls returns the actions executed so far, in call order.
func (e *SimulatedExecutor) Calls() []workflow.ActionType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]workflow.ActionType(nil), e.calls...)
}

// Execute simulates a capability call.
func (e *SimulatedExecutor) Execute(ctx context.Context, a workflow.ActionType, sig *schema.Signal) (Result, error) {
	e.mu.Lock()
	latency := e.latencies[a]
	injected := e.failures[a]
	e.calls = append(e.calls, a)
	e.mu.Unlock()

	start := time.Now()
	select {
	case <-ctx.Done():
		return Result{Action: a, Duration: time.Since(start)}, ctx.Err()
	case <-time.After(latency):
	}

	if injected != nil {
		return Result{Action: a, Duration: time.Since(start)}, injected
	}

	return Result{
		Action:   a,
		Output:   fmt.Sprintf("%s completed for signal %s", a, sig.ID),
		Duration: time.Since(start),
	}, nil
}

// LogNotifier is a Notifier that records deliveries via slog. Useful as a
// default until the embedding application wires real channels.
type LogNotifier struct {
	mu   sync.Mutex
	sent []Delivery
}

// Delivery records one notification handed to the notifier.
type Delivery struct {
	Channel   string
	Recipient string
	Message   string
}

// NewLogNotifier creates an empty LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify logs and records the delivery.
func (n *LogNotifier) Notify(ctx context.Context, channel, recipient, message string) error {
	n.mu.Lock()
	n.sent = append(n.sent, Delivery{Channel: channel, Recipient: recipient, Message: message})
	n.mu.Unlock()

	slog.Info("notification delivered", "channel", channel, "recipient", recipient)
	return nil
}

// Sent returns all recorded deliveries.
func (n *LogNotifier) Sent() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.sent...)
}
