// Package events provides the orchestrator's observability surface: a typed
// in-process event bus that embedding code subscribes to for logging,
// metrics, and UI updates, plus an optional Kafka sink.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Name identifies an event emitted by the orchestrator.
type Name string

const (
	Initialized              Name = "initialized"
	ExecutionStarted         Name = "executionStarted"
	ExecutionCompleted       Name = "executionCompleted"
	ExecutionFailed          Name = "executionFailed"
	ExecutionCancelled       Name = "executionCancelled"
	StepCompleted            Name = "stepCompleted"
	StepFailed               Name = "stepFailed"
	EscalationExecuted       Name = "escalationExecuted"
	WorkflowGenerated        Name = "workflowGenerated"
	WorkflowOptimized        Name = "workflowOptimized"
	WorkflowUpdated          Name = "workflowUpdated"
	AutomatedResponse        Name = "automatedResponseExecuted"
	PatternsDetected         Name = "patternsDetected"
	AnomaliesDetected        Name = "anomaliesDetected"
	PredictionsGenerated     Name = "predictionsGenerated"
	CorrelationsAnalyzed     Name = "correlationsAnalyzed"
	TrendsAnalyzed           Name = "trendsAnalyzed"
	RecommendationsGenerated Name = "recommendationsGenerated"
)

// Event is the envelope delivered to subscribers. Payload holds one of the
// payload structs below, keyed by Name.
type Event struct {
	Name      Name      `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ExecutionPayload accompanies execution lifecycle events.
type ExecutionPayload struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	SignalID    string `json:"signal_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StepPayload accompanies stepCompleted / stepFailed.
type StepPayload struct {
	ExecutionID string        `json:"execution_id"`
	StepID      string        `json:"step_id"`
	StepName    string        `json:"step_name"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// EscalationPayload accompanies escalationExecuted.
type EscalationPayload struct {
	ExecutionID string   `json:"execution_id"`
	RuleID      string   `json:"rule_id"`
	Level       string   `json:"level"`
	Actions     []string `json:"actions"`
	Channels    []string `json:"channels"`
}

// WorkflowPayload accompanies workflowGenerated / workflowOptimized / workflowUpdated.
type WorkflowPayload struct {
	WorkflowID string `json:"workflow_id"`
	TemplateID string `json:"template_id,omitempty"`
	SignalID   string `json:"signal_id,omitempty"`
	StepCount  int    `json:"step_count"`
}

// AnalysisPayload accompanies the intelligence analysis events.
type AnalysisPayload struct {
	ResultID   string  `json:"result_id"`
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine; a handler that panics is isolated and logged
// without affecting other handlers or the publishing operation.
type Handler func(Event)

// Bus is a typed publish/subscribe fan-out keyed by event name.
type Bus struct {
	mu       sync.RWMutex
	byName   map[Name][]Handler
	catchAll []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{byName: make(map[Name][]Handler)}
}

// Subscribe registers a handler for a single event name.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byName[name] = append(b.byName[name], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, h)
}

// Publish delivers an event to all matching handlers.
func (b *Bus) Publish(name Name, payload any) {
	ev := Event{Name: name, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byName[name])+len(b.catchAll))
	handlers = append(handlers, b.byName[name]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	for _, h := range handlers {
		safeInvoke(h, ev)
	}
}

func safeInvoke(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event handler panicked", "event", ev.Name, "panic", rec)
		}
	}()
	h(ev)
}
