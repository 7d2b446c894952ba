// Package escalation holds rule-driven escalation: when an execution takes
// longer than a rule's configured delay for its signal class, the rule's
// levels fire in order, running extra actions and notifying extra channels.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signal-responder/internal/action"
	"signal-responder/internal/events"
	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"
)

// Rule maps a signal class and elapsed-time threshold to ordered levels.
type Rule struct {
	ID       string   `json:"id" yaml:"id"`
	Active   bool     `json:"active" yaml:"active"`
	Triggers Triggers `json:"triggers" yaml:"triggers"`
	Levels   []Level  `json:"levels" yaml:"levels"`
}

// Triggers scope a rule to signal types, severities, and an elapsed-time
// threshold.
type Triggers struct {
	SignalTypes []schema.SignalType `json:"signal_types" yaml:"signal_types"`
	Severities  []schema.Severity   `json:"severities" yaml:"severities"`
	Delay       time.Duration       `json:"delay" yaml:"delay"`
}

// Level is one escalation step: actions to run and channels to notify.
type Level struct {
	Name     string   `json:"name" yaml:"name"`
	Actions  []string `json:"actions" yaml:"actions"`
	Channels []string `json:"channels" yaml:"channels"`
}

// Matches reports whether the rule applies to a signal.
func (r *Rule) Matches(sig *schema.Signal) bool {
	if !r.Active {
		return false
	}
	typeOK := false
	for _, t := range r.Triggers.SignalTypes {
		if t == sig.Type {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	for _, s := range r.Triggers.Severities {
		if s == sig.Severity {
			return true
		}
	}
	return false
}

// Engine evaluates escalation rules against finalized executions.
type Engine struct {
	mu       sync.RWMutex
	rules    []*Rule
	executor action.Executor
	notifier action.Notifier
	bus      *events.Bus

	// fired guards against double-escalation if a check is ever invoked
	// more than once for the same execution and rule.
	fired map[string]map[string]bool // executionID -> ruleID -> fired
}

// NewEngine creates an escalation engine.
func NewEngine(executor action.Executor, notifier action.Notifier, bus *events.Bus) *Engine {
	return &Engine{
		executor: executor,
		notifier: notifier,
		bus:      bus,
		fired:    make(map[string]map[string]bool),
	}
}

// AddRule registers an escalation rule.
func (e *Engine) AddRule(rule *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	slog.Info("escalation rule registered", "rule_id", rule.ID, "levels", len(rule.Levels))
}

// Rules returns the registered rules.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Rule(nil), e.rules...)
}

// Check evaluates every active rule against a finalized execution. For each
// matching rule whose delay has been exceeded, every configured level fires
// in order, exactly once per execution and rule. Returns how many levels
// fired.
func (e *Engine) Check(ctx context.Context, executionID string, sig *schema.Signal, totalTime time.Duration) int {
	e.mu.RLock()
	rules := append([]*Rule(nil), e.rules...)
	e.mu.RUnlock()

	fired := 0
	for _, rule := range rules {
		if !rule.Matches(sig) {
			continue
		}
		if totalTime <= rule.Triggers.Delay {
			continue
		}
		if e.markFired(executionID, rule.ID) {
			continue // Already escalated for this rule.
		}

		slog.Warn("escalating execution",
			"execution_id", executionID,
			"rule_id", rule.ID,
			"total_time", totalTime,
			"delay", rule.Triggers.Delay,
		)

		for _, level := range rule.Levels {
			e.executeLevel(ctx, executionID, sig, rule, level)
			fired++
		}
	}
	return fired
}

// markFired records that a rule has escalated for an execution. Returns true
// if it had already fired.
func (e *Engine) markFired(executionID, ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.fired[executionID]
	if !ok {
		m = make(map[string]bool)
		e.fired[executionID] = m
	}
	if m[ruleID] {
		return true
	}
	m[ruleID] = true
	return false
}

// Forget drops idempotency tracking for an execution. Called when the
// execution record is evicted from history.
func (e *Engine) Forget(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fired, executionID)
}

// Trigger executes one escalation level inline on behalf of an ESCALATION
// workflow step. The first active rule matching the signal is used; the
// level is picked by name, falling back to the rule's first level.
func (e *Engine) Trigger(ctx context.Context, executionID string, sig *schema.Signal, levelName string) error {
	e.mu.RLock()
	rules := append([]*Rule(nil), e.rules...)
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Matches(sig) {
			continue
		}
		if len(rule.Levels) == 0 {
			continue
		}
		level := rule.Levels[0]
		for _, l := range rule.Levels {
			if l.Name == levelName {
				level = l
				break
			}
		}
		e.executeLevel(ctx, executionID, sig, rule, level)
		return nil
	}
	return fmt.Errorf("no escalation rule matches signal %s (%s %s)", sig.ID, sig.Type, sig.Severity)
}

func (e *Engine) executeLevel(ctx context.Context, executionID string, sig *schema.Signal, rule *Rule, level Level) {
	for _, act := range level.Actions {
		if _, err := e.executor.Execute(ctx, workflow.ActionType(act), sig); err != nil {
			slog.Error("escalation action failed",
				"execution_id", executionID,
				"rule_id", rule.ID,
				"level", level.Name,
				"action", act,
				"error", err,
			)
		}
	}

	message := fmt.Sprintf("escalation %s/%s for signal %s (%s %s)",
		rule.ID, level.Name, sig.ID, sig.Type, sig.Severity)
	for _, ch := range level.Channels {
		if err := e.notifier.Notify(ctx, ch, "escalation", message); err != nil {
			slog.Error("escalation notification failed",
				"execution_id", executionID,
				"channel", ch,
				"error", err,
			)
		}
	}

	if e.bus != nil {
		e.bus.Publish(events.EscalationExecuted, events.EscalationPayload{
			ExecutionID: executionID,
			RuleID:      rule.ID,
			Level:       level.Name,
			Actions:     level.Actions,
			Channels:    level.Channels,
		})
	}
}
