package response

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"signal-responder/internal/events"
	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"
)

// runSequential executes steps one at a time in order. A step failure is
// recorded but does not stop the workflow unless the failed step is an
// IMMEDIATE_RESPONSE action: those represent safety-critical work where
// partial completion is unacceptable, so the whole execution aborts.
func (e *Engine) runSequential(ctx context.Context, exec *Execution, wf *workflow.ResponseWorkflow) error {
	steps := sortedSteps(wf.Steps)

	for i := range steps {
		step := &steps[i]

		e.mu.Lock()
		if exec.Status.IsTerminal() {
			e.mu.Unlock()
			return nil
		}
		exec.CurrentStep = step.ID
		e.mu.Unlock()

		err := e.runStep(ctx, exec, wf, step)
		e.recordStep(exec, step, err)

		if err != nil && step.Type == workflow.StepAction && step.Config.Action == workflow.ActionImmediateResponse {
			return fmt.Errorf("immediate response step %s failed: %w", step.ID, err)
		}
	}
	return nil
}

// runParallel launches all steps concurrently and waits for every one to
// settle; each step's outcome is recorded independently.
func (e *Engine) runParallel(ctx context.Context, exec *Execution, wf *workflow.ResponseWorkflow) {
	var wg sync.WaitGroup
	for i := range wf.Steps {
		step := &wf.Steps[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.runStep(ctx, exec, wf, step)
			e.recordStep(exec, step, err)
		}()
	}
	wg.Wait()
}

// runConditional evaluates steps in order; a step whose precondition is not
// met is skipped, not failed, and execution proceeds to the next step.
func (e *Engine) runConditional(ctx context.Context, exec *Execution, wf *workflow.ResponseWorkflow) {
	steps := sortedSteps(wf.Steps)

	for i := range steps {
		step := &steps[i]

		e.mu.Lock()
		if exec.Status.IsTerminal() {
			e.mu.Unlock()
			return
		}
		exec.CurrentStep = step.ID
		e.mu.Unlock()

		if cond := step.Config.Condition; cond != "" && step.Type != workflow.StepCondition {
			met, err := evaluateCondition(cond, exec.TriggerSignal)
			if err != nil || !met {
				e.mu.Lock()
				exec.SkippedSteps = append(exec.SkippedSteps, step.ID)
				e.mu.Unlock()
				slog.Debug("step skipped", "execution_id", exec.ExecutionID, "step_id", step.ID, "condition", cond)
				continue
			}
		}

		err := e.runStep(ctx, exec, wf, step)
		e.recordStep(exec, step, err)
	}
}

// runStep dispatches one step with the configured timeout raced against the
// step body. On timeout the body's underlying action keeps running in the
// background; only the bookkeeping stops waiting on it.
func (e *Engine) runStep(ctx context.Context, exec *Execution, wf *workflow.ResponseWorkflow, step *workflow.Step) error {
	body := func(ctx context.Context) error {
		return e.stepBody(ctx, exec, wf, step)
	}

	timeout := wf.Execution.StepTimeout
	if timeout <= 0 {
		return body(ctx)
	}

	result := make(chan error, 1)
	go func() {
		result <- body(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%w: step %s after %v", ErrStepTimeout, step.ID, timeout)
	}
}

// stepBody executes a step by type, applying the workflow retry policy to
// action and notification steps.
func (e *Engine) stepBody(ctx context.Context, exec *Execution, wf *workflow.ResponseWorkflow, step *workflow.Step) error {
	sig := exec.TriggerSignal

	switch step.Type {
	case workflow.StepAction:
		return e.withRetry(ctx, wf.Execution.Retry, func() error {
			result, err := e.executor.Execute(ctx, step.Config.Action, sig)
			if err != nil {
				return err
			}
			e.mu.Lock()
			if !exec.Status.IsTerminal() {
				exec.Results.Output[step.ID] = result.Output
			}
			e.mu.Unlock()
			return nil
		})

	case workflow.StepCondition:
		met, err := evaluateCondition(step.Config.Condition, sig)
		if err != nil {
			return err
		}
		if !met {
			return fmt.Errorf("condition not met: %s", step.Config.Condition)
		}
		return nil

	case workflow.StepDelay:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.Config.Delay):
			return nil
		}

	case workflow.StepNotification:
		return e.withRetry(ctx, wf.Execution.Retry, func() error {
			return e.notify(ctx, step.Config.Notification, sig)
		})

	case workflow.StepEscalation:
		return e.escalation.Trigger(ctx, exec.ExecutionID, sig, step.Config.EscalationLevel)

	default:
		return fmt.Errorf("unknown step type: %s", step.Type)
	}
}

// notify fans a rendered message out to all recipients across all channels.
// Individual delivery failures are collected; the step fails only if at
// least one delivery failed.
func (e *Engine) notify(ctx context.Context, cfg *workflow.NotificationConfig, sig *schema.Signal) error {
	message := schema.RenderTemplate(cfg.Template, sig)

	var failures []string
	for _, ch := range cfg.Channels {
		for _, recipient := range cfg.Recipients {
			if err := e.notifier.Notify(ctx, ch, recipient, message); err != nil {
				failures = append(failures, fmt.Sprintf("%s/%s: %v", ch, recipient, err))
			}
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("notification failures: %s", strings.Join(failures, "; "))
	}
	return nil
}

// withRetry runs fn with the workflow's retry policy.
func (e *Engine) withRetry(ctx context.Context, policy workflow.RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// recordStep updates the execution record and emits a step event. A record
// that already reached a terminal state (cancellation archives it while a
// step is still in flight) is never mutated; the late result is dropped.
func (e *Engine) recordStep(exec *Execution, step *workflow.Step, err error) {
	e.mu.Lock()
	if exec.Status.IsTerminal() {
		e.mu.Unlock()
		slog.Debug("dropping step result for terminal execution",
			"execution_id", exec.ExecutionID, "step_id", step.ID)
		return
	}
	if err != nil {
		exec.FailedSteps = append(exec.FailedSteps, step.ID)
		exec.Results.Errors = append(exec.Results.Errors, fmt.Sprintf("%s: %v", step.ID, err))
	} else {
		exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
	}
	e.mu.Unlock()

	if err != nil {
		e.bus.Publish(events.StepFailed, events.StepPayload{
			ExecutionID: exec.ExecutionID,
			StepID:      step.ID,
			StepName:    step.Name,
			Error:       err.Error(),
		})
		slog.Warn("step failed", "execution_id", exec.ExecutionID, "step_id", step.ID, "error", err)
		return
	}
	e.bus.Publish(events.StepCompleted, events.StepPayload{
		ExecutionID: exec.ExecutionID,
		StepID:      step.ID,
		StepName:    step.Name,
	})
}

// sortedSteps returns the steps ordered by their sequencing key. The sort is
// stable so equal-order steps keep their declared order.
func sortedSteps(steps []workflow.Step) []workflow.Step {
	sorted := append([]workflow.Step(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

// evaluateCondition evaluates a simple "field op value" predicate against a
// signal. Supported fields: severity (rank-compared), strength, type, asset.
// The empty expression and "always" are true.
func evaluateCondition(expr string, sig *schema.Signal) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "always" {
		return true, nil
	}

	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return false, fmt.Errorf("invalid condition: %q", expr)
	}
	field, op, value := fields[0], fields[1], fields[2]

	switch field {
	case "severity":
		want := schema.Severity(value)
		if !want.IsValid() {
			return false, fmt.Errorf("invalid severity in condition: %q", value)
		}
		return compareInt(sig.Severity.Rank(), op, want.Rank())
	case "strength":
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false, fmt.Errorf("invalid strength in condition: %q", value)
		}
		return compareFloat(sig.Strength, op, threshold)
	case "type":
		return compareString(string(sig.Type), op, value)
	case "asset":
		return compareString(sig.AssetID, op, value)
	default:
		return false, fmt.Errorf("unknown condition field: %q", field)
	}
}

func compareInt(a int, op string, b int) (bool, error) {
	return compareFloat(float64(a), op, float64(b))
}

func compareFloat(a float64, op string, b float64) (bool, error) {
	switch op {
	case "==", "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	default:
		return false, fmt.Errorf("unknown operator: %q", op)
	}
}

func compareString(a, op, b string) (bool, error) {
	switch op {
	case "==", "=":
		return a == b, nil
	case "!=":
		return a != b, nil
	default:
		return false, fmt.Errorf("operator %q not valid for strings", op)
	}
}
