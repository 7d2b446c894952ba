// Package response implements the workflow execution engine: it matches
// signals to workflows, allocates resources, runs steps per execution mode,
// finalizes run records, and hands finished executions to the escalation
// engine.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"signal-responder/internal/action"
	"signal-responder/internal/escalation"
	"signal-responder/internal/events"
	"signal-responder/internal/resource"
	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"

	"github.com/google/uuid"
)

var (
	// ErrNotInitialized is returned when execution methods are called
	// before Initialize.
	ErrNotInitialized = errors.New("response engine not initialized")
	// ErrNoApplicableWorkflow is returned when no active workflow's
	// triggers match the signal.
	ErrNoApplicableWorkflow = errors.New("no applicable workflow for signal")
	// ErrTooManyExecutions is returned when the concurrent execution
	// limit is reached. Callers may retry later; the engine performs no
	// queuing of its own.
	ErrTooManyExecutions = errors.New("maximum concurrent executions reached")
	// ErrStepTimeout marks a step that lost the race against its
	// configured timeout.
	ErrStepTimeout = errors.New("step timed out")
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Config holds engine limits. Validated at Initialize; a misconfigured
// engine never becomes usable.
type Config struct {
	MaxConcurrent   int           `yaml:"max_concurrent" json:"max_concurrent"`
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"response_timeout"`
	HistoryLimit    int           `yaml:"history_limit" json:"history_limit"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   10,
		ResponseTimeout: 5 * time.Minute,
		HistoryLimit:    1000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("response_timeout must be positive, got %v", c.ResponseTimeout)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

// Engine executes response workflows. All state lives on the instance;
// multiple independent engines can coexist in one process.
type Engine struct {
	cfg        Config
	registry   *workflow.Registry
	pools      *resource.Manager
	escalation *escalation.Engine
	bus        *events.Bus
	executor   action.Executor
	notifier   action.Notifier

	mu          sync.RWMutex
	initialized bool
	shuttingDn  bool
	active      map[string]*Execution
	history     []*Execution

	wg sync.WaitGroup
}

// NewEngine wires an engine from its collaborators. Initialize must be
// called before executions are accepted.
func NewEngine(cfg Config, registry *workflow.Registry, pools *resource.Manager,
	esc *escalation.Engine, bus *events.Bus, executor action.Executor, notifier action.Notifier) *Engine {
	return &Engine{
		cfg:        cfg,
		registry:   registry,
		pools:      pools,
		escalation: esc,
		bus:        bus,
		executor:   executor,
		notifier:   notifier,
		active:     make(map[string]*Execution),
	}
}

// Initialize validates configuration and makes the engine usable.
func (e *Engine) Initialize() error {
	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	e.bus.Publish(events.Initialized, nil)
	slog.Info("response engine initialized",
		"max_concurrent", e.cfg.MaxConcurrent,
		"response_timeout", e.cfg.ResponseTimeout,
	)
	return nil
}

// ExecuteResponse matches the signal to a workflow, reserves resources, and
// starts the execution in the background. The call returns once the record
// is created and resources are allocated; its latency is bounded by the
// resource check and allocation, not the workflow runtime. Completion is
// observed via the returned Execution's Done channel or AwaitCompletion.
func (e *Engine) ExecuteResponse(ctx context.Context, sig *schema.Signal) (*Execution, error) {
	e.mu.RLock()
	initialized, shutting := e.initialized, e.shuttingDn
	activeCount := len(e.active)
	e.mu.RUnlock()

	if !initialized {
		return nil, ErrNotInitialized
	}
	if shutting {
		return nil, ErrShuttingDown
	}
	if activeCount >= e.cfg.MaxConcurrent {
		return nil, fmt.Errorf("%w: %d active", ErrTooManyExecutions, activeCount)
	}

	wf := e.registry.FindApplicable(sig)
	if wf == nil {
		return nil, fmt.Errorf("%w: type=%s severity=%s", ErrNoApplicableWorkflow, sig.Type, sig.Severity)
	}

	return e.Execute(ctx, sig, wf)
}

// Execute runs a specific workflow for a signal, bypassing registry
// matching. Used by the generator path where the workflow is a fresh
// signal-specific instance.
func (e *Engine) Execute(ctx context.Context, sig *schema.Signal, wf *workflow.ResponseWorkflow) (*Execution, error) {
	e.mu.RLock()
	initialized, shutting := e.initialized, e.shuttingDn
	e.mu.RUnlock()

	if !initialized {
		return nil, ErrNotInitialized
	}
	if shutting {
		return nil, ErrShuttingDown
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}

	required := wf.RequiredResourceTypes()
	if avail := e.pools.CheckAvailability(required); !avail.Available {
		return nil, fmt.Errorf("%w: %s", resource.ErrInsufficientResources, strings.Join(avail.Missing, ", "))
	}

	executionID := fmt.Sprintf("exec-%s", uuid.New())
	alloc, err := e.pools.Allocate(wf, executionID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &Execution{
		ExecutionID:   executionID,
		WorkflowID:    wf.ID,
		TriggerSignal: sig,
		Status:        StatusPending,
		StartTime:     time.Now(),
		Allocations:   alloc,
		Results:       Results{Output: make(map[string]string)},
		done:          make(chan struct{}),
		cancel:        cancel,
	}

	e.mu.Lock()
	if len(e.active) >= e.cfg.MaxConcurrent {
		e.mu.Unlock()
		cancel()
		e.pools.Release(executionID)
		return nil, fmt.Errorf("%w: %d active", ErrTooManyExecutions, len(e.active))
	}
	e.active[executionID] = exec
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, exec, wf)

	return exec, nil
}

// run drives an execution from PENDING to a terminal state.
func (e *Engine) run(ctx context.Context, exec *Execution, wf *workflow.ResponseWorkflow) {
	defer e.wg.Done()
	defer close(exec.done)
	defer exec.cancel()

	if !e.transition(exec, StatusRunning) {
		return // Cancelled before steps began.
	}

	e.bus.Publish(events.ExecutionStarted, events.ExecutionPayload{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		SignalID:    exec.TriggerSignal.ID.String(),
		Status:      string(StatusRunning),
	})
	slog.Info("execution started",
		"execution_id", exec.ExecutionID,
		"workflow_id", wf.ID,
		"mode", wf.Execution.Mode,
		"steps", len(wf.Steps),
	)

	if wf.Execution.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wf.Execution.OverallTimeout)
		defer cancel()
	}

	var aborted error
	switch wf.Execution.Mode {
	case workflow.ModeParallel:
		e.runParallel(ctx, exec, wf)
	case workflow.ModeConditional:
		e.runConditional(ctx, exec, wf)
	default:
		aborted = e.runSequential(ctx, exec, wf)
	}

	e.finalize(exec, aborted)
}

// transition moves an execution to the given status under the engine lock.
// Returns false if the execution has already reached a terminal state.
func (e *Engine) transition(exec *Execution, to Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.Status.IsTerminal() {
		return false
	}
	exec.Status = to
	return true
}

// finalize computes the terminal status and metrics, releases resources,
// archives the record, and runs the escalation check. Safe to call on the
// abort and error paths; a cancelled execution is left untouched.
func (e *Engine) finalize(exec *Execution, aborted error) {
	e.mu.Lock()
	if exec.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}

	exec.EndTime = time.Now()
	exec.TotalTime = exec.EndTime.Sub(exec.StartTime)
	exec.CurrentStep = ""

	completed := len(exec.CompletedSteps)
	failed := len(exec.FailedSteps)
	exec.Results.Metrics.StepsExecuted = completed
	exec.Results.Metrics.StepsFailed = failed
	if total := completed + failed; total > 0 {
		exec.Results.Metrics.AvgStepTime = exec.TotalTime / time.Duration(total)
	}
	exec.Results.Metrics.ResourceUtilization = e.pools.Utilization()

	switch {
	case aborted != nil:
		exec.Status = StatusFailed
		exec.Results.Success = false
	case completed == 0 && failed > 0:
		exec.Status = StatusFailed
		exec.Results.Success = false
	default:
		// Partial success counts as COMPLETED.
		exec.Status = StatusCompleted
		exec.Results.Success = true
	}
	e.mu.Unlock()

	e.pools.Release(exec.ExecutionID)
	e.archive(exec)

	if exec.Status == StatusCompleted {
		e.bus.Publish(events.ExecutionCompleted, events.ExecutionPayload{
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			SignalID:    exec.TriggerSignal.ID.String(),
			Status:      string(exec.Status),
		})
	} else {
		e.bus.Publish(events.ExecutionFailed, events.ExecutionPayload{
			ExecutionID: exec.ExecutionID,
			WorkflowID:  exec.WorkflowID,
			SignalID:    exec.TriggerSignal.ID.String(),
			Status:      string(exec.Status),
			Error:       strings.Join(exec.Results.Errors, "; "),
		})
	}

	slog.Info("execution finalized",
		"execution_id", exec.ExecutionID,
		"status", exec.Status,
		"completed_steps", len(exec.CompletedSteps),
		"failed_steps", len(exec.FailedSteps),
		"total_time", exec.TotalTime,
	)

	if fired := e.escalation.Check(context.Background(), exec.ExecutionID, exec.TriggerSignal, exec.TotalTime); fired > 0 {
		e.mu.Lock()
		exec.Escalated = true
		e.mu.Unlock()
	}
}

// archive moves an execution from the active map to the bounded history.
func (e *Engine) archive(exec *Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.active, exec.ExecutionID)
	e.history = append(e.history, exec)
	for len(e.history) > e.cfg.HistoryLimit {
		evicted := e.history[0]
		e.history = e.history[1:]
		e.escalation.Forget(evicted.ExecutionID)
	}
}

// CancelExecution force-transitions a PENDING or RUNNING execution to
// CANCELLED, releases its resources, and archives it. An in-flight step's
// action call is not interrupted; only the bookkeeping stops waiting on it.
func (e *Engine) CancelExecution(executionID string) error {
	e.mu.Lock()
	exec, ok := e.active[executionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if exec.Status.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("execution %s already %s", executionID, exec.Status)
	}
	exec.Status = StatusCancelled
	exec.EndTime = time.Now()
	exec.TotalTime = exec.EndTime.Sub(exec.StartTime)
	exec.Results.Success = false
	e.mu.Unlock()

	exec.cancel()
	e.pools.Release(executionID)
	e.archive(exec)

	e.bus.Publish(events.ExecutionCancelled, events.ExecutionPayload{
		ExecutionID: executionID,
		WorkflowID:  exec.WorkflowID,
		SignalID:    exec.TriggerSignal.ID.String(),
		Status:      string(StatusCancelled),
	})
	slog.Info("execution cancelled", "execution_id", executionID)
	return nil
}

// AwaitCompletion blocks until the execution's background work finishes and
// returns the final record.
func (e *Engine) AwaitCompletion(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := e.GetExecution(executionID)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-exec.done:
		return exec, nil
	}
}

// GetExecution looks up an execution in the active map or history.
func (e *Engine) GetExecution(executionID string) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if exec, ok := e.active[executionID]; ok {
		return exec, nil
	}
	for _, exec := range e.history {
		if exec.ExecutionID == executionID {
			return exec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
}

// History returns the archived executions, oldest first.
func (e *Engine) History() []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Execution(nil), e.history...)
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return map[string]any{
		"active_executions": len(e.active),
		"history_size":      len(e.history),
		"max_concurrent":    e.cfg.MaxConcurrent,
		"initialized":       e.initialized,
	}
}

// Shutdown cancels every active execution, waits for their goroutines, and
// hard-resets all resource pools.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shuttingDn = true
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.CancelExecution(id); err != nil && !errors.Is(err, ErrExecutionNotFound) {
			slog.Warn("failed to cancel execution during shutdown", "execution_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	e.pools.ReleaseAll()
	slog.Info("response engine stopped")
	return nil
}
