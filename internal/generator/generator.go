// Package generator produces signal-specific workflow instances from
// reusable templates: it scores templates against a signal, clones and
// customizes the winner, and optimizes the result before execution.
package generator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"signal-responder/internal/events"
	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"
)

// Stats tracks a template's historical performance. Updated after each run
// of a workflow generated from the template.
type Stats struct {
	Runs             int           `json:"runs"`
	SuccessRate      float64       `json:"success_rate"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	ErrorRate        float64       `json:"error_rate"`
}

// Template pairs a reusable workflow definition with its history.
type Template struct {
	Workflow *workflow.ResponseWorkflow `json:"workflow"`
	Stats    Stats                      `json:"stats"`
}

// Generator scores, customizes, and optimizes workflow templates.
type Generator struct {
	mu        sync.RWMutex
	templates map[string]*Template
	order     []string
	bus       *events.Bus
}

// New creates an empty generator.
func New(bus *events.Bus) *Generator {
	return &Generator{
		templates: make(map[string]*Template),
		bus:       bus,
	}
}

// AddTemplate registers a reusable template. Re-adding an id replaces the
// entry but keeps its position in the scoring order.
func (g *Generator) AddTemplate(wf *workflow.ResponseWorkflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.templates[wf.ID]; !exists {
		g.order = append(g.order, wf.ID)
	}
	cp := wf.Clone()
	cp.Reusable = true
	g.templates[wf.ID] = &Template{Workflow: cp}

	slog.Info("workflow template registered", "template_id", wf.ID, "steps", len(wf.Steps))
	return nil
}

// Template returns a registered template by id.
func (g *Generator) Template(id string) (*Template, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.templates[id]
	return t, ok
}

// RecordOutcome folds one finished execution into the template's stats.
func (g *Generator) RecordOutcome(templateID string, success bool, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.templates[templateID]
	if !ok {
		return
	}

	n := float64(t.Stats.Runs)
	succ := t.Stats.SuccessRate * n
	if success {
		succ++
	}
	total := t.Stats.AvgExecutionTime*time.Duration(t.Stats.Runs) + duration

	t.Stats.Runs++
	t.Stats.SuccessRate = succ / float64(t.Stats.Runs)
	t.Stats.ErrorRate = 1 - t.Stats.SuccessRate
	t.Stats.AvgExecutionTime = total / time.Duration(t.Stats.Runs)
}

// Score rates how well a template matches a signal.
func Score(t *Template, sig *schema.Signal) float64 {
	score := 0.0
	tr := t.Workflow.Triggers

	for _, st := range tr.SignalTypes {
		if st == sig.Type {
			score += 0.4
			break
		}
	}
	for _, sev := range tr.Severities {
		if sev == sig.Severity {
			score += 0.3
			break
		}
	}
	if len(tr.AssetFilter) == 0 {
		score += 0.2
	} else {
		for _, a := range tr.AssetFilter {
			if a == sig.AssetID {
				score += 0.2
				break
			}
		}
	}
	if t.Stats.SuccessRate > 0.8 {
		score += 0.1
	}
	return score
}

// FindBestTemplate returns the highest-scoring active template for the
// signal. Ties resolve to registration order: a later template must score
// strictly higher to take the lead. Returns nil if nothing scores above zero.
func (g *Generator) FindBestTemplate(sig *schema.Signal) (*Template, float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Template
	bestScore := 0.0
	for _, id := range g.order {
		t := g.templates[id]
		if !t.Workflow.Active {
			continue
		}
		if s := Score(t, sig); s > bestScore {
			best, bestScore = t, s
		}
	}
	return best, bestScore
}

// Generate produces a ready-to-run workflow for the signal: best template,
// cloned and customized, then optimized. Returns nil when no template
// matches or customization fails; callers treat that as "no workflow
// generated", not a hard error.
func (g *Generator) Generate(sig *schema.Signal) (wf *workflow.ResponseWorkflow) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("workflow generation panicked", "signal_id", sig.ID, "panic", rec)
			wf = nil
		}
	}()

	best, score := g.FindBestTemplate(sig)
	if best == nil {
		slog.Debug("no template matched signal", "signal_id", sig.ID, "type", sig.Type)
		return nil
	}

	wf = g.customize(best, sig)

	if g.bus != nil {
		g.bus.Publish(events.WorkflowGenerated, events.WorkflowPayload{
			WorkflowID: wf.ID,
			TemplateID: best.Workflow.ID,
			SignalID:   sig.ID.String(),
			StepCount:  len(wf.Steps),
		})
	}
	slog.Info("workflow generated",
		"workflow_id", wf.ID,
		"template_id", best.Workflow.ID,
		"score", score,
	)

	wf = g.Optimize(wf, best.Stats)
	return wf
}

// customize clones a template into a signal-specific instance: fresh id,
// triggers narrowed to exactly this signal, notification templates rendered,
// actions tightened by severity, escalation levels derived from severity.
func (g *Generator) customize(t *Template, sig *schema.Signal) *workflow.ResponseWorkflow {
	wf := t.Workflow.Clone()

	now := time.Now()
	wf.ID = fmt.Sprintf("workflow-%s-%d", sig.ID, now.UnixMilli())
	wf.Name = fmt.Sprintf("%s (auto: %s)", t.Workflow.Name, sig.Type)
	wf.Reusable = false
	wf.CreatedAt = now
	wf.UpdatedAt = now

	wf.Triggers = workflow.TriggerConditions{
		SignalTypes: []schema.SignalType{sig.Type},
		Severities:  []schema.Severity{sig.Severity},
	}
	if sig.AssetID != "" {
		wf.Triggers.AssetFilter = []string{sig.AssetID}
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		switch step.Type {
		case workflow.StepNotification:
			if step.Config.Notification != nil {
				step.Config.Notification.Template = schema.RenderTemplate(step.Config.Notification.Template, sig)
			}
		case workflow.StepAction:
			if sig.Severity == schema.SeverityCritical && step.Config.Action != workflow.ActionImmediateResponse {
				step.Config.Action = workflow.ActionImmediateResponse
			}
		case workflow.StepEscalation:
			step.Config.EscalationLevel = escalationLevelFor(sig.Severity)
		}
	}

	return wf
}

func escalationLevelFor(sev schema.Severity) string {
	switch sev {
	case schema.SeverityCritical, schema.SeverityHigh, schema.SeverityLow:
		return string(sev)
	default:
		return string(schema.SeverityMedium)
	}
}

// Optimize tightens a generated workflow: duplicate actions removed (first
// occurrence kept), immediate-response steps sorted first, delays clamped,
// and timeout/retry adjusted from the template's history. On any internal
// failure the input workflow is returned unoptimized.
func (g *Generator) Optimize(wf *workflow.ResponseWorkflow, stats Stats) (out *workflow.ResponseWorkflow) {
	out = wf
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("workflow optimization panicked, using unoptimized workflow",
				"workflow_id", wf.ID, "panic", rec)
			out = wf
		}
	}()

	opt := wf.Clone()

	seen := make(map[workflow.ActionType]bool)
	steps := opt.Steps[:0]
	for _, s := range opt.Steps {
		if s.Type == workflow.StepAction {
			if seen[s.Config.Action] {
				continue
			}
			seen[s.Config.Action] = true
		}
		steps = append(steps, s)
	}
	opt.Steps = steps

	sort.SliceStable(opt.Steps, func(i, j int) bool {
		a, b := opt.Steps[i], opt.Steps[j]
		ai := a.Type == workflow.StepAction && a.Config.Action == workflow.ActionImmediateResponse
		bi := b.Type == workflow.StepAction && b.Config.Action == workflow.ActionImmediateResponse
		if ai != bi {
			return ai
		}
		return a.Order < b.Order
	})

	const maxDelay = 10 * time.Second
	for i := range opt.Steps {
		if opt.Steps[i].Type == workflow.StepDelay && opt.Steps[i].Config.Delay > maxDelay {
			opt.Steps[i].Config.Delay = maxDelay
		}
	}

	if stats.AvgExecutionTime > 0 {
		target := 2 * stats.AvgExecutionTime
		if target < time.Minute {
			target = time.Minute
		}
		if opt.Execution.OverallTimeout < target {
			opt.Execution.OverallTimeout = target
		}
	}
	if stats.ErrorRate > 0.10 && opt.Execution.Retry.MaxRetries < 5 {
		opt.Execution.Retry.MaxRetries++
	}

	if g != nil && g.bus != nil {
		g.bus.Publish(events.WorkflowOptimized, events.WorkflowPayload{
			WorkflowID: opt.ID,
			StepCount:  len(opt.Steps),
		})
	}
	return opt
}
