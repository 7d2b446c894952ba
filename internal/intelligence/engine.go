// Package intelligence analyzes signal batches for patterns, anomalies,
// predictions, correlations, and trends, and recommends response actions
// that can feed back into workflow generation or direct execution.
package intelligence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"signal-responder/internal/events"
	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"

	"github.com/google/uuid"
)

// Config toggles the five analyses and sets their windows and thresholds.
type Config struct {
	EnablePatterns     bool `yaml:"enable_patterns" json:"enable_patterns"`
	EnableAnomalies    bool `yaml:"enable_anomalies" json:"enable_anomalies"`
	EnablePredictions  bool `yaml:"enable_predictions" json:"enable_predictions"`
	EnableCorrelations bool `yaml:"enable_correlations" json:"enable_correlations"`
	EnableTrends       bool `yaml:"enable_trends" json:"enable_trends"`

	// AnalysisWindow bounds how far back history is consulted for anomaly
	// and correlation analysis.
	AnalysisWindow time.Duration `yaml:"analysis_window" json:"analysis_window"`

	// CorrelationThreshold is the coefficient at or above which a pairwise
	// correlation counts as strong. Must be in [0, 1].
	CorrelationThreshold float64 `yaml:"correlation_threshold" json:"correlation_threshold"`
}

// DefaultConfig enables every analysis with a 24h window.
func DefaultConfig() Config {
	return Config{
		EnablePatterns:       true,
		EnableAnomalies:      true,
		EnablePredictions:    true,
		EnableCorrelations:   true,
		EnableTrends:         true,
		AnalysisWindow:       24 * time.Hour,
		CorrelationThreshold: 0.7,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.AnalysisWindow <= 0 {
		return fmt.Errorf("analysis_window must be positive, got %v", c.AnalysisWindow)
	}
	if c.CorrelationThreshold < 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("correlation_threshold must be in [0,1], got %v", c.CorrelationThreshold)
	}
	return nil
}

// Pattern is one recognized signal pattern.
type Pattern struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	SignalIDs   []uuid.UUID `json:"signal_ids"`
}

// Anomaly flags one signal that deviates from its history.
type Anomaly struct {
	SignalID    uuid.UUID       `json:"signal_id"`
	Kind        string          `json:"kind"` // "strength" or "timing"
	Severity    schema.Severity `json:"severity"`
	Score       float64         `json:"score"`
	Description string          `json:"description"`
}

// Prediction is a type-specific forecast derived from a signal.
type Prediction struct {
	SignalID uuid.UUID     `json:"signal_id"`
	Outcome  string        `json:"outcome"`
	Earliest time.Duration `json:"earliest"`
	Latest   time.Duration `json:"latest"`
	Accuracy float64       `json:"accuracy"`
}

// Correlation scores the relatedness of a signal pair.
type Correlation struct {
	SignalA     uuid.UUID `json:"signal_a"`
	SignalB     uuid.UUID `json:"signal_b"`
	Coefficient float64   `json:"coefficient"`
}

// TrendDirection classifies how a signal type's strength is moving.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "INCREASING"
	TrendDecreasing TrendDirection = "DECREASING"
	TrendStable     TrendDirection = "STABLE"
	TrendMixed      TrendDirection = "MIXED"
)

// Trend compares the first and second half of a type's strength series.
type Trend struct {
	SignalType    schema.SignalType `json:"signal_type"`
	Direction     TrendDirection    `json:"direction"`
	FirstHalfAvg  float64           `json:"first_half_avg"`
	SecondHalfAvg float64           `json:"second_half_avg"`
}

// RecommendedAction is one suggested response derived from the analyses.
type RecommendedAction struct {
	Action   workflow.ActionType `json:"action"`
	Reason   string              `json:"reason"`
	Priority schema.Severity     `json:"priority"`
}

// Result is the aggregate output of one analysis run. Results are
// append-only history on the engine.
type Result struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Duration     time.Duration `json:"duration"`
	InputSignals int           `json:"input_signals"`

	PatternRecognition  PatternResult     `json:"pattern_recognition"`
	AnomalyDetection    AnomalyResult     `json:"anomaly_detection"`
	PredictiveAnalytics PredictionResult  `json:"predictive_analytics"`
	CorrelationAnalysis CorrelationResult `json:"correlation_analysis"`
	TrendAnalysis       TrendResult       `json:"trend_analysis"`
	Recommendations     Recommendations   `json:"recommendations"`
}

type PatternResult struct {
	Patterns   []Pattern `json:"patterns"`
	Confidence float64   `json:"confidence"`
}

type AnomalyResult struct {
	Anomalies []Anomaly `json:"anomalies"`
	Score     float64   `json:"score"`
}

type PredictionResult struct {
	Predictions []Prediction `json:"predictions"`
	Confidence  float64      `json:"confidence"`
}

type CorrelationResult struct {
	Correlations       []Correlation `json:"correlations"`
	StrongCorrelations []Correlation `json:"strong_correlations"`
}

type TrendResult struct {
	Trends           []Trend        `json:"trends"`
	OverallDirection TrendDirection `json:"overall_direction"`
}

type Recommendations struct {
	Actions    []RecommendedAction `json:"actions"`
	Confidence float64             `json:"confidence"`
	Rationale  string              `json:"rationale"`
}

// Engine runs the configured analyses over signal batches. Analyzed signals
// accumulate as history for anomaly and correlation lookback.
type Engine struct {
	cfg Config
	bus *events.Bus

	mu      sync.RWMutex
	history []*schema.Signal
	results []*Result
}

// NewEngine creates an intelligence engine. The config must validate.
func NewEngine(cfg Config, bus *events.Bus) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid intelligence config: %w", err)
	}
	return &Engine{cfg: cfg, bus: bus}, nil
}

// Analyze runs every enabled analysis over the batch and records the result.
func (e *Engine) Analyze(ctx context.Context, signals []*schema.Signal) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{
		ID:           fmt.Sprintf("analysis-%s", uuid.New()),
		Timestamp:    start,
		InputSignals: len(signals),
	}

	// Window lookback is anchored to signal time, not wall-clock time, so
	// replayed or backdated batches still see their history.
	ref := start
	for _, s := range signals {
		if s.Timestamp.After(ref) || ref == start {
			ref = s.Timestamp
		}
	}

	e.mu.RLock()
	recent := e.recentHistoryLocked(ref)
	e.mu.RUnlock()

	if e.cfg.EnablePatterns {
		result.PatternRecognition = e.detectPatterns(signals)
		e.publishAnalysis(events.PatternsDetected, result.ID,
			len(result.PatternRecognition.Patterns), result.PatternRecognition.Confidence)
	}
	if e.cfg.EnableAnomalies {
		result.AnomalyDetection = e.detectAnomalies(signals, recent)
		e.publishAnalysis(events.AnomaliesDetected, result.ID,
			len(result.AnomalyDetection.Anomalies), result.AnomalyDetection.Score)
	}
	if e.cfg.EnablePredictions {
		result.PredictiveAnalytics = e.predict(signals)
		e.publishAnalysis(events.PredictionsGenerated, result.ID,
			len(result.PredictiveAnalytics.Predictions), result.PredictiveAnalytics.Confidence)
	}
	if e.cfg.EnableCorrelations {
		result.CorrelationAnalysis = e.correlate(signals, recent)
		e.publishAnalysis(events.CorrelationsAnalyzed, result.ID,
			len(result.CorrelationAnalysis.Correlations), 0)
	}
	if e.cfg.EnableTrends {
		result.TrendAnalysis = e.analyzeTrends(signals, recent)
		e.publishAnalysis(events.TrendsAnalyzed, result.ID, len(result.TrendAnalysis.Trends), 0)
	}

	result.Recommendations = e.recommend(result)
	if len(result.Recommendations.Actions) > 0 {
		e.publishAnalysis(events.RecommendationsGenerated, result.ID,
			len(result.Recommendations.Actions), result.Recommendations.Confidence)
	}

	result.Duration = time.Since(start)

	e.mu.Lock()
	e.history = append(e.history, signals...)
	e.pruneHistoryLocked(ref)
	e.results = append(e.results, result)
	e.mu.Unlock()

	slog.Info("signal batch analyzed",
		"result_id", result.ID,
		"signals", len(signals),
		"patterns", len(result.PatternRecognition.Patterns),
		"anomalies", len(result.AnomalyDetection.Anomalies),
		"duration", result.Duration,
	)
	return result, nil
}

// Results returns the append-only analysis history, oldest first.
func (e *Engine) Results() []*Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Result(nil), e.results...)
}

// recentHistoryLocked returns history within the analysis window of now.
func (e *Engine) recentHistoryLocked(now time.Time) []*schema.Signal {
	cutoff := now.Add(-e.cfg.AnalysisWindow)
	var recent []*schema.Signal
	for _, s := range e.history {
		if s.Timestamp.After(cutoff) {
			recent = append(recent, s)
		}
	}
	return recent
}

// pruneHistoryLocked drops history older than twice the analysis window so
// the lookback buffer cannot grow without bound.
func (e *Engine) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-2 * e.cfg.AnalysisWindow)
	kept := e.history[:0]
	for _, s := range e.history {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.history = kept
}

func (e *Engine) detectPatterns(signals []*schema.Signal) PatternResult {
	var morning, critical, strong []uuid.UUID
	for _, s := range signals {
		if h := s.Timestamp.Hour(); h >= 6 && h < 8 {
			morning = append(morning, s.ID)
		}
		if s.Severity == schema.SeverityCritical {
			critical = append(critical, s.ID)
		}
		if s.Strength > 90 {
			strong = append(strong, s.ID)
		}
	}

	var patterns []Pattern
	if len(morning) > 0 {
		patterns = append(patterns, Pattern{
			Name:        "morning-peak",
			Description: "signals clustered in the 06:00-08:00 window",
			Confidence:  0.7,
			SignalIDs:   morning,
		})
	}
	if len(critical) > 0 {
		patterns = append(patterns, Pattern{
			Name:        "critical-event",
			Description: "critical severity signals present",
			Confidence:  0.8,
			SignalIDs:   critical,
		})
	}
	if len(strong) > 0 {
		patterns = append(patterns, Pattern{
			Name:        "high-strength",
			Description: "signal strength above 90",
			Confidence:  0.75,
			SignalIDs:   strong,
		})
	}

	confidence := 0.0
	for _, p := range patterns {
		if p.Confidence > confidence {
			confidence = p.Confidence
		}
	}
	return PatternResult{Patterns: patterns, Confidence: confidence}
}

func (e *Engine) detectAnomalies(signals, recent []*schema.Signal) AnomalyResult {
	var anomalies []Anomaly

	for _, s := range signals {
		// Baseline: same-type same-asset signals in the trailing window,
		// from both recorded history and the rest of this batch.
		var sum float64
		var n int
		cutoff := s.Timestamp.Add(-e.cfg.AnalysisWindow)
		for _, peers := range [][]*schema.Signal{recent, signals} {
			for _, p := range peers {
				if p.ID == s.ID || p.Type != s.Type || p.AssetID != s.AssetID {
					continue
				}
				if p.Timestamp.Before(cutoff) || p.Timestamp.After(s.Timestamp) {
					continue
				}
				sum += p.Strength
				n++
			}
		}

		if n > 0 {
			mean := sum / float64(n)
			deviation := math.Abs(s.Strength - mean)
			if deviation > 30 {
				severity := schema.SeverityMedium
				if deviation > 50 {
					severity = schema.SeverityHigh
				}
				anomalies = append(anomalies, Anomaly{
					SignalID: s.ID,
					Kind:     "strength",
					Severity: severity,
					Score:    math.Min(1, deviation/100),
					Description: fmt.Sprintf("strength %.1f deviates %.1f from %.1f mean of %d peers",
						s.Strength, deviation, mean, n),
				})
			}
		}

		if h := s.Timestamp.Hour(); h >= 22 || h < 5 {
			anomalies = append(anomalies, Anomaly{
				SignalID:    s.ID,
				Kind:        "timing",
				Severity:    schema.SeverityMedium,
				Score:       0.6,
				Description: fmt.Sprintf("signal observed off-hours at %02d:00", h),
			})
		}
	}

	score := 0.0
	for _, a := range anomalies {
		if a.Score > score {
			score = a.Score
		}
	}
	return AnomalyResult{Anomalies: anomalies, Score: score}
}

func (e *Engine) predict(signals []*schema.Signal) PredictionResult {
	var predictions []Prediction
	for _, s := range signals {
		switch {
		case s.Type == schema.SignalAssetCondition && s.Severity == schema.SeverityHigh:
			predictions = append(predictions, Prediction{
				SignalID: s.ID,
				Outcome:  "asset failure likely",
				Earliest: 24 * time.Hour,
				Latest:   48 * time.Hour,
				Accuracy: 0.75,
			})
		case s.Type == schema.SignalMaintenance:
			predictions = append(predictions, Prediction{
				SignalID: s.ID,
				Outcome:  "maintenance required",
				Earliest: 0,
				Latest:   72 * time.Hour,
				Accuracy: 0.8,
			})
		case s.Type == schema.SignalEnvironmental:
			predictions = append(predictions, Prediction{
				SignalID: s.ID,
				Outcome:  "environmental impact expected",
				Earliest: 12 * time.Hour,
				Latest:   24 * time.Hour,
				Accuracy: 0.65,
			})
		}
	}

	confidence := 0.0
	for _, p := range predictions {
		if p.Accuracy > confidence {
			confidence = p.Accuracy
		}
	}
	return PredictionResult{Predictions: predictions, Confidence: confidence}
}

func (e *Engine) correlate(signals, recent []*schema.Signal) CorrelationResult {
	pool := append(append([]*schema.Signal(nil), signals...), recent...)

	var result CorrelationResult
	for i := 0; i < len(signals); i++ {
		for j := 0; j < len(pool); j++ {
			a, b := signals[i], pool[j]
			if a.ID == b.ID {
				continue
			}
			// Each pair once: batch-internal pairs only in one direction.
			if j < len(signals) && j <= i {
				continue
			}

			coeff := pairCoefficient(a, b)
			if coeff <= 0 {
				continue
			}
			c := Correlation{SignalA: a.ID, SignalB: b.ID, Coefficient: coeff}
			result.Correlations = append(result.Correlations, c)
			if coeff >= e.cfg.CorrelationThreshold {
				result.StrongCorrelations = append(result.StrongCorrelations, c)
			}
		}
	}
	return result
}

// pairCoefficient scores signal relatedness: same type 0.4, same asset 0.3,
// same severity 0.2, plus up to 0.1 scaled by time proximity within 1 hour.
func pairCoefficient(a, b *schema.Signal) float64 {
	coeff := 0.0
	if a.Type == b.Type {
		coeff += 0.4
	}
	if a.AssetID != "" && a.AssetID == b.AssetID {
		coeff += 0.3
	}
	if a.Severity == b.Severity {
		coeff += 0.2
	}
	if gap := a.Timestamp.Sub(b.Timestamp).Abs(); gap < time.Hour {
		coeff += 0.1 * (1 - float64(gap)/float64(time.Hour))
	}
	return coeff
}

func (e *Engine) analyzeTrends(signals, recent []*schema.Signal) TrendResult {
	byType := make(map[schema.SignalType][]*schema.Signal)
	for _, s := range append(append([]*schema.Signal(nil), recent...), signals...) {
		byType[s.Type] = append(byType[s.Type], s)
	}

	types := make([]schema.SignalType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var trends []Trend
	counts := map[TrendDirection]int{}
	for _, t := range types {
		series := byType[t]
		if len(series) < 2 {
			continue
		}
		sort.Slice(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})

		mid := len(series) / 2
		firstAvg := meanStrength(series[:mid])
		secondAvg := meanStrength(series[mid:])

		direction := TrendStable
		switch delta := secondAvg - firstAvg; {
		case delta > 5:
			direction = TrendIncreasing
		case delta < -5:
			direction = TrendDecreasing
		}

		trends = append(trends, Trend{
			SignalType:    t,
			Direction:     direction,
			FirstHalfAvg:  firstAvg,
			SecondHalfAvg: secondAvg,
		})
		counts[direction]++
	}

	overall := TrendMixed
	best := 0
	tied := false
	for _, dir := range []TrendDirection{TrendIncreasing, TrendDecreasing, TrendStable} {
		switch c := counts[dir]; {
		case c > best:
			overall, best, tied = dir, c, false
		case c == best && c > 0:
			tied = true
		}
	}
	if tied || best == 0 {
		overall = TrendMixed
	}
	return TrendResult{Trends: trends, OverallDirection: overall}
}

func meanStrength(signals []*schema.Signal) float64 {
	if len(signals) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range signals {
		sum += s.Strength
	}
	return sum / float64(len(signals))
}

// recommend derives actions from whichever analyses found something.
// Confidence weights: patterns 0.3, anomalies 0.4, predictions 0.2, strong
// correlations 0.1, capped at 1.0.
func (e *Engine) recommend(r *Result) Recommendations {
	var rec Recommendations
	var reasons []string

	if len(r.PatternRecognition.Patterns) > 0 {
		rec.Confidence += 0.3
		reasons = append(reasons, fmt.Sprintf("%d patterns", len(r.PatternRecognition.Patterns)))
		rec.Actions = append(rec.Actions, RecommendedAction{
			Action:   workflow.ActionInvestigatePattern,
			Reason:   "recognized signal patterns warrant investigation",
			Priority: schema.SeverityMedium,
		})
	}
	if len(r.AnomalyDetection.Anomalies) > 0 {
		rec.Confidence += 0.4
		reasons = append(reasons, fmt.Sprintf("%d anomalies", len(r.AnomalyDetection.Anomalies)))
		priority := schema.SeverityMedium
		for _, a := range r.AnomalyDetection.Anomalies {
			if a.Severity == schema.SeverityHigh {
				priority = schema.SeverityHigh
				break
			}
		}
		rec.Actions = append(rec.Actions, RecommendedAction{
			Action:   workflow.ActionScheduleInspection,
			Reason:   "anomalous signals need inspection",
			Priority: priority,
		})
	}
	if len(r.PredictiveAnalytics.Predictions) > 0 {
		rec.Confidence += 0.2
		reasons = append(reasons, fmt.Sprintf("%d predictions", len(r.PredictiveAnalytics.Predictions)))
		rec.Actions = append(rec.Actions, RecommendedAction{
			Action:   workflow.ActionScheduleMaintenance,
			Reason:   "predicted outcomes call for preemptive maintenance",
			Priority: schema.SeverityMedium,
		})
	}
	if len(r.CorrelationAnalysis.StrongCorrelations) > 0 {
		rec.Confidence += 0.1
		reasons = append(reasons, fmt.Sprintf("%d strong correlations", len(r.CorrelationAnalysis.StrongCorrelations)))
		rec.Actions = append(rec.Actions, RecommendedAction{
			Action:   workflow.ActionNotify,
			Reason:   "strongly correlated signals suggest a shared cause",
			Priority: schema.SeverityMedium,
		})
	}

	if rec.Confidence > 1.0 {
		rec.Confidence = 1.0
	}
	rec.Rationale = strings.Join(reasons, ", ")
	return rec
}

func (e *Engine) publishAnalysis(name events.Name, resultID string, count int, confidence float64) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(name, events.AnalysisPayload{
		ResultID:   resultID,
		Count:      count,
		Confidence: confidence,
	})
}
