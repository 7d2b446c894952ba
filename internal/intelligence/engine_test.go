package intelligence

import (
	"context"
	"testing"
	"time"

	"signal-responder/internal/events"
	"signal-responder/internal/schema"
	"signal-responder/internal/workflow"

	"github.com/google/uuid"
)

// noon keeps test signals clear of the off-hours and morning-peak windows.
var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func sig(t schema.SignalType, sev schema.Severity, strength float64, asset string, at time.Time) *schema.Signal {
	return &schema.Signal{
		ID:        uuid.New(),
		Type:      t,
		Severity:  sev,
		Strength:  strength,
		AssetID:   asset,
		Timestamp: at,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig(), events.NewBus())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return e
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.CorrelationThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("threshold 1.5 accepted, want error")
	}

	cfg = DefaultConfig()
	cfg.AnalysisWindow = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero analysis window accepted, want error")
	}
}

func TestAnalyze_Patterns(t *testing.T) {
	e := newTestEngine(t)

	morning := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	batch := []*schema.Signal{
		sig(schema.SignalAssetCondition, schema.SeverityLow, 40, "a1", morning),
		sig(schema.SignalEmergency, schema.SeverityCritical, 95, "a2", noon),
	}

	result, err := e.Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	names := make(map[string]bool)
	for _, p := range result.PatternRecognition.Patterns {
		names[p.Name] = true
	}
	for _, want := range []string{"morning-peak", "critical-event", "high-strength"} {
		if !names[want] {
			t.Errorf("pattern %q not detected, got %v", want, names)
		}
	}
}

func TestAnalyze_StrengthAnomaly(t *testing.T) {
	e := newTestEngine(t)

	// Seed 24h-trailing history averaging strength 40 for the same
	// type/asset pair.
	var history []*schema.Signal
	for i := 0; i < 4; i++ {
		history = append(history, sig(schema.SignalAssetCondition, schema.SeverityMedium, 40, "pump-1",
			noon.Add(-time.Duration(i+1)*time.Hour)))
	}
	if _, err := e.Analyze(context.Background(), history); err != nil {
		t.Fatalf("history Analyze() failed: %v", err)
	}

	// Strength 95 vs mean 40: deviation 55 -> HIGH, score 0.55.
	outlier := sig(schema.SignalAssetCondition, schema.SeverityMedium, 95, "pump-1", noon)
	result, err := e.Analyze(context.Background(), []*schema.Signal{outlier})
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	var found *Anomaly
	for i, a := range result.AnomalyDetection.Anomalies {
		if a.Kind == "strength" && a.SignalID == outlier.ID {
			found = &result.AnomalyDetection.Anomalies[i]
		}
	}
	if found == nil {
		t.Fatalf("no strength anomaly detected: %+v", result.AnomalyDetection)
	}
	if found.Severity != schema.SeverityHigh {
		t.Errorf("anomaly severity = %s, want HIGH for deviation 55", found.Severity)
	}
	if found.Score < 0.549 || found.Score > 0.551 {
		t.Errorf("anomaly score = %v, want 0.55", found.Score)
	}
}

func TestAnalyze_MediumDeviation(t *testing.T) {
	e := newTestEngine(t)

	batch := []*schema.Signal{
		sig(schema.SignalPerformance, schema.SeverityMedium, 50, "srv-1", noon.Add(-time.Hour)),
		sig(schema.SignalPerformance, schema.SeverityMedium, 50, "srv-1", noon.Add(-30*time.Minute)),
		sig(schema.SignalPerformance, schema.SeverityMedium, 85, "srv-1", noon),
	}
	result, err := e.Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	// 85 vs mean 50: deviation 35 -> MEDIUM, not HIGH.
	var strength []Anomaly
	for _, a := range result.AnomalyDetection.Anomalies {
		if a.Kind == "strength" {
			strength = append(strength, a)
		}
	}
	if len(strength) != 1 {
		t.Fatalf("strength anomalies = %d, want 1 (got %+v)", len(strength), result.AnomalyDetection.Anomalies)
	}
	if strength[0].Severity != schema.SeverityMedium {
		t.Errorf("severity = %s, want MEDIUM for deviation 35", strength[0].Severity)
	}
}

func TestAnalyze_TimingAnomaly(t *testing.T) {
	e := newTestEngine(t)

	late := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	result, err := e.Analyze(context.Background(), []*schema.Signal{
		sig(schema.SignalMaintenance, schema.SeverityLow, 20, "a1", late),
	})
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	if len(result.AnomalyDetection.Anomalies) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(result.AnomalyDetection.Anomalies))
	}
	a := result.AnomalyDetection.Anomalies[0]
	if a.Kind != "timing" || a.Severity != schema.SeverityMedium || a.Score != 0.6 {
		t.Errorf("timing anomaly = %+v, want MEDIUM kind=timing score=0.6", a)
	}
}

func TestAnalyze_Predictions(t *testing.T) {
	e := newTestEngine(t)

	batch := []*schema.Signal{
		sig(schema.SignalAssetCondition, schema.SeverityHigh, 70, "a1", noon),
		sig(schema.SignalMaintenance, schema.SeverityLow, 30, "a2", noon),
		sig(schema.SignalEnvironmental, schema.SeverityMedium, 55, "a3", noon),
		sig(schema.SignalEmergency, schema.SeverityCritical, 99, "a4", noon),
	}
	result, err := e.Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	// Emergency has no canned prediction; the other three do.
	if got := len(result.PredictiveAnalytics.Predictions); got != 3 {
		t.Fatalf("predictions = %d, want 3", got)
	}
	if result.PredictiveAnalytics.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8 (best prediction accuracy)", result.PredictiveAnalytics.Confidence)
	}
}

func TestAnalyze_Correlations(t *testing.T) {
	e := newTestEngine(t)

	// Same type + asset + severity, 10 minutes apart: coefficient
	// 0.4+0.3+0.2+~0.083, comfortably above the 0.7 threshold.
	a := sig(schema.SignalAssetCondition, schema.SeverityHigh, 60, "pump-1", noon)
	b := sig(schema.SignalAssetCondition, schema.SeverityHigh, 65, "pump-1", noon.Add(10*time.Minute))
	// Unrelated signal on a different asset.
	c := sig(schema.SignalMaintenance, schema.SeverityLow, 20, "other", noon.Add(6*time.Hour))

	result, err := e.Analyze(context.Background(), []*schema.Signal{a, b, c})
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	if len(result.CorrelationAnalysis.StrongCorrelations) != 1 {
		t.Fatalf("strong correlations = %d, want 1 (all: %+v)",
			len(result.CorrelationAnalysis.StrongCorrelations), result.CorrelationAnalysis.Correlations)
	}
	strong := result.CorrelationAnalysis.StrongCorrelations[0]
	if strong.Coefficient < 0.9 {
		t.Errorf("coefficient = %v, want > 0.9", strong.Coefficient)
	}
}

func TestAnalyze_Trends(t *testing.T) {
	e := newTestEngine(t)

	var batch []*schema.Signal
	// Increasing strength series for one type.
	for i, s := range []float64{20, 25, 60, 70} {
		batch = append(batch, sig(schema.SignalPerformance, schema.SeverityMedium, s, "a1",
			noon.Add(time.Duration(i)*time.Minute)))
	}
	result, err := e.Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	if len(result.TrendAnalysis.Trends) != 1 {
		t.Fatalf("trends = %d, want 1", len(result.TrendAnalysis.Trends))
	}
	trend := result.TrendAnalysis.Trends[0]
	if trend.Direction != TrendIncreasing {
		t.Errorf("direction = %s, want INCREASING (halves %v -> %v)",
			trend.Direction, trend.FirstHalfAvg, trend.SecondHalfAvg)
	}
	if result.TrendAnalysis.OverallDirection != TrendIncreasing {
		t.Errorf("overall = %s, want INCREASING", result.TrendAnalysis.OverallDirection)
	}
}

func TestAnalyze_Recommendations(t *testing.T) {
	e := newTestEngine(t)

	// Critical signal triggers patterns; off-hours timestamp triggers an
	// anomaly; asset-condition HIGH would add predictions, but keep the
	// batch to two contributing analyses for a checkable confidence.
	late := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	result, err := e.Analyze(context.Background(), []*schema.Signal{
		sig(schema.SignalEmergency, schema.SeverityCritical, 80, "a1", late),
	})
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	// Patterns (0.3) + anomalies (0.4).
	if got := result.Recommendations.Confidence; got < 0.699 || got > 0.701 {
		t.Errorf("confidence = %v, want 0.7", got)
	}

	actions := make(map[workflow.ActionType]bool)
	for _, a := range result.Recommendations.Actions {
		actions[a.Action] = true
	}
	if !actions[workflow.ActionInvestigatePattern] || !actions[workflow.ActionScheduleInspection] {
		t.Errorf("actions = %v, want pattern investigation and inspection", actions)
	}
	if result.Recommendations.Rationale == "" {
		t.Error("rationale is empty")
	}
}

func TestAnalyze_TogglesRespected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePatterns = false
	cfg.EnableAnomalies = false
	e, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	late := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	result, err := e.Analyze(context.Background(), []*schema.Signal{
		sig(schema.SignalEmergency, schema.SeverityCritical, 95, "a1", late),
	})
	if err != nil {
		t.Fatalf("Analyze() failed: %v", err)
	}

	if len(result.PatternRecognition.Patterns) != 0 {
		t.Error("patterns detected with analysis disabled")
	}
	if len(result.AnomalyDetection.Anomalies) != 0 {
		t.Error("anomalies detected with analysis disabled")
	}
}

func TestResults_AppendOnly(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < 3; i++ {
		if _, err := e.Analyze(context.Background(), []*schema.Signal{
			sig(schema.SignalMaintenance, schema.SeverityLow, 30, "a1", noon),
		}); err != nil {
			t.Fatalf("Analyze() #%d failed: %v", i, err)
		}
	}

	results := e.Results()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.ID] {
			t.Errorf("duplicate result id %s", r.ID)
		}
		seen[r.ID] = true
	}
}
