// Package schema defines the canonical signal format for the response
// orchestrator. All inbound telemetry is normalized to this structure before
// classification and workflow matching.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Signal represents a single observed, classified event.
// Signals are immutable once created; they are produced by an external
// detection collaborator and handed to the orchestrator as-is.
type Signal struct {
	ID        uuid.UUID  `json:"id" validate:"required"`
	Type      SignalType `json:"type" validate:"required,signal_type"`
	Severity  Severity   `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Strength  float64    `json:"strength" validate:"min=0,max=100"`
	AssetID   string     `json:"asset_id,omitempty" validate:"max=256"`
	Timestamp time.Time  `json:"timestamp" validate:"required"`

	// Metadata carries collaborator-specific context that the core passes
	// through to actions and notifications untouched.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SignalType categorizes what a signal is reporting.
type SignalType string

const (
	SignalAssetCondition SignalType = "asset-condition"
	SignalMaintenance    SignalType = "maintenance"
	SignalEnvironmental  SignalType = "environmental"
	SignalEmergency      SignalType = "emergency"
	SignalPerformance    SignalType = "performance-degradation"
)

// IsValid checks if the signal type is a known value.
func (t SignalType) IsValid() bool {
	switch t {
	case SignalAssetCondition, SignalMaintenance, SignalEnvironmental,
		SignalEmergency, SignalPerformance:
		return true
	}
	return false
}

// Severity represents how serious a signal is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank returns a numeric ordering for severities, LOW=1 .. CRITICAL=4.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}
