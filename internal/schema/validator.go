package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// signalTypePattern defines the valid format for signal type strings.
// Types must be lowercase, start with a letter, and use hyphens as separators.
// Examples: "asset-condition", "performance-degradation"
var signalTypePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z][a-z0-9]*)*$`)

// Validator handles validation of signals against the canonical schema.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("signal_type", func(fl validator.FieldLevel) bool {
		return signalTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a signal against the canonical schema.
// Returns an error if validation fails.
func (v *Validator) Validate(sig *Signal) error {
	if err := v.validate.Struct(sig); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !sig.Type.IsValid() {
		return fmt.Errorf("unknown signal type: %s", sig.Type)
	}

	now := time.Now().UTC()

	if sig.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if sig.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", sig.Timestamp, v.maxAge)
	}

	if sig.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", sig.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateSignalType checks if a type string matches the required format.
func ValidateSignalType(t string) bool {
	return signalTypePattern.MatchString(t)
}
