package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator handles validation of pipeline payloads.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxFuture bounds how far in the future firstSeen may be. Zero disables
	// the check.
	MaxFuture time.Duration `yaml:"max_future"`
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
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

	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateIncident validates an incident payload.
func (v *Validator) ValidateIncident(inc *Incident) error {
	if err := v.validate.Struct(inc); err != nil {
		return fmt.Errorf("incident validation failed: %w", err)
	}

	if v.maxFuture > 0 && !inc.FirstSeen.IsZero() {
		if inc.FirstSeen.After(time.Now().UTC().Add(v.maxFuture)) {
			return fmt.Errorf("firstSeen in future: %v (max future: %v)", inc.FirstSeen, v.maxFuture)
		}
	}

	if !inc.LastSeen.IsZero() && inc.LastSeen.Before(inc.FirstSeen) {
		return fmt.Errorf("lastSeen %v precedes firstSeen %v", inc.LastSeen, inc.FirstSeen)
	}

	return nil
}

// ValidateAlert validates an alert payload, including its incident.
func (v *Validator) ValidateAlert(alert *Alert) error {
	if err := v.ValidateIncident(&alert.Incident); err != nil {
		return err
	}
	if alert.Rule == "" {
		return fmt.Errorf("alert rule is required")
	}
	if alert.RuleSeverity != "" && !alert.RuleSeverity.IsValid() {
		return fmt.Errorf("invalid rule severity %q", alert.RuleSeverity)
	}
	return nil
}

// ValidateStruct runs tag validation on any struct.
func (v *Validator) ValidateStruct(s any) error {
	return v.validate.Struct(s)
}
