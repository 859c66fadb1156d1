// Package rules holds detection rules and the matching algorithm that turns
// incidents into alerts.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

// ErrInvalidRule is returned when a rule definition fails validation.
var ErrInvalidRule = errors.New("rules: invalid rule")

// Condition is a rule's predicate. Empty fields do not filter.
type Condition struct {
	// Vector must equal the incident's vector exactly.
	Vector string `json:"vector,omitempty" yaml:"vector,omitempty"`
	// Severity is the minimum incident severity.
	Severity schema.Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Rule is a detection rule.
type Rule struct {
	Name     string          `json:"name" yaml:"name"`
	If       Condition       `json:"if" yaml:"if"`
	Actions  []string        `json:"actions" yaml:"actions"`
	Severity schema.Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Matches reports whether the rule applies to inc.
func (r Rule) Matches(inc *schema.Incident) bool {
	if r.If.Vector != "" && r.If.Vector != inc.Vector {
		return false
	}
	if r.If.Severity != "" && !inc.Severity.AtLeast(r.If.Severity) {
		return false
	}
	return true
}

// Descriptors parses the rule's actions.
func (r Rule) Descriptors() []action.Descriptor {
	return action.ParseAll(r.Actions)
}

// Validate checks a single rule definition.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.If.Severity != "" && !r.If.Severity.IsValid() {
		return fmt.Errorf("%w: rule %q: unknown minimum severity %q", ErrInvalidRule, r.Name, r.If.Severity)
	}
	if r.Severity != "" && !r.Severity.IsValid() {
		return fmt.Errorf("%w: rule %q: unknown severity override %q", ErrInvalidRule, r.Name, r.Severity)
	}
	return nil
}

// Warnings lists non-fatal problems, such as action descriptors that will
// fail at dispatch time.
func (r Rule) Warnings() []string {
	var out []string
	if len(r.Actions) == 0 {
		out = append(out, fmt.Sprintf("rule %q has no actions", r.Name))
	}
	for _, d := range r.Descriptors() {
		if !d.Valid() {
			out = append(out, fmt.Sprintf("rule %q: %v", r.Name, d.Err()))
		}
	}
	return out
}

// ValidateSet validates every rule and requires names to be unique.
func ValidateSet(set []Rule) error {
	seen := make(map[string]bool, len(set))
	var errs []error
	for i, r := range set {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name))
		}
		seen[r.Name] = true
	}
	return errors.Join(errs...)
}

// Evaluate returns every rule in set that matches inc, preserving set order.
func Evaluate(inc *schema.Incident, set []Rule) []Rule {
	var matched []Rule
	for _, r := range set {
		if r.Matches(inc) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Names returns the names of rules in order.
func Names(set []Rule) []string {
	out := make([]string, len(set))
	for i, r := range set {
		out[i] = r.Name
	}
	return out
}
