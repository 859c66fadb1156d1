package schema

import (
	"ot-sentinel/internal/action"
)

// Alert is the result of one rule matching one incident. The incident payload
// is flattened into the alert so consumers see the same fields the event
// stream carried, plus the rule and its resolved actions.
type Alert struct {
	Incident

	Rule    string              `json:"rule" validate:"required,max=256"`
	Actions []action.Descriptor `json:"actions"`

	// RuleSeverity is the matched rule's severity override, if any.
	RuleSeverity Severity `json:"ruleSeverity,omitempty" validate:"omitempty,severity"`

	// SourceID is the event-stream message id the alert was derived from.
	// Together with Rule it forms the alert's idempotency key.
	SourceID string `json:"sourceId,omitempty"`
}

// NewAlert builds an alert for a rule match.
func NewAlert(inc Incident, rule string, actions []action.Descriptor, override Severity, sourceID string) *Alert {
	return &Alert{
		Incident:     inc,
		Rule:         rule,
		Actions:      actions,
		RuleSeverity: override,
		SourceID:     sourceID,
	}
}

// EffectiveSeverity returns the rule override when present, else the incident
// severity.
func (a *Alert) EffectiveSeverity() Severity {
	if a.RuleSeverity != "" {
		return a.RuleSeverity
	}
	return a.Severity
}

// Key identifies the (source message, rule) pair the alert was produced for.
// Duplicated alert messages caused by redelivery share the same key.
func (a *Alert) Key() string {
	if a.SourceID == "" {
		return a.ID + ":" + a.Rule
	}
	return a.SourceID + ":" + a.Rule
}
