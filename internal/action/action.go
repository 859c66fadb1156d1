// Package action parses rule action descriptors into a closed set of kinds.
//
// A descriptor is the opaque string attached to a rule ("slack:ot-soc",
// "webhook:soar", "pagerduty:plant-a", "log"). Descriptors are parsed once when
// an alert is built; the action worker dispatches on Kind and never re-parses
// the raw string.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies what an action does.
type Kind string

const (
	KindSlack     Kind = "slack"
	KindWebhook   Kind = "webhook"
	KindPagerDuty Kind = "pagerduty"
	KindLog       Kind = "log"
	// KindUnknown marks a descriptor whose prefix is not recognized. It is kept
	// rather than rejected so the failure can be recorded as a tool call.
	KindUnknown Kind = "unknown"
)

// Notifies reports whether the kind delivers a notification to a human.
func (k Kind) Notifies() bool {
	switch k {
	case KindSlack, KindWebhook, KindPagerDuty, KindLog:
		return true
	}
	return false
}

// Descriptor is a parsed action descriptor.
type Descriptor struct {
	Kind   Kind
	Target string
	Raw    string
}

// Parse parses a raw descriptor. It never fails: unrecognized or malformed
// input yields a KindUnknown descriptor carrying the raw text.
func Parse(raw string) Descriptor {
	raw = strings.TrimSpace(raw)
	prefix, target, hasTarget := strings.Cut(raw, ":")
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	target = strings.TrimSpace(target)

	d := Descriptor{Kind: KindUnknown, Target: target, Raw: raw}
	switch Kind(prefix) {
	case KindSlack:
		if hasTarget && target != "" {
			d.Kind = KindSlack
			d.Target = normalizeChannel(target)
		}
	case KindWebhook, KindPagerDuty:
		if hasTarget && target != "" {
			d.Kind = Kind(prefix)
		}
	case KindLog:
		d.Kind = KindLog
		if !hasTarget {
			d.Target = "info"
		}
	}
	return d
}

// ParseAll parses descriptors preserving order.
func ParseAll(raws []string) []Descriptor {
	out := make([]Descriptor, 0, len(raws))
	for _, r := range raws {
		out = append(out, Parse(r))
	}
	return out
}

// Valid reports whether the descriptor resolved to a known kind.
func (d Descriptor) Valid() bool {
	return d.Kind != KindUnknown
}

// Preview renders the argument preview recorded on a tool call.
func (d Descriptor) Preview() string {
	switch d.Kind {
	case KindSlack:
		return "channel=" + d.Target
	case KindWebhook:
		return "endpoint=" + d.Target
	case KindPagerDuty:
		return "service=" + d.Target
	case KindLog:
		return "level=" + d.Target
	default:
		return "descriptor=" + d.Raw
	}
}

// Err describes why an unknown descriptor cannot be executed.
func (d Descriptor) Err() error {
	if d.Valid() {
		return nil
	}
	return fmt.Errorf("unsupported action descriptor %q", d.Raw)
}

func (d Descriptor) String() string {
	if d.Raw != "" {
		return d.Raw
	}
	if d.Target == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.Target
}

// MarshalJSON encodes the descriptor as its raw string so alert payloads keep
// the rule definition's wire shape.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a raw descriptor string.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("action descriptor must be a string: %w", err)
	}
	*d = Parse(raw)
	return nil
}

func normalizeChannel(ch string) string {
	// Channel ids (C0123ABCD) are passed through untouched.
	if strings.HasPrefix(ch, "#") || (strings.HasPrefix(ch, "C") && strings.ToUpper(ch) == ch) {
		return ch
	}
	return "#" + ch
}
