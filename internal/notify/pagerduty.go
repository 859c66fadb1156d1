package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

// DefaultPagerDutyURL is the Events API v2 enqueue endpoint.
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyConfig maps service names to Events API routing keys.
type PagerDutyConfig struct {
	EventsURL   string            `yaml:"events_url"`
	RoutingKeys map[string]string `yaml:"routing_keys"`
	Timeout     time.Duration     `yaml:"timeout"`
}

// PagerDuty triggers PagerDuty incidents.
type PagerDuty struct {
	cfg    PagerDutyConfig
	client *http.Client
}

// NewPagerDuty creates a PagerDuty notifier.
func NewPagerDuty(cfg PagerDutyConfig) *PagerDuty {
	if cfg.EventsURL == "" {
		cfg.EventsURL = DefaultPagerDutyURL
	}
	client := defaultHTTPClient()
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return &PagerDuty{cfg: cfg, client: client}
}

func (p *PagerDuty) Kind() action.Kind { return action.KindPagerDuty }
func (p *PagerDuty) Tool() string      { return "pagerduty" }
func (p *PagerDuty) Action() string    { return "trigger" }

// DedupKey is the PagerDuty dedup key of an alert. Re-triggering the same
// incident and rule updates the existing PagerDuty incident.
func DedupKey(alert *schema.Alert) string {
	return fmt.Sprintf("%s-%s", alert.ID, alert.Rule)
}

// Notify enqueues a trigger event.
func (p *PagerDuty) Notify(ctx context.Context, d action.Descriptor, alert *schema.Alert) Result {
	key, ok := p.cfg.RoutingKeys[d.Target]
	if !ok {
		return failed(fmt.Errorf("%w: pagerduty service %q", ErrUnknownTarget, d.Target))
	}

	dedup := DedupKey(alert)
	payload := map[string]any{
		"routing_key":  key,
		"event_action": "trigger",
		"dedup_key":    dedup,
		"payload": map[string]any{
			"summary":   headline(alert),
			"source":    pagerDutySource(alert),
			"severity":  pagerDutySeverity(alert.EffectiveSeverity()),
			"timestamp": alert.LastSeen.UTC().Format(time.RFC3339),
			"component": alert.Protocol,
			"group":     alert.Asset.Zone,
			"custom_details": map[string]any{
				"incident_id": alert.ID,
				"rule":        alert.Rule,
				"vector":      alert.Vector,
				"count":       alert.Count,
			},
		},
	}

	status, body, err := postJSON(ctx, p.client, p.cfg.EventsURL, nil, payload)
	if err != nil {
		return failed(fmt.Errorf("pagerduty: %w", err))
	}
	if status != http.StatusAccepted {
		return failed(fmt.Errorf("pagerduty returned %d: %s", status, string(body)))
	}

	var resp struct {
		DedupKey string `json:"dedup_key"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.DedupKey != "" {
		dedup = resp.DedupKey
	}
	return Result{Success: true, Token: dedup}
}

func pagerDutySeverity(sev schema.Severity) string {
	switch sev {
	case schema.SeverityCritical:
		return "critical"
	case schema.SeverityHigh:
		return "error"
	case schema.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// pagerDutySource names the event source, which PagerDuty requires.
func pagerDutySource(alert *schema.Alert) string {
	switch {
	case alert.Asset.ID != "":
		return alert.Asset.ID
	case alert.Source != "":
		return alert.Source
	}
	return "ot-sentinel"
}
