package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ot-sentinel/internal/agentrun"
	"ot-sentinel/internal/dedup"
	"ot-sentinel/internal/metrics"
	"ot-sentinel/internal/rules"
	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/stream"
)

// RulesWorker evaluates incident events against the rule set, emits one
// alert per matching rule and records an evaluate step.
type RulesWorker struct {
	log         stream.Log
	rules       RuleSet
	runs        agentrun.Store
	seen        dedup.Set
	alertStream string
	now         func() time.Time
}

// NewRulesWorker creates a rules worker that appends alerts to alertStream.
func NewRulesWorker(log stream.Log, set RuleSet, runs agentrun.Store, seen dedup.Set, alertStream string) *RulesWorker {
	if alertStream == "" {
		alertStream = AlertStream
	}
	return &RulesWorker{
		log:         log,
		rules:       set,
		runs:        runs,
		seen:        seen,
		alertStream: alertStream,
		now:         time.Now,
	}
}

// Handle processes one event-stream message.
func (w *RulesWorker) Handle(ctx context.Context, id string, msg schema.Message) error {
	ev, ok := msg.(*schema.IncidentEvent)
	if !ok {
		return fmt.Errorf("%w: %s message on the event stream", schema.ErrInvalidPayload, msg.Kind())
	}
	inc := ev.Incident

	matched := rules.Evaluate(inc, w.rules.Rules())
	if len(matched) == 0 {
		slog.Debug("no rules matched", "incident_id", inc.ID, "vector", inc.Vector, "message_id", id)
		return nil
	}

	for _, r := range matched {
		if err := w.emit(ctx, id, inc, r); err != nil {
			return err
		}
	}

	now := w.now()
	names := rules.Names(matched)
	call := schema.NewToolCall("rules_engine", "evaluate", "rules="+strings.Join(names, ","), schema.ToolSuccess, now)
	step := schema.NewStep(schema.AgentPlanner, schema.StepEvaluate,
		fmt.Sprintf("Matched %d rule(s)", len(matched)), now, call)
	step.Source = id

	appended, err := w.runs.AppendStep(ctx, schema.NewRunSeed(inc, now), step, evaluateKey(id))
	if err != nil {
		return fmt.Errorf("append evaluate step: %w", err)
	}
	if !appended {
		metrics.DuplicateSkipped("step")
	}

	slog.Info("incident evaluated",
		"incident_id", inc.ID,
		"message_id", id,
		"matched", len(matched),
		"rules", names,
	)
	return nil
}

// emit appends the alert for one match unless it was already emitted for
// this message.
func (w *RulesWorker) emit(ctx context.Context, msgID string, inc *schema.Incident, r rules.Rule) error {
	key := alertKey(msgID, r.Name)
	seen, err := w.seen.Seen(ctx, key)
	if err != nil {
		return fmt.Errorf("check alert key: %w", err)
	}
	if seen {
		metrics.DuplicateSkipped("alert")
		slog.Debug("alert already emitted", "incident_id", inc.ID, "rule", r.Name, "message_id", msgID)
		return nil
	}

	alert := schema.NewAlert(*inc, r.Name, r.Descriptors(), r.Severity, msgID)
	fields, err := schema.Encode(&schema.AlertEvent{Alert: alert})
	if err != nil {
		return err
	}
	alertID, err := w.log.Append(ctx, w.alertStream, fields)
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	// A crash between append and mark re-emits this alert on redelivery;
	// the action worker keys its work by the same (message, rule) pair.
	if err := w.seen.Mark(ctx, key); err != nil {
		return fmt.Errorf("mark alert key: %w", err)
	}

	metrics.AlertEmitted(r.Name)
	slog.Info("alert emitted",
		"incident_id", inc.ID,
		"rule", r.Name,
		"severity", alert.EffectiveSeverity(),
		"alert_id", alertID,
	)
	return nil
}
