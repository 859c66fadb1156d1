package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ot-sentinel/internal/agentrun"
	"ot-sentinel/internal/dedup"
	"ot-sentinel/internal/incident"
	"ot-sentinel/internal/metrics"
	"ot-sentinel/internal/notify"
	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/storage"
)

// ActionWorker executes alert actions and records a notify or act step.
type ActionWorker struct {
	incidents incident.Store
	runs      agentrun.Store
	executor  ActionExecutor
	seen      dedup.Set
	now       func() time.Time
}

// NewActionWorker creates an action worker.
func NewActionWorker(incidents incident.Store, runs agentrun.Store, executor ActionExecutor, seen dedup.Set) *ActionWorker {
	return &ActionWorker{
		incidents: incidents,
		runs:      runs,
		executor:  executor,
		seen:      seen,
		now:       time.Now,
	}
}

// Handle processes one alert-stream message.
func (w *ActionWorker) Handle(ctx context.Context, id string, msg schema.Message) error {
	ev, ok := msg.(*schema.AlertEvent)
	if !ok {
		return fmt.Errorf("%w: %s message on the alert stream", schema.ErrInvalidPayload, msg.Kind())
	}
	alert := ev.Alert
	key := alert.Key()

	if _, err := w.incidents.Get(ctx, alert.ID); err != nil {
		if storage.IsNotFound(err) {
			slog.Warn("alert references unknown incident", "incident_id", alert.ID, "rule", alert.Rule, "message_id", id)
		} else {
			slog.Warn("incident lookup failed", "incident_id", alert.ID, "error", err)
		}
	}

	todo, keys, err := w.unexecuted(ctx, alert)
	if err != nil {
		return err
	}

	var calls []schema.ToolCall
	if len(todo.Actions) > 0 {
		calls = w.executor.Execute(ctx, todo)
		for _, c := range calls {
			metrics.ToolCall(c.Tool, string(c.Status))
		}
	}

	now := w.now()
	step := schema.NewStep(schema.AgentExecutor, stepType(alert), summarize(calls, len(alert.Actions)), now, calls...)
	step.Source = id

	appended, err := w.runs.AppendStep(ctx, schema.NewRunSeed(&alert.Incident, now), step, notifyKey(key))
	if err != nil {
		return fmt.Errorf("append %s step: %w", step.Type, err)
	}
	if !appended {
		metrics.DuplicateSkipped("step")
	}

	if notify.AnySucceeded(calls) {
		changed, err := w.runs.SetOutcome(ctx, schema.RunIDFor(&alert.Incident), schema.OutcomeMitigated, false)
		if err != nil {
			return fmt.Errorf("set outcome: %w", err)
		}
		if changed {
			slog.Info("run mitigated", "incident_id", alert.ID, "run_id", schema.RunIDFor(&alert.Incident))
		}
	}

	// Actions count as executed only once their step and outcome are stored.
	// A failure before this point re-runs them on redelivery.
	for _, k := range keys {
		if err := w.seen.Mark(ctx, k); err != nil {
			return fmt.Errorf("mark action key: %w", err)
		}
	}

	slog.Info("alert actioned",
		"incident_id", alert.ID,
		"rule", alert.Rule,
		"message_id", id,
		"executed", len(calls),
		"skipped", len(alert.Actions)-len(calls),
	)
	return nil
}

// unexecuted returns a copy of alert holding only the actions not yet run
// for its key, plus the idempotency key of each remaining action.
func (w *ActionWorker) unexecuted(ctx context.Context, alert *schema.Alert) (*schema.Alert, []string, error) {
	todo := *alert
	todo.Actions = nil
	var keys []string

	for i, d := range alert.Actions {
		k := actionKey(alert.Key(), i)
		seen, err := w.seen.Seen(ctx, k)
		if err != nil {
			return nil, nil, fmt.Errorf("check action key: %w", err)
		}
		if seen {
			metrics.DuplicateSkipped("action")
			continue
		}
		todo.Actions = append(todo.Actions, d)
		keys = append(keys, k)
	}
	return &todo, keys, nil
}

// stepType is notify when any action reaches a human, act otherwise.
func stepType(alert *schema.Alert) schema.StepType {
	for _, d := range alert.Actions {
		if d.Kind.Notifies() {
			return schema.StepNotify
		}
	}
	return schema.StepAct
}

func summarize(calls []schema.ToolCall, total int) string {
	if len(calls) == 0 {
		if total == 0 {
			return "No actions configured"
		}
		return "Actions already executed"
	}

	ok := 0
	for _, c := range calls {
		if c.Status == schema.ToolSuccess {
			ok++
		}
	}

	if len(calls) == 1 {
		title := calls[0].Tool
		if title != "" {
			title = strings.ToUpper(title[:1]) + title[1:]
		}
		if ok == 1 {
			return title + " notification sent"
		}
		return title + " notification failed"
	}
	return fmt.Sprintf("Executed %d action(s), %d succeeded", len(calls), ok)
}
