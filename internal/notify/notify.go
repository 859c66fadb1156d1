// Package notify executes alert actions. Each action kind has a Notifier;
// the Dispatcher runs every action of an alert independently and records the
// outcome of each as a tool call.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

// ErrUnknownTarget is returned when an action names a target that is not
// configured (an unknown webhook endpoint or PagerDuty service).
var ErrUnknownTarget = errors.New("notify: unknown target")

// Result is the outcome of one notification.
type Result struct {
	Success bool
	// Token identifies the delivered message (Slack ts, PagerDuty dedup key).
	Token string
	// Simulated is set when no real delivery happened because the channel
	// has no credentials configured.
	Simulated bool
	Err       error
}

func failed(err error) Result {
	return Result{Err: err}
}

// Notifier delivers one kind of action.
type Notifier interface {
	// Kind is the action kind handled.
	Kind() action.Kind
	// Tool and Action name the external call in the audit trail.
	Tool() string
	Action() string
	// Notify delivers the alert to the descriptor's target.
	Notify(ctx context.Context, d action.Descriptor, alert *schema.Alert) Result
}

// Dispatcher routes descriptors to notifiers by kind.
type Dispatcher struct {
	notifiers map[action.Kind]Notifier
	timeout   time.Duration
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. timeout bounds each notifier call; zero
// disables the bound.
func NewDispatcher(timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{
		notifiers: make(map[action.Kind]Notifier, len(notifiers)),
		timeout:   timeout,
		now:       time.Now,
	}
	for _, n := range notifiers {
		d.notifiers[n.Kind()] = n
	}
	return d
}

// Execute runs every action of the alert and returns one tool call per
// action, in order. A failing action does not prevent the others.
func (d *Dispatcher) Execute(ctx context.Context, alert *schema.Alert) []schema.ToolCall {
	calls := make([]schema.ToolCall, 0, len(alert.Actions))
	for _, desc := range alert.Actions {
		calls = append(calls, d.execute(ctx, desc, alert))
	}
	return calls
}

func (d *Dispatcher) execute(ctx context.Context, desc action.Descriptor, alert *schema.Alert) schema.ToolCall {
	n, ok := d.notifiers[desc.Kind]
	if !ok {
		err := desc.Err()
		if err == nil {
			err = fmt.Errorf("no notifier configured for %s actions", desc.Kind)
		}
		tc := schema.NewToolCall(string(desc.Kind), "dispatch", desc.Preview(), schema.ToolError, d.now())
		tc.Error = err.Error()
		slog.Warn("action not executable",
			"incident_id", alert.ID,
			"rule", alert.Rule,
			"action", desc.String(),
			"error", err,
		)
		return tc
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	res := n.Notify(callCtx, desc, alert)

	status := schema.ToolSuccess
	if !res.Success {
		status = schema.ToolError
	}
	tc := schema.NewToolCall(n.Tool(), n.Action(), desc.Preview(), status, d.now())
	tc.Token = res.Token
	if res.Err != nil {
		tc.Error = res.Err.Error()
	}

	if res.Success {
		slog.Info("action delivered",
			"incident_id", alert.ID,
			"rule", alert.Rule,
			"action", desc.String(),
			"simulated", res.Simulated,
		)
	} else {
		slog.Error("action failed",
			"incident_id", alert.ID,
			"rule", alert.Rule,
			"action", desc.String(),
			"error", res.Err,
		)
	}
	return tc
}

// AnySucceeded reports whether at least one call succeeded.
func AnySucceeded(calls []schema.ToolCall) bool {
	for _, c := range calls {
		if c.Status == schema.ToolSuccess {
			return true
		}
	}
	return false
}
