// Package pipeline implements the two stream stages of the response
// pipeline and the reference producer that feeds them.
//
// Every write a stage performs for a message is keyed by the message id, so
// a message delivered again after a crash does not emit a second alert,
// repeat an action or record a second step.
package pipeline

import (
	"context"
	"strconv"

	"ot-sentinel/internal/rules"
	"ot-sentinel/internal/schema"
)

// Default stream layout.
const (
	EventStream  = "sec:events"
	AlertStream  = "sec:alerts"
	RulesGroup   = "cg:rules"
	ActionsGroup = "cg:actions"
)

// RuleSet supplies the current rules.
type RuleSet interface {
	Rules() []rules.Rule
}

// ActionExecutor runs an alert's actions and reports one tool call per
// action.
type ActionExecutor interface {
	Execute(ctx context.Context, alert *schema.Alert) []schema.ToolCall
}

// Idempotency keys.
func alertKey(msgID, rule string) string { return "alert:" + msgID + ":" + rule }

func evaluateKey(msgID string) string { return "evaluate:" + msgID }

func actionKey(alertKey string, i int) string { return "action:" + alertKey + ":" + strconv.Itoa(i) }

func notifyKey(alertKey string) string { return "notify:" + alertKey }

func detectKey(incidentID string) string { return "detect:" + incidentID }
