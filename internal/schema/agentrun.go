package schema

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the overall result of an agent run.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeNoop      Outcome = "noop"
	OutcomeMitigated Outcome = "mitigated"
	OutcomeEscalated Outcome = "escalated"
	OutcomeFailed    Outcome = "failed"
)

// IsValid checks if the outcome is a known value.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePending, OutcomeNoop, OutcomeMitigated, OutcomeEscalated, OutcomeFailed:
		return true
	}
	return false
}

// Terminal reports whether the outcome ends the run.
func (o Outcome) Terminal() bool {
	return o.IsValid() && o != OutcomePending
}

// StepType classifies what an agent did in a step.
type StepType string

const (
	StepDetect   StepType = "detect"
	StepEvaluate StepType = "evaluate"
	StepAct      StepType = "act"
	StepNotify   StepType = "notify"
)

// ToolStatus is the result of a single tool invocation.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
	ToolPending ToolStatus = "pending"
)

// Logical agents participating in every run besides the detector.
const (
	AgentPlanner  = "Planner"
	AgentExecutor = "Executor"
)

// ToolCall records one external tool invocation within a step.
type ToolCall struct {
	ID          string     `json:"id"`
	Tool        string     `json:"tool"`
	Action      string     `json:"action"`
	ArgsPreview string     `json:"argsPreview"`
	Status      ToolStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	Token       string     `json:"token,omitempty"`
	TS          time.Time  `json:"ts"`
}

// Step is one unit of agent activity.
type Step struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agentId"`
	Type      StepType   `json:"type"`
	Summary   string     `json:"summary"`
	TS        time.Time  `json:"ts"`
	ToolCalls []ToolCall `json:"toolCalls"`
	// Source is the stream message id that caused the step, when any.
	Source string `json:"source,omitempty"`
}

// AgentRun is the audit trail for one incident.
type AgentRun struct {
	ID         string     `json:"id"`
	IncidentID string     `json:"incidentId"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Agents     []string   `json:"agents"`
	Steps      []Step     `json:"steps"`
	Outcome    Outcome    `json:"outcome"`
}

// NewRunSeed returns the document used when a run is created lazily for inc.
func NewRunSeed(inc *Incident, now time.Time) *AgentRun {
	return &AgentRun{
		ID:         RunIDFor(inc),
		IncidentID: inc.ID,
		StartedAt:  now.UTC(),
		Agents:     []string{inc.DetectorName(), AgentPlanner, AgentExecutor},
		Steps:      []Step{},
		Outcome:    OutcomePending,
	}
}

// NewStep returns a step with a fresh id and timestamp.
func NewStep(agent string, typ StepType, summary string, now time.Time, calls ...ToolCall) Step {
	if calls == nil {
		calls = []ToolCall{}
	}
	return Step{
		ID:        "step-" + uuid.NewString(),
		AgentID:   agent,
		Type:      typ,
		Summary:   summary,
		TS:        now.UTC(),
		ToolCalls: calls,
	}
}

// NewToolCall returns a tool call record with a fresh id.
func NewToolCall(tool, act, args string, status ToolStatus, now time.Time) ToolCall {
	return ToolCall{
		ID:          "tc-" + uuid.NewString(),
		Tool:        tool,
		Action:      act,
		ArgsPreview: args,
		Status:      status,
		TS:          now.UTC(),
	}
}
