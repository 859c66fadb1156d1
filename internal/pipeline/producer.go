package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ot-sentinel/internal/agentrun"
	"ot-sentinel/internal/incident"
	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/stream"
)

// Producer is the reference ingestion path: it seeds the run with a detect
// step, upserts the incident document and appends the event.
type Producer struct {
	log         stream.Log
	incidents   incident.Store
	runs        agentrun.Store
	validator   *schema.Validator
	eventStream string
	now         func() time.Time
}

// NewProducer creates a producer appending to eventStream.
func NewProducer(log stream.Log, incidents incident.Store, runs agentrun.Store, eventStream string) *Producer {
	if eventStream == "" {
		eventStream = EventStream
	}
	return &Producer{
		log:         log,
		incidents:   incidents,
		runs:        runs,
		validator:   schema.NewValidator(),
		eventStream: eventStream,
		now:         time.Now,
	}
}

// Ingest publishes one detection and returns the event message id.
func (p *Producer) Ingest(ctx context.Context, inc *schema.Incident) (string, error) {
	now := p.now()
	inc.Normalize(now)
	if err := p.validator.ValidateIncident(inc); err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidPayload, err)
	}

	call := schema.NewToolCall("protocol_analyzer", "detect",
		fmt.Sprintf("vector=%s, severity=%s", inc.Vector, inc.Severity), schema.ToolSuccess, now)
	step := schema.NewStep(inc.DetectorName(), schema.StepDetect, detectSummary(inc), now, call)
	if _, err := p.runs.AppendStep(ctx, schema.NewRunSeed(inc, now), step, detectKey(inc.ID)); err != nil {
		return "", fmt.Errorf("seed run: %w", err)
	}

	stored, created, err := p.incidents.Upsert(ctx, inc)
	if err != nil {
		return "", fmt.Errorf("upsert incident: %w", err)
	}

	fields, err := schema.Encode(&schema.IncidentEvent{Incident: stored})
	if err != nil {
		return "", err
	}
	id, err := p.log.Append(ctx, p.eventStream, fields)
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	slog.Info("incident ingested",
		"incident_id", stored.ID,
		"vector", stored.Vector,
		"severity", stored.Severity,
		"count", stored.Count,
		"created", created,
		"message_id", id,
	)
	return id, nil
}

// IngestAll publishes incidents in order and stops at the first failure.
func (p *Producer) IngestAll(ctx context.Context, incs []*schema.Incident) (int, error) {
	for i, inc := range incs {
		if _, err := p.Ingest(ctx, inc); err != nil {
			return i, fmt.Errorf("incident %d (%s): %w", i, inc.ID, err)
		}
	}
	return len(incs), nil
}

func detectSummary(inc *schema.Incident) string {
	asset := inc.Asset.Name
	if asset == "" {
		asset = inc.Asset.ID
	}
	if asset == "" {
		return fmt.Sprintf("Detected %s", inc.Vector)
	}
	return fmt.Sprintf("Detected %s on %s", inc.Vector, asset)
}
