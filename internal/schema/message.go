package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload marks a stream message that can never be processed.
// Consumers acknowledge and drop such messages instead of retrying them.
var ErrInvalidPayload = errors.New("schema: invalid payload")

// Stream field names carrying serialized payloads.
const (
	FieldIncident = "data"
	FieldAlert    = "alert"
)

// Kind discriminates stream message variants.
type Kind string

const (
	KindIncident Kind = "incident"
	KindAlert    Kind = "alert"
)

// Message is a decoded stream payload. The set of implementations is closed:
// *IncidentEvent and *AlertEvent.
type Message interface {
	Kind() Kind
	isMessage()
}

// IncidentEvent is an event-stream message.
type IncidentEvent struct {
	Incident *Incident
}

func (*IncidentEvent) Kind() Kind { return KindIncident }
func (*IncidentEvent) isMessage() {}

// AlertEvent is an alert-stream message.
type AlertEvent struct {
	Alert *Alert
}

func (*AlertEvent) Kind() Kind { return KindAlert }
func (*AlertEvent) isMessage() {}

// Encode serializes a message into stream fields.
func Encode(m Message) (map[string]string, error) {
	switch msg := m.(type) {
	case *IncidentEvent:
		data, err := json.Marshal(msg.Incident)
		if err != nil {
			return nil, fmt.Errorf("encode incident: %w", err)
		}
		return map[string]string{FieldIncident: string(data)}, nil
	case *AlertEvent:
		data, err := json.Marshal(msg.Alert)
		if err != nil {
			return nil, fmt.Errorf("encode alert: %w", err)
		}
		return map[string]string{FieldAlert: string(data)}, nil
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
}

// Decoder turns stream fields into validated messages.
type Decoder struct {
	validator *Validator
}

// NewDecoder creates a decoder using v for validation.
func NewDecoder(v *Validator) *Decoder {
	if v == nil {
		v = NewValidator()
	}
	return &Decoder{validator: v}
}

// Decode parses and validates stream fields. Any failure wraps
// ErrInvalidPayload.
func (d *Decoder) Decode(fields map[string]string) (Message, error) {
	if raw, ok := fields[FieldIncident]; ok {
		var inc Incident
		if err := json.Unmarshal([]byte(raw), &inc); err != nil {
			return nil, fmt.Errorf("%w: incident json: %v", ErrInvalidPayload, err)
		}
		if err := d.validator.ValidateIncident(&inc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &IncidentEvent{Incident: &inc}, nil
	}

	if raw, ok := fields[FieldAlert]; ok {
		var alert Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			return nil, fmt.Errorf("%w: alert json: %v", ErrInvalidPayload, err)
		}
		if err := d.validator.ValidateAlert(&alert); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return &AlertEvent{Alert: &alert}, nil
	}

	return nil, fmt.Errorf("%w: no %q or %q field", ErrInvalidPayload, FieldIncident, FieldAlert)
}
