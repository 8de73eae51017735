package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a fact about a committed state change. Events are built only after
// the unit of work that produced the change has committed.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	TenantID      string         `json:"tenant_id"`
	AggregateID   string         `json:"aggregate_id"`
	DisplayID     string         `json:"display_id,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Version       int32          `json:"version"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id"`
}

// Subject identifies the aggregate an event is about
type Subject struct {
	TenantID    string
	AggregateID string
	DisplayID   string
	Version     int32
}

// NewEvent creates a new domain event. The occurrence time is the caller's
// clock reading for the operation, not the time of publication.
func NewEvent(eventType Type, subject Subject, actor string, occurredAt time.Time, payload map[string]any) *Event {
	id := newID()
	return &Event{
		ID:            id,
		Type:          eventType,
		TenantID:      subject.TenantID,
		AggregateID:   subject.AggregateID,
		DisplayID:     subject.DisplayID,
		Actor:         actor,
		Version:       subject.Version,
		Payload:       payload,
		OccurredAt:    occurredAt,
		CorrelationID: id,
	}
}

// WithCorrelation returns a copy of the event linked to an existing chain
func (e *Event) WithCorrelation(correlationID string) *Event {
	c := *e
	c.Payload = copyPayload(e.Payload, 0)
	c.CorrelationID = correlationID
	return &c
}

// WithPayload returns a new Event with an added payload key-value pair
func (e *Event) WithPayload(key string, value any) *Event {
	c := *e
	c.Payload = copyPayload(e.Payload, 1)
	c.Payload[key] = value
	return &c
}

// GetPayloadString retrieves a string value from the payload
func (e *Event) GetPayloadString(key string) string {
	if val, ok := e.Payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetPayloadInt retrieves an int64 value from the payload
func (e *Event) GetPayloadInt(key string) int64 {
	if val, ok := e.Payload[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int32:
			return int64(v)
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

func copyPayload(p map[string]any, extra int) map[string]any {
	c := make(map[string]any, len(p)+extra)
	for k, v := range p {
		c[k] = v
	}
	return c
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
