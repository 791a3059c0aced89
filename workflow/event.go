package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

func init() {
	if err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "semplan",
		Category:    "event",
		Version:     "v1",
		Description: "Plan or todo state change published by the orchestration engine",
		Factory:     func() any { return &Event{} },
	}); err != nil {
		panic("failed to register Event: " + err.Error())
	}
}

// EventMessageType is the message type for engine events.
var EventMessageType = message.Type{
	Domain:   "semplan",
	Category: "event",
	Version:  "v1",
}

// EventType names a state change published by the engine.
type EventType string

const (
	EventPlanStatus    EventType = "plan.status"
	EventTodoStatus    EventType = "todo.status"
	EventTodoResult    EventType = "todo.result"
	EventHITLRequested EventType = "hitl.requested"
	EventHITLResolved  EventType = "hitl.resolved"
	EventPlanReplanned EventType = "plan.replanned"
)

// Event is one ordered state change. Sequence is strictly increasing per
// plan; consumers must tolerate duplicate delivery and can dedupe on
// (PlanID, Sequence).
type Event struct {
	ID        string          `json:"id"`
	PlanID    string          `json:"plan_id"`
	TodoID    string          `json:"todo_id,omitempty"`
	Type      EventType       `json:"type"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an unsequenced event with a JSON-encoded body.
func NewEvent(planID, todoID string, typ EventType, body any, now time.Time) (Event, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = data
	}
	return Event{
		PlanID:    planID,
		TodoID:    todoID,
		Type:      typ,
		Payload:   raw,
		Timestamp: now,
	}, nil
}

// DedupeKey identifies the event for broker-side deduplication.
func (e *Event) DedupeKey() string {
	return fmt.Sprintf("%s-%d", e.PlanID, e.Sequence)
}

// Decode unmarshals the event body into v.
func (e *Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// Schema implements message.Payload.
func (e *Event) Schema() message.Type {
	return EventMessageType
}

// Validate validates the event.
func (e *Event) Validate() error {
	if e.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	return json.Unmarshal(data, (*Alias)(e))
}

// StatusChange is the body of plan.status and todo.status events.
type StatusChange struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Version int     `json:"version,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Counts  *Counts `json:"counts,omitempty"`
}

// HITLChange is the body of hitl.requested and hitl.resolved events.
type HITLChange struct {
	Event *HITLEvent `json:"event"`
}

// ReplanSummary is the body of plan.replanned events.
type ReplanSummary struct {
	Version    int        `json:"version"`
	ChangeType ChangeType `json:"change_type"`
	Reason     string     `json:"reason,omitempty"`
	Added      []string   `json:"added,omitempty"`
	Removed    []string   `json:"removed,omitempty"`
	Changed    []string   `json:"changed,omitempty"`
	Summary    string     `json:"summary"`
}

// ParsePayload re-decodes a BaseMessage payload into a concrete type.
func ParsePayload[T any](payload any) (*T, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &out, nil
}
