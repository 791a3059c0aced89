package planexecutor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/semstreams/message"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/coordinator"
)

// errBadCommand marks commands that can never succeed on redelivery.
var errBadCommand = errors.New("bad command")

// ControlAction is a plan lifecycle action.
type ControlAction string

const (
	ActionApprove ControlAction = "approve"
	ActionStart   ControlAction = "start"
	ActionPause   ControlAction = "pause"
	ActionResume  ControlAction = "resume"
	ActionCancel  ControlAction = "cancel"
	ActionSkip    ControlAction = "skip"
)

// IsValid returns true if the action is known.
func (a ControlAction) IsValid() bool {
	switch a {
	case ActionApprove, ActionStart, ActionPause, ActionResume, ActionCancel, ActionSkip:
		return true
	}
	return false
}

// SubmitCommand creates a plan.
type SubmitCommand struct {
	Plan workflow.PlanSpec `json:"plan"`
	// Start approves and starts the plan right away unless it needs review.
	Start bool `json:"start,omitempty"`
}

// Schema returns the message type for this payload.
func (c *SubmitCommand) Schema() message.Type { return SubmitCommandType }

// Validate validates the command.
func (c *SubmitCommand) Validate() error {
	if c.Plan.ID == "" {
		return fmt.Errorf("plan.id is required")
	}
	return nil
}

// MarshalJSON marshals the command to JSON.
func (c *SubmitCommand) MarshalJSON() ([]byte, error) {
	type Alias SubmitCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON unmarshals the command from JSON.
func (c *SubmitCommand) UnmarshalJSON(data []byte) error {
	type Alias SubmitCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// ControlCommand drives a plan through its lifecycle.
type ControlCommand struct {
	PlanID    string        `json:"plan_id"`
	Action    ControlAction `json:"action"`
	TodoID    string        `json:"todo_id,omitempty"`
	Responder string        `json:"responder,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Schema returns the message type for this payload.
func (c *ControlCommand) Schema() message.Type { return ControlCommandType }

// Validate validates the command.
func (c *ControlCommand) Validate() error {
	if c.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	if !c.Action.IsValid() {
		return fmt.Errorf("invalid action %q", c.Action)
	}
	if c.Action == ActionSkip && c.TodoID == "" {
		return fmt.Errorf("skip requires todo_id")
	}
	return nil
}

// MarshalJSON marshals the command to JSON.
func (c *ControlCommand) MarshalJSON() ([]byte, error) {
	type Alias ControlCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON unmarshals the command from JSON.
func (c *ControlCommand) UnmarshalJSON(data []byte) error {
	type Alias ControlCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// DecisionCommand resolves a pending HITL event.
type DecisionCommand struct {
	EventID string `json:"event_id"`
	workflow.Decision
}

// Schema returns the message type for this payload.
func (c *DecisionCommand) Schema() message.Type { return DecisionCommandType }

// Validate validates the command.
func (c *DecisionCommand) Validate() error {
	if c.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	return c.Decision.Validate()
}

// MarshalJSON marshals the command to JSON.
func (c *DecisionCommand) MarshalJSON() ([]byte, error) {
	type Alias DecisionCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON unmarshals the command from JSON.
func (c *DecisionCommand) UnmarshalJSON(data []byte) error {
	type Alias DecisionCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// EditCommand applies structured edits to a plan.
type EditCommand struct {
	PlanID string `json:"plan_id"`
	coordinator.ReplanRequest
}

// Schema returns the message type for this payload.
func (c *EditCommand) Schema() message.Type { return EditCommandType }

// Validate validates the command.
func (c *EditCommand) Validate() error {
	if c.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	return c.ReplanRequest.Validate()
}

// MarshalJSON marshals the command to JSON.
func (c *EditCommand) MarshalJSON() ([]byte, error) {
	type Alias EditCommand
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON unmarshals the command from JSON.
func (c *EditCommand) UnmarshalJSON(data []byte) error {
	type Alias EditCommand
	return json.Unmarshal(data, (*Alias)(c))
}

// Message types for command payloads.
var (
	SubmitCommandType   = message.Type{Domain: "semplan", Category: "submit", Version: "v1"}
	ControlCommandType  = message.Type{Domain: "semplan", Category: "control", Version: "v1"}
	DecisionCommandType = message.Type{Domain: "semplan", Category: "decision", Version: "v1"}
	EditCommandType     = message.Type{Domain: "semplan", Category: "edit", Version: "v1"}
)

// parseCommand decodes a command published either inside a BaseMessage or as
// bare JSON, then validates it.
func parseCommand[T any, P interface {
	*T
	Validate() error
}](data []byte) (*T, error) {
	var out *T
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err == nil && baseMsg.Payload() != nil {
		parsed, err := workflow.ParsePayload[T](baseMsg.Payload())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadCommand, err)
		}
		out = parsed
	} else {
		var raw T
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadCommand, err)
		}
		out = &raw
	}
	if err := P(out).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadCommand, err)
	}
	return out, nil
}

// NewCommandMessage wraps a command in a BaseMessage for publishing.
func NewCommandMessage(cmd message.Payload, source string) ([]byte, error) {
	baseMsg := message.NewBaseMessage(cmd.Schema(), cmd, source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}
