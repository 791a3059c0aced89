package planexecutor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semplan/workflow"
)

// planExecutorSchema defines the configuration schema.
var planExecutorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the plan-executor component.
type Config struct {
	// StreamName is the JetStream stream holding plan commands.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for plan commands,category:basic,default:SEMPLAN"`

	// ConsumerName is the durable consumer name for command consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for command consumption,category:basic,default:plan-executor"`

	// Subjects are the command subjects the consumer filters on.
	Subjects []string `json:"subjects" schema:"type:array,description:Command subjects to consume,category:basic"`

	// ExternalStream skips creating the stream on start; it must already exist.
	ExternalStream bool `json:"external_stream,omitempty" schema:"type:bool,description:Stream is managed outside the component,category:advanced,default:false"`

	// AckWait is how long a command may be processed before redelivery.
	AckWait string `json:"ack_wait" schema:"type:string,description:Command processing deadline before redelivery,category:advanced,default:30s"`

	// FetchWait is the maximum time one fetch blocks.
	FetchWait string `json:"fetch_wait" schema:"type:string,description:Maximum wait per fetch,category:advanced,default:5s"`

	// MaxDeliver bounds redeliveries of a command that keeps failing.
	MaxDeliver int `json:"max_deliver" schema:"type:int,description:Maximum deliveries per command,category:advanced,default:5,min:1"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   workflow.StreamName,
		ConsumerName: "plan-executor",
		Subjects:     workflow.CommandSubjects(),
		AckWait:      "30s",
		FetchWait:    "5s",
		MaxDeliver:   5,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "plan-commands",
					Type:        "jetstream",
					Subject:     "semplan.plan.>",
					StreamName:  workflow.StreamName,
					Description: "Receive plan submit, control and edit commands",
					Required:    true,
				},
				{
					Name:        "hitl-decisions",
					Type:        "jetstream",
					Subject:     workflow.SubjectHITLDecision,
					StreamName:  workflow.StreamName,
					Description: "Receive human decisions for pending HITL events",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "plan-events",
					Type:        "jetstream",
					Subject:     workflow.SubjectEventPrefix + ".>",
					StreamName:  workflow.StreamName,
					Description: "Publish ordered plan and todo state changes",
					Required:    true,
				},
				{
					Name:        "execute-requests",
					Type:        "nats",
					Subject:     workflow.SubjectExecutePrefix + ".>",
					Description: "Request todo execution from layer executors",
					Required:    false,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if len(c.Subjects) == 0 {
		return fmt.Errorf("at least one subject is required")
	}
	if c.MaxDeliver < 1 {
		return fmt.Errorf("max_deliver must be at least 1")
	}
	if c.AckWait != "" {
		if _, err := time.ParseDuration(c.AckWait); err != nil {
			return fmt.Errorf("invalid ack_wait: %w", err)
		}
	}
	if c.FetchWait != "" {
		if _, err := time.ParseDuration(c.FetchWait); err != nil {
			return fmt.Errorf("invalid fetch_wait: %w", err)
		}
	}
	return nil
}

// GetAckWait returns the ack wait duration.
// Returns default 30s if parsing fails.
func (c *Config) GetAckWait() time.Duration {
	return parseDuration(c.AckWait, 30*time.Second)
}

// GetFetchWait returns the fetch wait duration.
// Returns default 5s if parsing fails.
func (c *Config) GetFetchWait() time.Duration {
	return parseDuration(c.FetchWait, 5*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
