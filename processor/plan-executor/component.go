// Package planexecutor is the JetStream front door of the orchestration
// engine. It consumes plan submissions, lifecycle controls, HITL decisions
// and structured edits from the SEMPLAN stream and applies them to an
// Engine. Outcomes are observable on the engine event subjects.
package planexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/coordinator"
	"github.com/c360studio/semplan/workflow/events"
)

// Engine is the part of coordinator.Engine the component drives.
type Engine interface {
	Submit(ctx context.Context, spec workflow.PlanSpec) (*workflow.Plan, error)
	Plan(planID string) (*workflow.Plan, error)
	Approve(planID string) error
	Start(planID string) error
	Pause(planID, responder string) error
	Resume(planID, responder string) error
	Cancel(planID, responder, reason string) error
	Skip(planID, todoID, responder string) error
	Resolve(eventID string, d workflow.Decision) (*workflow.HITLEvent, error)
	Replan(ctx context.Context, planID string, req coordinator.ReplanRequest) (*coordinator.ReplanResult, error)
}

var _ Engine = (*coordinator.Engine)(nil)

// Deps are the collaborators of the component.
type Deps struct {
	JetStream jetstream.JetStream
	Engine    Engine
	Logger    *slog.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// Component implements the plan-executor processor.
type Component struct {
	name    string
	config  Config
	js      jetstream.JetStream
	engine  Engine
	logger  *slog.Logger
	metrics *Metrics

	// JetStream consumer
	consumer jetstream.Consumer

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Counters
	commandsProcessed atomic.Int64
	commandsRejected  atomic.Int64
	commandsRetried   atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

// NewComponent creates a new plan-executor processor.
func NewComponent(rawConfig json.RawMessage, deps Deps) (*Component, error) {
	var config Config
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if len(config.Subjects) == 0 {
		config.Subjects = defaults.Subjects
	}
	if config.AckWait == "" {
		config.AckWait = defaults.AckWait
	}
	if config.FetchWait == "" {
		config.FetchWait = defaults.FetchWait
	}
	if config.MaxDeliver == 0 {
		config.MaxDeliver = defaults.MaxDeliver
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Component{
		name:    "plan-executor",
		config:  config,
		js:      deps.JetStream,
		engine:  deps.Engine,
		logger:  logger.With("component", "plan-executor"),
		metrics: metrics,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized plan-executor",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subjects", c.config.Subjects)
	return nil
}

// Start begins consuming commands.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.js == nil {
		c.mu.Unlock()
		return fmt.Errorf("JetStream required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if !c.config.ExternalStream {
		if _, err := events.EnsureStream(subCtx, c.js); err != nil {
			c.rollbackStart(cancel)
			return err
		}
	}

	stream, err := c.js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:        c.config.ConsumerName,
		FilterSubjects: c.config.Subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        c.config.GetAckWait(),
		MaxDeliver:     c.config.MaxDeliver,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	go c.consumeLoop(subCtx, c.done)

	c.logger.Info("plan-executor started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subjects", c.config.Subjects)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	close(c.done)
	c.mu.Unlock()
	cancel()
}

// consumeLoop continuously consumes commands, one at a time so commands for
// the same plan apply in stream order.
func (c *Component) consumeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(c.config.GetFetchWait()))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) && !errors.Is(msgs.Error(), jetstream.ErrNoMessages) {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage applies one command and settles the message: ack on success,
// term on errors redelivery cannot fix, nak otherwise.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.commandsProcessed.Add(1)
	c.updateLastActivity()

	subject := msg.Subject()
	err := c.handleCommand(ctx, subject, msg.Data())
	switch {
	case err == nil:
		c.metrics.observeCommand(subject, "ok")
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
	case permanent(err):
		c.commandsRejected.Add(1)
		c.metrics.observeCommand(subject, "rejected")
		c.logger.Warn("Command rejected", "subject", subject, "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to TERM message", "error", err)
		}
	default:
		c.commandsRetried.Add(1)
		c.metrics.observeCommand(subject, "retry")
		c.logger.Error("Command failed, will retry", "subject", subject, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
	}
}

func (c *Component) handleCommand(ctx context.Context, subject string, data []byte) error {
	switch subject {
	case workflow.SubjectPlanSubmit:
		cmd, err := parseCommand[SubmitCommand](data)
		if err != nil {
			return err
		}
		return c.submit(ctx, cmd)

	case workflow.SubjectPlanControl:
		cmd, err := parseCommand[ControlCommand](data)
		if err != nil {
			return err
		}
		return c.control(cmd)

	case workflow.SubjectHITLDecision:
		cmd, err := parseCommand[DecisionCommand](data)
		if err != nil {
			return err
		}
		ev, err := c.engine.Resolve(cmd.EventID, cmd.Decision)
		if err != nil {
			return err
		}
		c.logger.Info("HITL event resolved",
			"event_id", ev.ID,
			"plan_id", ev.PlanID,
			"decision", ev.Decision,
			"responder", ev.Responder)
		return nil

	case workflow.SubjectPlanEdit:
		cmd, err := parseCommand[EditCommand](data)
		if err != nil {
			return err
		}
		res, err := c.engine.Replan(ctx, cmd.PlanID, cmd.ReplanRequest)
		if err != nil {
			return err
		}
		c.logger.Info("Plan edited",
			"plan_id", cmd.PlanID,
			"version", res.Version,
			"summary", res.Diff.Summary())
		return nil
	}
	return fmt.Errorf("%w: unexpected subject %s", errBadCommand, subject)
}

func (c *Component) submit(ctx context.Context, cmd *SubmitCommand) error {
	plan, err := c.engine.Submit(ctx, cmd.Plan)
	switch {
	case errors.Is(err, coordinator.ErrPlanExists):
		// Redelivery. A previous attempt may have failed between submit and
		// start, so pick up from the plan's current status.
		plan, err = c.engine.Plan(cmd.Plan.ID)
		if err != nil {
			return err
		}
		c.logger.Debug("Plan already submitted", "plan_id", plan.ID, "status", plan.Status)
	case err != nil:
		return err
	default:
		c.logger.Info("Plan submitted", "plan_id", plan.ID, "todos", len(plan.Todos), "status", plan.Status)
	}

	if !cmd.Start {
		return nil
	}
	switch plan.Status {
	case workflow.PlanStatusDraft:
		if err := c.engine.Approve(plan.ID); err != nil {
			return err
		}
		return c.engine.Start(plan.ID)
	case workflow.PlanStatusApproved:
		return c.engine.Start(plan.ID)
	case workflow.PlanStatusWaiting:
		c.logger.Info("Plan awaits review before start", "plan_id", plan.ID)
	}
	return nil
}

func (c *Component) control(cmd *ControlCommand) error {
	c.logger.Debug("Applying control", "plan_id", cmd.PlanID, "action", cmd.Action)
	switch cmd.Action {
	case ActionApprove:
		return c.engine.Approve(cmd.PlanID)
	case ActionStart:
		return c.engine.Start(cmd.PlanID)
	case ActionPause:
		return c.engine.Pause(cmd.PlanID, cmd.Responder)
	case ActionResume:
		return c.engine.Resume(cmd.PlanID, cmd.Responder)
	case ActionCancel:
		return c.engine.Cancel(cmd.PlanID, cmd.Responder, cmd.Reason)
	case ActionSkip:
		return c.engine.Skip(cmd.PlanID, cmd.TodoID, cmd.Responder)
	}
	return fmt.Errorf("%w: invalid action %q", errBadCommand, cmd.Action)
}

// permanent reports errors that redelivery cannot fix.
func permanent(err error) bool {
	return errors.Is(err, errBadCommand) ||
		workflow.IsStructural(err) ||
		errors.Is(err, workflow.ErrUnknownPlan) ||
		errors.Is(err, workflow.ErrUnknownTodo) ||
		errors.Is(err, workflow.ErrDuplicateTodo) ||
		errors.Is(err, workflow.ErrTodoStarted) ||
		errors.Is(err, workflow.ErrInvalidTransition) ||
		errors.Is(err, workflow.ErrInvalidLayer) ||
		errors.Is(err, workflow.ErrInvalidTodo) ||
		errors.Is(err, workflow.ErrPlanState) ||
		errors.Is(err, workflow.ErrConcurrentEdit)
}

// Stop gracefully stops the component, waiting up to timeout for the
// command in flight.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			c.logger.Warn("plan-executor stop timed out", "timeout", timeout)
		}
	}

	c.logger.Info("plan-executor stopped",
		"commands_processed", c.commandsProcessed.Load(),
		"commands_rejected", c.commandsRejected.Load(),
		"commands_retried", c.commandsRetried.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "plan-executor",
		Type:        "processor",
		Description: "Applies plan commands and HITL decisions to the orchestration engine",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return ports(c.config.Ports.Inputs, component.DirectionInput)
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return ports(c.config.Ports.Outputs, component.DirectionOutput)
}

func ports(defs []component.PortDefinition, dir component.Direction) []component.Port {
	out := make([]component.Port, len(defs))
	for i, portDef := range defs {
		out[i] = component.Port{
			Name:        portDef.Name,
			Direction:   dir,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return out
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return planExecutorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.commandsRetried.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// IsRunning reports whether the consume loop is active.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
