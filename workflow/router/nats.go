package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/semplan/workflow"
)

// ExecutorQueue is the queue group remote executors join, so each request is
// handled by exactly one of them.
const ExecutorQueue = "semplan-executors"

// Reply is the wire shape of an executor response over NATS.
type Reply struct {
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	InputPrompt string          `json:"input_prompt,omitempty"`
}

// NATSExecutor forwards todo params to remote executors with NATS
// request/reply on semplan.execute.<layer>.
type NATSExecutor struct {
	nc       *nats.Conn
	subject  string
	fallback time.Duration
}

// NewNATSExecutor creates an executor for one layer.
func NewNATSExecutor(nc *nats.Conn, layer workflow.Layer) *NATSExecutor {
	return &NATSExecutor{
		nc:       nc,
		subject:  workflow.ExecuteSubject(layer),
		fallback: DefaultTimeout,
	}
}

// Execute implements Executor.
func (e *NATSExecutor) Execute(ctx context.Context, params json.RawMessage) (*Output, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fallback)
		defer cancel()
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	req := nats.NewMsg(e.subject)
	req.Data = params
	if input, ok := InputFrom(ctx); ok {
		req.Header.Set(InputHeader, input)
	}

	msg, err := e.nc.RequestMsgWithContext(ctx, req)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no executor listening on %s: %w", e.subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", e.subject, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", e.subject, err)
	}
	if !reply.Success {
		if reply.Error == "" {
			reply.Error = "executor reported failure"
		}
		return nil, errors.New(reply.Error)
	}
	return &Output{Data: reply.Data, InputPrompt: reply.InputPrompt}, nil
}

// Serve exposes a local Executor to remote routers for one layer. Each
// request runs with the given timeout. Unsubscribe the returned
// subscription to stop serving.
func Serve(nc *nats.Conn, layer workflow.Layer, exec Executor, timeout time.Duration, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	subject := workflow.ExecuteSubject(layer)
	return nc.QueueSubscribe(subject, ExecutorQueue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if input := msg.Header.Get(InputHeader); input != "" {
			ctx = WithInput(ctx, input)
		}

		var reply Reply
		out, err := exec.Execute(ctx, msg.Data)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Success = true
			if out != nil {
				reply.Data = out.Data
				reply.InputPrompt = out.InputPrompt
			}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("Failed to marshal executor reply", "subject", subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("Failed to respond to execute request", "subject", subject, "error", err)
		}
	})
}
