package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/semplan/workflow"
)

// MemorySink records events in memory. Useful for tests and embedding.
type MemorySink struct {
	mu       sync.Mutex
	events   []workflow.Event
	failNext int
	notify   chan struct{}
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{notify: make(chan struct{})}
}

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, ev workflow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("memory sink: injected failure")
	}
	s.events = append(s.events, ev)
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// FailNext makes the next n publishes fail.
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Events returns every recorded event.
func (s *MemorySink) Events() []workflow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.Event(nil), s.events...)
}

// ForPlan returns recorded events for one plan.
func (s *MemorySink) ForPlan(planID string) []workflow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.Event
	for _, ev := range s.events {
		if ev.PlanID == planID {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until match accepts some recorded event or ctx is done.
func (s *MemorySink) WaitFor(ctx context.Context, match func(workflow.Event) bool) (workflow.Event, error) {
	for {
		s.mu.Lock()
		for _, ev := range s.events {
			if match(ev) {
				s.mu.Unlock()
				return ev, nil
			}
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return workflow.Event{}, ctx.Err()
		}
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(ctx context.Context, ev workflow.Event) error {
	s.logger.InfoContext(ctx, "Plan event",
		"plan_id", ev.PlanID,
		"todo_id", ev.TodoID,
		"type", ev.Type,
		"sequence", ev.Sequence,
		"payload", string(ev.Payload))
	return nil
}

// MultiSink fans an event out to several sinks. A failure in any sink fails
// the publish, so the outbox redelivers to all of them.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, ev workflow.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder persists HITL events and execution results.
type Recorder interface {
	RecordHITL(ctx context.Context, ev *workflow.HITLEvent) error
	RecordResult(ctx context.Context, res *workflow.ExecutionResult) error
}

// RecordingSink persists HITL events and results carried by engine events.
// Other event types pass through untouched.
type RecordingSink struct {
	rec Recorder
}

// NewRecordingSink wraps a recorder as a sink.
func NewRecordingSink(rec Recorder) *RecordingSink {
	return &RecordingSink{rec: rec}
}

// Publish implements Sink.
func (s *RecordingSink) Publish(ctx context.Context, ev workflow.Event) error {
	switch ev.Type {
	case workflow.EventHITLRequested, workflow.EventHITLResolved:
		var body workflow.HITLChange
		if err := ev.Decode(&body); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if body.Event == nil {
			return nil
		}
		return s.rec.RecordHITL(ctx, body.Event)
	case workflow.EventTodoResult:
		var res workflow.ExecutionResult
		if err := ev.Decode(&res); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return s.rec.RecordResult(ctx, &res)
	default:
		return nil
	}
}
