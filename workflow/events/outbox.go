// Package events delivers engine state changes to external sinks.
//
// Coordinators enqueue events into an Outbox while holding their plan lock,
// so sequence numbers follow the order transitions actually happened. A
// single goroutine drains the outbox in FIFO order and retries failed
// deliveries until they succeed; events are never dropped or reordered.
// Delivery is at-least-once, so sinks' consumers must tolerate duplicates.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"

	"github.com/c360studio/semplan/workflow"
)

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, ev workflow.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev workflow.Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev workflow.Event) error {
	return f(ctx, ev)
}

// Publisher accepts events for ordered delivery.
type Publisher interface {
	// Enqueue assigns the event its ID and per-plan sequence and queues it.
	Enqueue(ev workflow.Event) workflow.Event
}

// ErrClosed is returned by Flush after the outbox stopped.
var ErrClosed = errors.New("outbox closed")

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	Logger *slog.Logger
	// RetryWait is the pause between retry rounds once the per-round retry
	// budget is spent.
	RetryWait time.Duration
}

// Outbox is an unbounded FIFO of events drained by one goroutine.
type Outbox struct {
	sink      Sink
	logger    *slog.Logger
	retryWait time.Duration

	mu        sync.Mutex
	queue     []workflow.Event
	sequences map[string]uint64
	enqueued  uint64
	processed uint64
	progress  chan struct{}
	closed    bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
}

// NewOutbox starts an outbox that delivers to sink.
func NewOutbox(sink Sink, opts OutboxOptions) *Outbox {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := opts.RetryWait
	if wait <= 0 {
		wait = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		sink:      sink,
		logger:    logger,
		retryWait: wait,
		sequences: make(map[string]uint64),
		progress:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go o.run()
	return o
}

// Enqueue implements Publisher. Events enqueued after Close are discarded
// and logged without consuming a sequence number.
func (o *Outbox) Enqueue(ev workflow.Event) workflow.Event {
	o.mu.Lock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if o.closed {
		o.mu.Unlock()
		o.dropped.Add(1)
		o.logger.Error("Event enqueued after outbox closed",
			"plan_id", ev.PlanID,
			"todo_id", ev.TodoID,
			"type", ev.Type)
		return ev
	}
	o.sequences[ev.PlanID]++
	ev.Sequence = o.sequences[ev.PlanID]
	o.queue = append(o.queue, ev)
	o.enqueued++
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return ev
}

// Flush blocks until every event enqueued before the call was delivered.
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	target := o.enqueued
	o.mu.Unlock()
	for {
		o.mu.Lock()
		if o.processed >= target {
			o.mu.Unlock()
			return nil
		}
		ch := o.progress
		o.mu.Unlock()

		select {
		case <-ch:
		case <-o.done:
			o.mu.Lock()
			ok := o.processed >= target
			o.mu.Unlock()
			if ok {
				return nil
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting events and drains what is queued until ctx is done.
// Undelivered events are logged when the deadline cuts the drain short.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-o.done
		return ctx.Err()
	}
}

// Pending returns the number of queued events.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Stats returns delivery counters.
func (o *Outbox) Stats() (delivered, failures, dropped int64) {
	return o.delivered.Load(), o.failures.Load(), o.dropped.Load()
}

func (o *Outbox) run() {
	defer close(o.done)
	defer o.cancel()
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-o.wake:
			case <-o.ctx.Done():
				return
			}
			continue
		}
		ev := o.queue[0]
		o.mu.Unlock()

		if !o.deliver(ev) {
			o.mu.Lock()
			remaining := len(o.queue)
			o.mu.Unlock()
			o.logger.Error("Outbox stopped with undelivered events", "count", remaining)
			return
		}

		o.mu.Lock()
		o.queue[0] = workflow.Event{}
		o.queue = o.queue[1:]
		o.processed++
		close(o.progress)
		o.progress = make(chan struct{})
		o.mu.Unlock()
	}
}

// deliver retries until the sink accepts the event. It returns false only
// when the outbox is being torn down.
func (o *Outbox) deliver(ev workflow.Event) bool {
	for {
		err := retry.Do(o.ctx, retry.DefaultConfig(), func() error {
			return o.sink.Publish(o.ctx, ev)
		})
		if err == nil {
			o.delivered.Add(1)
			return true
		}
		if retry.IsNonRetryable(err) {
			o.dropped.Add(1)
			o.logger.Error("Dropping undeliverable event",
				"plan_id", ev.PlanID,
				"type", ev.Type,
				"sequence", ev.Sequence,
				"error", err)
			return true
		}
		o.failures.Add(1)
		if o.ctx.Err() != nil {
			return false
		}
		o.logger.Warn("Event delivery failed, will retry",
			"plan_id", ev.PlanID,
			"type", ev.Type,
			"sequence", ev.Sequence,
			"error", err)

		select {
		case <-time.After(o.retryWait):
		case <-o.ctx.Done():
			return false
		}
	}
}
