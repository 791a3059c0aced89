package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semplan/workflow"
)

// DuplicateWindow is how long JetStream remembers message IDs for dedupe.
const DuplicateWindow = 2 * time.Minute

// EnsureStream creates or updates the SEMPLAN stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       workflow.StreamName,
		Subjects:   workflow.StreamSubjects(),
		Storage:    jetstream.FileStorage,
		Duplicates: DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", workflow.StreamName, err)
	}
	return stream, nil
}

// JetStreamSink publishes events wrapped in a BaseMessage to
// semplan.events.<plan>.<type>. The message ID is plan+sequence so
// redeliveries inside the duplicate window are dropped by the broker.
type JetStreamSink struct {
	js     jetstream.JetStream
	source string
}

// NewJetStreamSink creates a JetStream sink.
func NewJetStreamSink(js jetstream.JetStream, source string) *JetStreamSink {
	if source == "" {
		source = "semplan"
	}
	return &JetStreamSink{js: js, source: source}
}

// Publish implements Sink.
func (s *JetStreamSink) Publish(ctx context.Context, ev workflow.Event) error {
	baseMsg := message.NewBaseMessage(workflow.EventMessageType, &ev, s.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("marshal event: %w", err))
	}

	subject := workflow.EventSubject(ev.PlanID, ev.Type)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.DedupeKey())); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// DecodeEvent unwraps an engine event from a BaseMessage payload.
func DecodeEvent(data []byte) (*workflow.Event, error) {
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return workflow.ParsePayload[workflow.Event](baseMsg.Payload())
}
