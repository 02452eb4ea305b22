package pipeline

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid/v2"
)

func TestCorrelationIDMiddlewareAssignsWhenMissing(t *testing.T) {
	var seen string
	handler := correlationIDMiddleware()(func(msg *message.Message) ([]*message.Message, error) {
		seen = msg.Metadata["correlation_id"]
		return nil, nil
	})

	if _, err := handler(message.NewMessage("m1", nil)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if _, err := ulid.Parse(seen); err != nil {
		t.Fatalf("expected a ULID correlation id, got %q: %v", seen, err)
	}
}

func TestCorrelationIDMiddlewareKeepsExisting(t *testing.T) {
	msg := message.NewMessage("m1", nil)
	msg.Metadata["correlation_id"] = "preset"

	handler := correlationIDMiddleware()(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})
	if _, err := handler(msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if msg.Metadata["correlation_id"] != "preset" {
		t.Fatalf("expected preset correlation id, got %q", msg.Metadata["correlation_id"])
	}
}

func TestShouldDeadLetterClassifiesErrors(t *testing.T) {
	cfg := testConfig()
	cfg.DeadLetterQueue = "maxwell.dead"

	p := newTestPipeline(t, cfg, &fakeStore{}, Dependencies{
		DeadLetterPublisher: nopPublisher{},
	})

	poison := &UnprocessableEventError{Payload: "not json", Err: errors.New("invalid json")}
	if !p.shouldDeadLetter(poison) {
		t.Fatal("expected poison error to dead-letter")
	}
	if p.shouldDeadLetter(errors.New("store unavailable")) {
		t.Fatal("transient errors must stay on the requeue path")
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (nopPublisher) Close() error                                             { return nil }
