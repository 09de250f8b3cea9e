package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseKafkaURL(t *testing.T) {
	brokers, topic, err := parseKafkaURL("kafka://k1:9092,k2:9092/chat-events")
	if err != nil {
		t.Fatal(err)
	}
	if len(brokers) != 2 || brokers[1] != "k2:9092" || topic != "chat-events" {
		t.Fatalf("unexpected brokers=%v topic=%q", brokers, topic)
	}

	_, topic, err = parseKafkaURL("kafka://k1:9092")
	if err != nil || topic != "chatrelay.events" {
		t.Fatalf("expected default topic, got %q %v", topic, err)
	}

	if _, _, err := parseKafkaURL("kafka:///topic"); err == nil {
		t.Fatal("expected error for missing brokers")
	}
}

func TestNewPublisherSchemes(t *testing.T) {
	pub, err := NewPublisher("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pub.(Noop); !ok {
		t.Fatalf("empty url should give Noop, got %T", pub)
	}

	pub, err = NewPublisher("kafka://localhost:9092/events")
	if err != nil {
		t.Fatal(err)
	}
	kp, ok := pub.(*KafkaPublisher)
	if !ok {
		t.Fatalf("expected KafkaPublisher, got %T", pub)
	}
	if kp.writer.Topic != "events" {
		t.Fatalf("expected topic events, got %q", kp.writer.Topic)
	}
	if kp.writer.BatchTimeout <= 0 || kp.writer.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("single events must not wait on batching, got %v", kp.writer.BatchTimeout)
	}
	pub.Close()

	if _, err := NewPublisher("mqtt://broker"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
	if _, err := NewPublisher("localhost:4222"); err == nil {
		t.Fatal("expected missing scheme error")
	}
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestEmitterDetachedAndBestEffort(t *testing.T) {
	rec := &recordingPublisher{}
	e := NewEmitter(rec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Emit(ctx, Event{Type: MessageAborted, ChatID: "c1"})

	if len(rec.events) != 1 {
		t.Fatal("event should publish even after the request context is cancelled")
	}
	if rec.events[0].At.IsZero() {
		t.Fatal("expected timestamp to be set")
	}

	rec.err = errors.New("broker down")
	e.Emit(context.Background(), Event{Type: MessageFailed})
}
