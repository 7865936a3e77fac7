package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/zsprackett/setupwatch/internal/events"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaSinkRequiresConfig(t *testing.T) {
	if _, err := NewKafkaSink(nil, "events"); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSink([]string{"localhost:9092"}, ""); err == nil {
		t.Error("expected error without topic")
	}
	k, err := NewKafkaSink([]string{"localhost:9092"}, "events")
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	if k.Name() != "kafka:events" {
		t.Errorf("name: got %q", k.Name())
	}
}

func TestKafkaSinkHandle(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaSink{writer: w, topic: "events"}
	ev := events.StoredEvent{
		ID:         "com.jamf.setupmanager.started:SN1:42",
		ReceivedAt: 42,
		Event:      events.Event{Name: "Started", Type: events.TypeStarted, SerialNumber: "SN1"},
	}
	if err := k.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages: got %d want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != ev.ID {
		t.Errorf("key: got %q", msg.Key)
	}
	var got events.StoredEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != ev.ID || got.SerialNumber != "SN1" {
		t.Errorf("payload: %+v", got)
	}

	w.err = errors.New("leader not available")
	if err := k.Handle(context.Background(), ev); err == nil {
		t.Error("expected write error to surface")
	}

	k.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}
